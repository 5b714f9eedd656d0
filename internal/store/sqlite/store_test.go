package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"snipebot/internal/model"
	"snipebot/internal/taskengine"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndGetTask(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	submitted := time.Now().Add(-time.Second)
	res := taskengine.TaskResult{
		ID:          7,
		Name:        "checkout:PROD123",
		Status:      taskengine.StatusCompleted,
		SubmittedAt: submitted,
		StartedAt:   submitted.Add(100 * time.Millisecond),
		CompletedAt: submitted.Add(900 * time.Millisecond),
		Value:       map[string]any{"orderId": "ORD-1"},
	}
	if err := s.RecordTask(ctx, res); err != nil {
		t.Fatalf("RecordTask: %v", err)
	}

	rec, err := s.GetTask(ctx, 7)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.Name != "checkout:PROD123" || rec.Status != taskengine.StatusCompleted {
		t.Fatalf("record = %+v", rec)
	}
	if rec.SubmittedAt.UnixMilli() != submitted.UnixMilli() {
		t.Fatalf("submittedAt = %v, want %v", rec.SubmittedAt, submitted)
	}
	var value struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(rec.Value, &value); err != nil || value.OrderID != "ORD-1" {
		t.Fatalf("value = %s (%v)", rec.Value, err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTest(t)
	if _, err := s.GetTask(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordTaskUpsert(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	submitted := time.Now()
	res := taskengine.TaskResult{ID: 1, Name: "t", Status: taskengine.StatusFailed, SubmittedAt: submitted, Error: "boom"}
	if err := s.RecordTask(ctx, res); err != nil {
		t.Fatalf("RecordTask: %v", err)
	}
	res.Status = taskengine.StatusCompleted
	res.Error = ""
	if err := s.RecordTask(ctx, res); err != nil {
		t.Fatalf("RecordTask again: %v", err)
	}

	recs, err := s.ListTasks(ctx, 10)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d rows, want upsert to keep 1", len(recs))
	}
	if recs[0].Status != taskengine.StatusCompleted || recs[0].Error != "" {
		t.Fatalf("row = %+v, want the later write", recs[0])
	}
}

func TestListTasksOrderAndLimit(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	base := time.Now()
	for i := 1; i <= 5; i++ {
		res := taskengine.TaskResult{
			ID:          taskengine.TaskID(i),
			Name:        "t",
			Status:      taskengine.StatusCompleted,
			SubmittedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.RecordTask(ctx, res); err != nil {
			t.Fatalf("RecordTask: %v", err)
		}
	}

	recs, err := s.ListTasks(ctx, 3)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(recs) != 3 || recs[0].ID != 5 || recs[2].ID != 3 {
		t.Fatalf("rows = %+v, want newest 3 first", recs)
	}
}

func TestRecordAndListOrders(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	p := model.NewProduct("PROD123", "Sneaker", "https://shop.test/p").WithPrice(59.99).WithQuantity(2)
	if err := s.RecordOrder(ctx, "ORD-1", p, "acct-1"); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
	// Same order id again must not duplicate.
	if err := s.RecordOrder(ctx, "ORD-1", p, "acct-1"); err != nil {
		t.Fatalf("RecordOrder replay: %v", err)
	}

	orders, err := s.ListOrders(ctx, 10)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d orders, want 1", len(orders))
	}
	ord := orders[0]
	if ord.OrderID != "ORD-1" || ord.ProductID != "PROD123" || ord.Quantity != 2 || ord.AccountID != "acct-1" {
		t.Fatalf("order = %+v", ord)
	}
}

func TestOpenOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "snipebot.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.RecordOrder(context.Background(), "ORD-9", model.NewProduct("p", "n", "u"), ""); err != nil {
		t.Fatalf("RecordOrder: %v", err)
	}
}
