package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"snipebot/internal/taskengine"
)

var ErrNotFound = errors.New("not found")

// RecordTask upserts one task outcome. Task ids restart per process, so the
// row key includes the submission time.
func (s *Store) RecordTask(ctx context.Context, res taskengine.TaskResult) error {
	valueJSON, err := json.Marshal(res.Value)
	if err != nil {
		valueJSON = []byte("null")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks
			(id, name, status, submitted_at, started_at, completed_at, value_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(res.ID), res.Name, string(res.Status),
		res.SubmittedAt.UnixMilli(), unixMilliOrZero(res.StartedAt), unixMilliOrZero(res.CompletedAt),
		string(valueJSON), res.Error,
	)
	if err != nil {
		return fmt.Errorf("record task %d: %w", res.ID, err)
	}
	return nil
}

// TaskRecord is a persisted task row. Value stays raw JSON; the concrete
// type behind it is gone once the process that produced it exits.
type TaskRecord struct {
	ID          taskengine.TaskID `json:"id"`
	Name        string            `json:"name"`
	Status      taskengine.Status `json:"status"`
	SubmittedAt time.Time         `json:"submittedAt"`
	StartedAt   time.Time         `json:"startedAt,omitzero"`
	CompletedAt time.Time         `json:"completedAt,omitzero"`
	Value       json.RawMessage   `json:"value,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// ListTasks returns persisted tasks, most recently submitted first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, submitted_at, started_at, completed_at, value_json, error
		FROM tasks ORDER BY submitted_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetTask returns the most recent persisted record for the id.
func (s *Store) GetTask(ctx context.Context, id taskengine.TaskID) (TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, submitted_at, started_at, completed_at, value_json, error
		FROM tasks WHERE id = ? ORDER BY submitted_at DESC LIMIT 1`, int64(id))
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, ErrNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (TaskRecord, error) {
	var (
		rec                          TaskRecord
		id, submitted, started, done int64
		status, valueJSON            string
	)
	if err := r.Scan(&id, &rec.Name, &status, &submitted, &started, &done, &valueJSON, &rec.Error); err != nil {
		return TaskRecord{}, err
	}
	rec.ID = taskengine.TaskID(id)
	rec.Status = taskengine.Status(status)
	rec.SubmittedAt = time.UnixMilli(submitted)
	if started > 0 {
		rec.StartedAt = time.UnixMilli(started)
	}
	if done > 0 {
		rec.CompletedAt = time.UnixMilli(done)
	}
	if valueJSON != "" && valueJSON != "null" {
		rec.Value = json.RawMessage(valueJSON)
	}
	return rec, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
