package taskengine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type sleepTask struct {
	name     string
	duration time.Duration
	fail     bool
}

func (t sleepTask) Execute(ctx context.Context) (any, error) {
	select {
	case <-time.After(t.duration):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if t.fail {
		return nil, errors.New("task failed intentionally")
	}
	return map[string]any{"name": t.name}, nil
}

func (t sleepTask) Name() string { return t.name }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestSubmitAndComplete(t *testing.T) {
	e := New(Options{MaxConcurrent: 5})
	defer func() { _ = e.Shutdown(context.Background()) }()

	id, err := e.Submit(sleepTask{name: "ok", duration: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != 1 {
		t.Fatalf("first task id = %d, want 1", id)
	}

	waitFor(t, time.Second, func() bool {
		res, _ := e.Result(id)
		return res.Status == StatusCompleted
	})
	res, ok := e.Result(id)
	if !ok {
		t.Fatal("result missing")
	}
	if res.StartedAt.IsZero() || res.CompletedAt.IsZero() {
		t.Fatal("completed task must carry start and end timestamps")
	}
	if res.Value == nil {
		t.Fatal("completed task must carry the body's return value")
	}
}

func TestMonotonicIDs(t *testing.T) {
	e := New(Options{MaxConcurrent: 2})
	defer func() { _ = e.Shutdown(context.Background()) }()

	var last TaskID
	for i := 0; i < 10; i++ {
		id, err := e.Submit(sleepTask{name: "n", duration: time.Millisecond})
		if err != nil {
			t.Fatal(err)
		}
		if id <= last {
			t.Fatalf("task id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestConcurrencyBound(t *testing.T) {
	const maxConcurrent = 5
	e := New(Options{MaxConcurrent: maxConcurrent})
	defer func() { _ = e.Shutdown(context.Background()) }()

	var current, peak atomic.Int64
	for i := 0; i < 50; i++ {
		_, err := e.Submit(TaskFunc{
			TaskName: "counting",
			Fn: func(ctx context.Context) (any, error) {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return n, nil
			},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return len(e.ResultsByStatus(StatusCompleted)) == 50
	})

	if got := peak.Load(); got > maxConcurrent {
		t.Fatalf("observed %d concurrent executions, bound is %d", got, maxConcurrent)
	}
	// Sampled engine view must agree with the bound too.
	if got := e.RunningCount(); got != 0 {
		t.Fatalf("RunningCount after drain = %d, want 0", got)
	}
}

func TestFailedTaskReleasesSlot(t *testing.T) {
	e := New(Options{MaxConcurrent: 1})
	defer func() { _ = e.Shutdown(context.Background()) }()

	failID, err := e.Submit(sleepTask{name: "boom", duration: time.Millisecond, fail: true})
	if err != nil {
		t.Fatal(err)
	}
	okID, err := e.Submit(sleepTask{name: "after", duration: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		res, _ := e.Result(okID)
		return res.Status == StatusCompleted
	})

	res, _ := e.Result(failID)
	if res.Status != StatusFailed || res.Error == "" {
		t.Fatalf("failing task result = %+v, want Failed with message", res)
	}
	if e.AvailablePermits() != 1 {
		t.Fatalf("AvailablePermits = %d, want 1 after drain", e.AvailablePermits())
	}
}

func TestPanicBecomesFailed(t *testing.T) {
	e := New(Options{MaxConcurrent: 1})
	defer func() { _ = e.Shutdown(context.Background()) }()

	id, err := e.Submit(TaskFunc{
		TaskName: "panics",
		Fn: func(ctx context.Context) (any, error) {
			panic("unexpected fault")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		res, _ := e.Result(id)
		return res.Status.Terminal()
	})
	res, _ := e.Result(id)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == "" {
		t.Fatal("panic must surface as an error message")
	}

	// The slot must have been released despite the panic.
	okID, _ := e.Submit(sleepTask{name: "after-panic", duration: time.Millisecond})
	waitFor(t, time.Second, func() bool {
		r, _ := e.Result(okID)
		return r.Status == StatusCompleted
	})
}

func TestShutdownCancelsPending(t *testing.T) {
	const running = 2
	const pending = 6
	e := New(Options{MaxConcurrent: running})

	for i := 0; i < running+pending; i++ {
		if _, err := e.Submit(sleepTask{name: "work", duration: 100 * time.Millisecond}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, time.Second, func() bool { return e.RunningCount() == running })

	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if n := e.PendingCount(); n != 0 {
		t.Fatalf("%d tasks still Pending after shutdown", n)
	}
	cancelled := len(e.ResultsByStatus(StatusCancelled))
	completed := len(e.ResultsByStatus(StatusCompleted))
	if completed+cancelled != running+pending {
		t.Fatalf("completed=%d cancelled=%d, want all %d terminal", completed, cancelled, running+pending)
	}
	if completed < running {
		t.Fatalf("running tasks must finish naturally, only %d completed", completed)
	}

	if _, err := e.Submit(sleepTask{name: "late", duration: time.Millisecond}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Submit after shutdown: err = %v, want ErrShuttingDown", err)
	}

	// Idempotent.
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestStatusQueries(t *testing.T) {
	e := New(Options{MaxConcurrent: 2})
	defer func() { _ = e.Shutdown(context.Background()) }()

	_, _ = e.Submit(sleepTask{name: "a", duration: 20 * time.Millisecond})
	_, _ = e.Submit(sleepTask{name: "b", duration: 20 * time.Millisecond})
	_, _ = e.Submit(sleepTask{name: "c", duration: 5 * time.Millisecond, fail: true})

	waitFor(t, time.Second, func() bool {
		return len(e.ResultsByStatus(StatusCompleted)) == 2 &&
			len(e.ResultsByStatus(StatusFailed)) == 1
	})
	if e.TotalCount() != 3 {
		t.Fatalf("TotalCount = %d, want 3", e.TotalCount())
	}
	if len(e.AllResults()) != 3 {
		t.Fatalf("AllResults length = %d, want 3", len(e.AllResults()))
	}
}

type captureRecorder struct {
	recorded atomic.Int64
}

func (c *captureRecorder) RecordTask(ctx context.Context, res TaskResult) error {
	c.recorded.Add(1)
	return nil
}

func TestRecorderReceivesTerminalResults(t *testing.T) {
	rec := &captureRecorder{}
	e := New(Options{MaxConcurrent: 2, Recorder: rec})
	defer func() { _ = e.Shutdown(context.Background()) }()

	_, _ = e.Submit(sleepTask{name: "a", duration: time.Millisecond})
	_, _ = e.Submit(sleepTask{name: "b", duration: time.Millisecond, fail: true})

	waitFor(t, time.Second, func() bool { return rec.recorded.Load() == 2 })
}
