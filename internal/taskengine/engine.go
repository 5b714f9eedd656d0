package taskengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"snipebot/internal/logbus"
)

var ErrShuttingDown = errors.New("engine is shutting down")

// Recorder persists task outcomes. Persistence is best effort: a recorder
// error never changes a task's result.
type Recorder interface {
	RecordTask(ctx context.Context, res TaskResult) error
}

type Options struct {
	// MaxConcurrent bounds how many tasks hold an admission slot at once.
	MaxConcurrent int
	// ShutdownWait caps how long Shutdown waits for running tasks.
	ShutdownWait time.Duration
	Bus          *logbus.Bus
	Recorder     Recorder
}

// Engine admits submitted tasks under a counting gate, tracks their
// lifecycle and keeps results queryable after completion. All state is
// instance-owned so engines coexist in tests.
type Engine struct {
	id            string
	maxConcurrent int
	shutdownWait  time.Duration
	bus           *logbus.Bus
	recorder      Recorder

	gate  chan struct{}
	idSeq atomic.Uint64

	mu      sync.Mutex
	results map[TaskID]TaskResult

	wg       sync.WaitGroup
	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(opts Options) *Engine {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 20
	}
	shutdownWait := opts.ShutdownWait
	if shutdownWait <= 0 {
		shutdownWait = 30 * time.Second
	}
	e := &Engine{
		id:            uuid.NewString(),
		maxConcurrent: maxConcurrent,
		shutdownWait:  shutdownWait,
		bus:           opts.Bus,
		recorder:      opts.Recorder,
		gate:          make(chan struct{}, maxConcurrent),
		results:       make(map[TaskID]TaskResult),
		stopCh:        make(chan struct{}),
	}
	e.log("info", "task engine created", map[string]any{
		"engineId":      e.id,
		"maxConcurrent": maxConcurrent,
	})
	return e
}

// Submit records the task as Pending and returns immediately; the task
// starts once an admission slot frees up. Submission order does not imply
// start order beyond the concurrency bound.
func (e *Engine) Submit(task Task) (TaskID, error) {
	if e.stopping.Load() {
		return 0, ErrShuttingDown
	}

	id := TaskID(e.idSeq.Add(1))
	now := time.Now()
	e.mu.Lock()
	e.results[id] = TaskResult{
		ID:          id,
		Name:        task.Name(),
		Status:      StatusPending,
		SubmittedAt: now,
	}
	e.mu.Unlock()

	e.log("debug", "task submitted", map[string]any{"taskId": id, "name": task.Name()})

	e.wg.Add(1)
	go e.run(id, task)
	return id, nil
}

func (e *Engine) run(id TaskID, task Task) {
	defer e.wg.Done()

	select {
	case e.gate <- struct{}{}:
	case <-e.stopCh:
		e.finish(id, func(r *TaskResult) {
			r.Status = StatusCancelled
			r.CompletedAt = time.Now()
		})
		return
	}
	defer func() { <-e.gate }()

	// The gate may have been won in a race with shutdown; pending tasks
	// must still come out Cancelled.
	if e.stopping.Load() {
		e.finish(id, func(r *TaskResult) {
			r.Status = StatusCancelled
			r.CompletedAt = time.Now()
		})
		return
	}

	e.finish(id, func(r *TaskResult) {
		r.Status = StatusRunning
		r.StartedAt = time.Now()
	})
	e.log("info", "task started", map[string]any{"taskId": id, "name": task.Name()})

	value, err := e.execute(task)

	if err != nil {
		e.finish(id, func(r *TaskResult) {
			r.Status = StatusFailed
			r.CompletedAt = time.Now()
			r.Error = err.Error()
		})
		e.log("warn", "task failed", map[string]any{
			"taskId": id, "name": task.Name(), "error": err.Error(),
		})
		return
	}

	e.finish(id, func(r *TaskResult) {
		r.Status = StatusCompleted
		r.CompletedAt = time.Now()
		r.Value = value
	})
	e.log("info", "task completed", map[string]any{"taskId": id, "name": task.Name()})
}

// execute runs the task body and converts panics into errors so a faulty
// task can never take down the engine or its siblings.
func (e *Engine) execute(task Task) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return task.Execute(context.Background())
}

// finish applies a mutation to the task's result under the lock and hands
// the terminal record to the recorder. Only the task's own worker calls it.
func (e *Engine) finish(id TaskID, mutate func(*TaskResult)) {
	e.mu.Lock()
	res := e.results[id]
	mutate(&res)
	e.results[id] = res
	e.mu.Unlock()

	if e.recorder != nil && res.Status.Terminal() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.recorder.RecordTask(ctx, res); err != nil {
			e.log("warn", "task record not persisted", map[string]any{
				"taskId": id, "error": err.Error(),
			})
		}
	}
}

// Result returns a copy of the task's record.
func (e *Engine) Result(id TaskID) (TaskResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.results[id]
	return res, ok
}

func (e *Engine) AllResults() []TaskResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TaskResult, 0, len(e.results))
	for _, res := range e.results {
		out = append(out, res)
	}
	return out
}

func (e *Engine) ResultsByStatus(status Status) []TaskResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []TaskResult
	for _, res := range e.results {
		if res.Status == status {
			out = append(out, res)
		}
	}
	return out
}

func (e *Engine) RunningCount() int { return e.countByStatus(StatusRunning) }
func (e *Engine) PendingCount() int { return e.countByStatus(StatusPending) }

func (e *Engine) TotalCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.results)
}

func (e *Engine) countByStatus(status Status) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, res := range e.results {
		if res.Status == status {
			n++
		}
	}
	return n
}

func (e *Engine) MaxConcurrent() int { return e.maxConcurrent }

// AvailablePermits is an instantaneous view of free admission slots.
func (e *Engine) AvailablePermits() int { return cap(e.gate) - len(e.gate) }

func (e *Engine) IsShuttingDown() bool { return e.stopping.Load() }

// Shutdown stops new admissions, lets Running tasks finish naturally and
// marks everything still Pending as Cancelled. Safe to call more than once.
// It returns ctx.Err if tasks did not drain before ctx or the configured
// wait bound expired; tasks are never aborted mid-flight.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		close(e.stopCh)
		e.log("info", "engine shutdown initiated", map[string]any{"engineId": e.id})
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, e.shutdownWait)
	defer cancel()

	select {
	case <-done:
		e.log("info", "engine shutdown complete", map[string]any{"engineId": e.id})
		return nil
	case <-waitCtx.Done():
		e.log("warn", "engine shutdown timed out", map[string]any{
			"engineId": e.id,
			"running":  e.RunningCount(),
		})
		return waitCtx.Err()
	}
}

func (e *Engine) log(level, msg string, fields map[string]any) {
	if e.bus != nil {
		e.bus.Log(level, msg, fields)
	}
}
