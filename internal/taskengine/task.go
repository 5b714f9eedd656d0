package taskengine

import (
	"context"
	"time"
)

// TaskID identifies a submitted task. Ids are monotonic per engine and
// never reused.
type TaskID uint64

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a task in this status can still change.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is any unit of work the engine can run. Implementations must be safe
// to call from the engine's worker goroutine; blocking work should honour ctx.
type Task interface {
	Execute(ctx context.Context) (any, error)
	Name() string
}

// TaskResult is the engine's record of one task. It is written only by the
// task's own worker; readers get copies.
type TaskResult struct {
	ID          TaskID    `json:"id"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	SubmittedAt time.Time `json:"submittedAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	Value       any       `json:"value,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// TaskFunc adapts a plain function into a Task.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) (any, error)
}

func (t TaskFunc) Execute(ctx context.Context) (any, error) { return t.Fn(ctx) }
func (t TaskFunc) Name() string                             { return t.TaskName }
