package task

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when admission would push the backlog past its limit.
	ErrQueueFull = errors.New("queue full")

	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")

	// ErrShuttingDown is returned for submissions after shutdown began.
	ErrShuttingDown = errors.New("engine is shutting down")

	// ErrWorkerCrash wraps a panic recovered from a handler.
	ErrWorkerCrash = errors.New("worker crashed")

	// ErrShutdownTimeout reports executions abandoned when the drain deadline passed.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ValidationError rejects a submission before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Reason)
}
