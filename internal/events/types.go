package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
	OccurredAt() time.Time
}

// Topic constants
const (
	TopicTask   = "task"
	TopicWorker = "worker"
)

// Event type constants
const (
	EventTypeTaskEnqueued     = "task.enqueued"
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskFailed       = "task.failed"
	EventTypeTaskDeadLettered = "task.deadlettered"
	EventTypeTaskCancelled    = "task.cancelled"
	EventTypeWorkerCrashed    = "worker.crashed"
)

// TaskEnqueuedEvent is published when a task is admitted.
type TaskEnqueuedEvent struct {
	ID        string
	Kind      string
	Priority  int
	Timestamp time.Time
}

func (e TaskEnqueuedEvent) EventType() string     { return EventTypeTaskEnqueued }
func (e TaskEnqueuedEvent) TaskID() string        { return e.ID }
func (e TaskEnqueuedEvent) OccurredAt() time.Time { return e.Timestamp }

// TaskStartedEvent is published when a task is handed to a worker slot.
type TaskStartedEvent struct {
	ID        string
	Kind      string
	SlotID    int
	Delivery  int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string     { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string        { return e.ID }
func (e TaskStartedEvent) OccurredAt() time.Time { return e.Timestamp }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string     { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string        { return e.ID }
func (e TaskCompletedEvent) OccurredAt() time.Time { return e.Timestamp }

// TaskFailedEvent is published for every failed attempt.
type TaskFailedEvent struct {
	ID        string
	Attempt   int
	Err       error
	Permanent bool
	RetryIn   time.Duration // Zero when no retry follows
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string     { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string        { return e.ID }
func (e TaskFailedEvent) OccurredAt() time.Time { return e.Timestamp }

// TaskDeadLetteredEvent is published when a task gives up.
type TaskDeadLetteredEvent struct {
	ID        string
	Reason    string
	Attempts  int
	Timestamp time.Time
}

func (e TaskDeadLetteredEvent) EventType() string     { return EventTypeTaskDeadLettered }
func (e TaskDeadLetteredEvent) TaskID() string        { return e.ID }
func (e TaskDeadLetteredEvent) OccurredAt() time.Time { return e.Timestamp }

// TaskCancelledEvent is published when a task is cancelled, directly or
// because a dependency will never complete.
type TaskCancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string     { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string        { return e.ID }
func (e TaskCancelledEvent) OccurredAt() time.Time { return e.Timestamp }

// WorkerCrashedEvent is published when a handler panics and its slot is replaced.
type WorkerCrashedEvent struct {
	SlotID    int
	ID        string // Task that was running
	Err       error
	Timestamp time.Time
}

func (e WorkerCrashedEvent) EventType() string     { return EventTypeWorkerCrashed }
func (e WorkerCrashedEvent) TaskID() string        { return e.ID }
func (e WorkerCrashedEvent) OccurredAt() time.Time { return e.Timestamp }
