package httpapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/taskengine/internal/retry"
	"github.com/aristath/taskengine/internal/task"
)

// BackoffRequest overrides the engine's retry backoff for one task.
// Intervals use Go duration syntax such as "250ms".
type BackoffRequest struct {
	InitialInterval     string  `json:"initial_interval" validate:"required"`
	MaxInterval         string  `json:"max_interval" validate:"required"`
	Multiplier          float64 `json:"multiplier" validate:"gte=1"`
	RandomizationFactor float64 `json:"randomization_factor" validate:"gte=0,lte=1"`
}

func (b *BackoffRequest) config() (*retry.Config, error) {
	initial, err := time.ParseDuration(b.InitialInterval)
	if err != nil {
		return nil, &task.ValidationError{Field: "backoff.initial_interval", Reason: err.Error()}
	}
	maxInterval, err := time.ParseDuration(b.MaxInterval)
	if err != nil {
		return nil, &task.ValidationError{Field: "backoff.max_interval", Reason: err.Error()}
	}
	cfg := retry.Config{
		InitialInterval:     initial,
		MaxInterval:         maxInterval,
		Multiplier:          b.Multiplier,
		RandomizationFactor: b.RandomizationFactor,
	}
	if err := cfg.Validate(); err != nil {
		return nil, &task.ValidationError{Field: "backoff", Reason: err.Error()}
	}
	return &cfg, nil
}

// SubmitRequest is the body of POST /v1/tasks and one entry of a batch.
// Timeout bounds each attempt and uses Go duration syntax.
type SubmitRequest struct {
	Ref           string          `json:"ref,omitempty"`
	Kind          string          `json:"kind" validate:"required"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
	Priority      int             `json:"priority"`
	Dependencies  []string        `json:"dependencies,omitempty" validate:"dive,required"`
	MaxAttempts   int             `json:"max_attempts,omitempty" validate:"gte=0"`
	Backoff       *BackoffRequest `json:"backoff,omitempty"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	RunAt         *time.Time      `json:"run_at,omitempty"`
	Timeout       string          `json:"timeout,omitempty"`
	ExclusiveKeys []string        `json:"exclusive_keys,omitempty" validate:"dive,required"`
}

func (r *SubmitRequest) spec() (task.Spec, error) {
	spec := task.Spec{
		Ref:           r.Ref,
		Kind:          r.Kind,
		Priority:      r.Priority,
		Dependencies:  r.Dependencies,
		MaxAttempts:   r.MaxAttempts,
		ExclusiveKeys: r.ExclusiveKeys,
	}
	if string(r.Payload) == "null" {
		return task.Spec{}, &task.ValidationError{Field: "payload", Reason: "must not be null"}
	}
	if len(r.Payload) > 0 {
		spec.Payload = []byte(r.Payload)
	}
	if r.Deadline != nil {
		spec.Deadline = *r.Deadline
	}
	if r.RunAt != nil {
		spec.NotBefore = *r.RunAt
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return task.Spec{}, &task.ValidationError{Field: "timeout", Reason: err.Error()}
		}
		spec.Timeout = d
	}
	if r.Backoff != nil {
		cfg, err := r.Backoff.config()
		if err != nil {
			return task.Spec{}, err
		}
		spec.Backoff = cfg
	}
	return spec, nil
}

// BatchRequest is the body of POST /v1/tasks/batch.
type BatchRequest struct {
	Tasks []SubmitRequest `json:"tasks" validate:"required,min=1,dive"`
}

func (b *BatchRequest) specs() ([]task.Spec, error) {
	specs := make([]task.Spec, len(b.Tasks))
	for i := range b.Tasks {
		spec, err := b.Tasks[i].spec()
		if err != nil {
			if verr, ok := err.(*task.ValidationError); ok {
				return nil, &task.ValidationError{Field: fmt.Sprintf("tasks[%d].%s", i, verr.Field), Reason: verr.Reason}
			}
			return nil, err
		}
		specs[i] = spec
	}
	return specs, nil
}

// SubmitResponse carries the id assigned to an admitted task.
type SubmitResponse struct {
	ID string `json:"id"`
}

// BatchResponse carries ids in request order.
type BatchResponse struct {
	IDs []string `json:"ids"`
}

// TaskResponse is the public view of a task record.
type TaskResponse struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	State         task.State      `json:"state"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	ExclusiveKeys []string        `json:"exclusive_keys,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	Deliveries    int             `json:"deliveries"`
	LastError     string          `json:"last_error,omitempty"`
	Deadline      *time.Time      `json:"deadline,omitempty"`
	RunAt         *time.Time      `json:"run_at,omitempty"`
	Timeout       string          `json:"timeout,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func taskToResponse(rec *task.Record) TaskResponse {
	resp := TaskResponse{
		ID:            rec.ID,
		Kind:          rec.Kind,
		State:         rec.State,
		Priority:      rec.Priority,
		Dependencies:  rec.Dependencies,
		ExclusiveKeys: rec.ExclusiveKeys,
		Attempts:      rec.Attempts,
		MaxAttempts:   rec.MaxAttempts,
		Deliveries:    rec.Deliveries,
		LastError:     rec.LastError,
		EnqueuedAt:    rec.EnqueuedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if json.Valid(rec.Payload) {
		resp.Payload = json.RawMessage(rec.Payload)
	}
	if !rec.Deadline.IsZero() {
		deadline := rec.Deadline
		resp.Deadline = &deadline
	}
	if !rec.NotBefore.IsZero() {
		runAt := rec.NotBefore
		resp.RunAt = &runAt
	}
	if rec.Timeout > 0 {
		resp.Timeout = rec.Timeout.String()
	}
	return resp
}

// DeadLetterResponse is the public view of a dead letter.
type DeadLetterResponse struct {
	TaskID         string          `json:"task_id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error"`
	FinalState     task.State      `json:"final_state"`
	Reason         string          `json:"reason"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

func deadLetterToResponse(dl *task.DeadLetter) DeadLetterResponse {
	resp := DeadLetterResponse{
		TaskID:         dl.TaskID,
		Kind:           dl.Kind,
		Priority:       dl.Priority,
		Attempts:       dl.Attempts,
		MaxAttempts:    dl.MaxAttempts,
		LastError:      dl.LastError,
		FinalState:     dl.FinalState,
		Reason:         dl.Reason,
		DeadLetteredAt: dl.DeadLetteredAt,
	}
	if json.Valid(dl.Payload) {
		resp.Payload = json.RawMessage(dl.Payload)
	}
	return resp
}
