package task

import (
	"time"

	"github.com/aristath/taskengine/internal/retry"
)

// Spec describes a task to submit.
type Spec struct {
	// Ref names this entry inside a batch so siblings can depend on it
	// before ids are assigned. Ignored for single submissions.
	Ref           string
	Kind          string
	Payload       []byte
	Priority      int
	Dependencies  []string
	MaxAttempts   int
	Backoff       *retry.Config // Nil uses the engine default
	Deadline      time.Time     // Zero means no deadline
	NotBefore     time.Time     // Earliest dispatch time; zero means at once
	Timeout       time.Duration // Bounds one attempt; an overrun is retried
	ExclusiveKeys []string
}

// Validate checks the fields that do not depend on engine state.
func (s Spec) Validate(now time.Time) error {
	if s.Kind == "" {
		return &ValidationError{Field: "kind", Reason: "must not be empty"}
	}
	if len(s.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	if s.MaxAttempts <= 0 {
		return &ValidationError{Field: "max_attempts", Reason: "must be positive"}
	}
	if !s.Deadline.IsZero() && !s.Deadline.After(now) {
		return &ValidationError{Field: "deadline", Reason: "already passed"}
	}
	if !s.Deadline.IsZero() && !s.NotBefore.IsZero() && !s.Deadline.After(s.NotBefore) {
		return &ValidationError{Field: "deadline", Reason: "not after run_at"}
	}
	if s.Timeout < 0 {
		return &ValidationError{Field: "timeout", Reason: "must not be negative"}
	}

	seen := make(map[string]bool, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if dep == "" {
			return &ValidationError{Field: "dependencies", Reason: "empty task id"}
		}
		if seen[dep] {
			return &ValidationError{Field: "dependencies", Reason: "duplicate task id " + dep}
		}
		seen[dep] = true
	}

	for _, key := range s.ExclusiveKeys {
		if key == "" {
			return &ValidationError{Field: "exclusive_keys", Reason: "empty key"}
		}
	}

	if s.Backoff != nil {
		if err := s.Backoff.Validate(); err != nil {
			return &ValidationError{Field: "backoff", Reason: err.Error()}
		}
	}
	return nil
}
