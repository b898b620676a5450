package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskengine/internal/retry"
)

// State represents the lifecycle position of a task.
type State int

const (
	Pending      State = iota // Waiting for dependencies
	Ready                     // Dispatchable
	InFlight                  // Leased to a worker slot
	Completed                 // Acked
	Failed                    // Nacked, waiting out its retry delay
	DeadLettered              // Gave up; inspect via the dead letter store
	Cancelled                 // Cancelled directly or through a dependency
)

var stateNames = [...]string{
	Pending:      "pending",
	Ready:        "ready",
	InFlight:     "in_flight",
	Completed:    "completed",
	Failed:       "failed",
	DeadLettered: "dead_lettered",
	Cancelled:    "cancelled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Completed || s == DeadLettered || s == Cancelled
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", name)
}

// States lists every state in declaration order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

// Record is the durable representation of a submitted task.
// Records handed out by the queue are copies; mutating them has no effect.
type Record struct {
	ID            string
	Kind          string // Routes the payload to a registered handler
	Payload       []byte
	Priority      int
	Dependencies  []string
	ExclusiveKeys []string // Resources the handler needs exclusive access to
	State         State
	Attempts      int
	MaxAttempts   int
	Backoff       retry.Config
	Deadline      time.Time     // Zero means no deadline
	NotBefore     time.Time     // Held Pending until then; zero means no hold
	Timeout       time.Duration // Per-attempt bound; zero means none

	Seq                uint64    // Submission order, breaks FIFO ties
	EnqueuedAt         time.Time // Submission time
	ReadyAt            time.Time // Last transition into Ready, drives aging
	AvailableAt        time.Time // End of the retry delay while Failed
	VisibilityDeadline time.Time // Lease expiry while InFlight
	Deliveries         int       // Number of times dispatched
	LastError          string
	UpdatedAt          time.Time
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	cp := *r
	if r.Payload != nil {
		cp.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Dependencies != nil {
		cp.Dependencies = append([]string(nil), r.Dependencies...)
	}
	if r.ExclusiveKeys != nil {
		cp.ExclusiveKeys = append([]string(nil), r.ExclusiveKeys...)
	}
	return &cp
}

// Overdue reports whether the task has a deadline at or before now.
func (r *Record) Overdue(now time.Time) bool {
	return !r.Deadline.IsZero() && !now.Before(r.Deadline)
}

// Due reports whether the task's start time, if any, has arrived.
func (r *Record) Due(now time.Time) bool {
	return !r.NotBefore.After(now)
}

// DeadLetter is the inspection record kept for a task that gave up.
type DeadLetter struct {
	TaskID         string
	Kind           string
	Payload        []byte
	Priority       int
	MaxAttempts    int
	LastError      string
	Attempts       int
	FinalState     State // State the task held right before it was dead-lettered
	Reason         string
	DeadLetteredAt time.Time
}
