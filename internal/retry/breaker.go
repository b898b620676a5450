package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-kind circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"` // Trip after this many transient failures in a row (0 disables)
	MaxRequests         uint32        `mapstructure:"max_requests"`         // Probes allowed while half-open
	Timeout             time.Duration `mapstructure:"timeout"`              // How long the breaker stays open
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		MaxRequests:         3,
		Timeout:             30 * time.Second,
	}
}

// BreakerRegistry manages one circuit breaker per task kind.
type BreakerRegistry struct {
	cfg BreakerConfig
	log logrus.FieldLogger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry. A nil logger discards state changes.
func NewBreakerRegistry(cfg BreakerConfig, log logrus.FieldLogger) *BreakerRegistry {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &BreakerRegistry{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for kind, creating it on first use.
func (r *BreakerRegistry) Get(kind string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[kind]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        kind,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    0,
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.WithFields(logrus.Fields{
				"kind": name,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and bad input say nothing about the health of the kind.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return Classify(err) == Permanent
		},
	})

	r.breakers[kind] = cb
	return cb
}

// Execute runs fn through the breaker for kind. An open breaker fails fast
// with a transient error so the task is retried after its backoff.
func (r *BreakerRegistry) Execute(kind string, fn func() error) error {
	if r == nil || r.cfg.ConsecutiveFailures == 0 {
		return fn()
	}

	_, err := r.Get(kind).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("circuit for kind %q: %w", kind, err)
	}
	return err
}

// State returns the current breaker state for kind.
func (r *BreakerRegistry) State(kind string) gobreaker.State {
	return r.Get(kind).State()
}
