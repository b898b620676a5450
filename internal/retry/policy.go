package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config configures exponential backoff between attempts.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval" json:"initial_interval"`         // Delay before the first retry (default 100ms)
	MaxInterval         time.Duration `mapstructure:"max_interval" json:"max_interval"`                 // Cap on the un-jittered delay (default 10s)
	Multiplier          float64       `mapstructure:"multiplier" json:"multiplier"`                     // Growth per attempt (default 2.0)
	RandomizationFactor float64       `mapstructure:"randomization_factor" json:"randomization_factor"` // Jitter, as a fraction of the delay (default 0.5)
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.InitialInterval <= 0:
		return errors.New("initial_interval must be positive")
	case c.MaxInterval < c.InitialInterval:
		return errors.New("max_interval must not be below initial_interval")
	case c.Multiplier < 1:
		return errors.New("multiplier must be at least 1")
	case c.RandomizationFactor < 0 || c.RandomizationFactor > 1:
		return errors.New("randomization_factor must be within [0, 1]")
	}
	return nil
}

// maxSteps bounds the walk in NextDelay; the interval has long saturated by then.
const maxSteps = 64

// Policy computes retry delays for a Config.
type Policy struct {
	cfg Config
}

// NewPolicy creates a policy. Invalid configs fall back to DefaultConfig.
func NewPolicy(cfg Config) *Policy {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}
	return &Policy{cfg: cfg}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// NextDelay returns the delay to wait before the attempt following the
// given number of completed attempts. The un-jittered value doubles (by
// Multiplier) per attempt and is capped at MaxInterval.
func (p *Policy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > maxSteps {
		attempts = maxSteps
	}

	b := p.newBackOff()
	delay := p.cfg.InitialInterval
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop {
		return p.cfg.MaxInterval
	}
	return delay
}

func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = p.cfg.RandomizationFactor
	b.MaxElapsedTime = 0 // attempts are bounded by the task, not the clock
	b.Reset()
	return b
}

// Class separates failures worth retrying from the rest.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// permanent is implemented by errors that carry their own classification.
type permanent interface {
	Permanent() bool
}

// Classify reports whether err is permanent. Only the execution outcome
// decides: errors wrapped with MarkPermanent or implementing
// Permanent() bool. Everything else is transient.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return Permanent
	}

	var p permanent
	if errors.As(err, &p) && p.Permanent() {
		return Permanent
	}
	return Transient
}

// MarkPermanent wraps err so Classify reports it as permanent.
func MarkPermanent(err error) error {
	return backoff.Permanent(err)
}

// Permanentf is MarkPermanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return MarkPermanent(fmt.Errorf(format, args...))
}
