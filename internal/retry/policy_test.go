package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelayWithoutJitter(t *testing.T) {
	p := NewPolicy(Config{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         time.Second,
		Multiplier:          2,
		RandomizationFactor: 0,
	})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
		{1000, time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempts=%d", tt.attempts), func(t *testing.T) {
			assert.Equal(t, tt.want, p.NextDelay(tt.attempts))
		})
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPolicy(cfg)

	for attempts := 1; attempts <= 10; attempts++ {
		base := float64(cfg.InitialInterval)
		for i := 1; i < attempts; i++ {
			base *= cfg.Multiplier
		}
		if base > float64(cfg.MaxInterval) {
			base = float64(cfg.MaxInterval)
		}
		lo := time.Duration(base * (1 - cfg.RandomizationFactor))
		hi := time.Duration(base * (1 + cfg.RandomizationFactor))

		for i := 0; i < 20; i++ {
			d := p.NextDelay(attempts)
			assert.GreaterOrEqual(t, d, lo, "attempts=%d", attempts)
			assert.LessOrEqual(t, d, hi, "attempts=%d", attempts)
		}
	}
}

func TestNewPolicyFallsBackOnInvalidConfig(t *testing.T) {
	p := NewPolicy(Config{InitialInterval: -1})
	assert.Equal(t, DefaultConfig(), p.Config())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero initial", func(c *Config) { c.InitialInterval = 0 }, true},
		{"max below initial", func(c *Config) { c.MaxInterval = time.Millisecond }, true},
		{"shrinking multiplier", func(c *Config) { c.Multiplier = 0.5 }, true},
		{"jitter above one", func(c *Config) { c.RandomizationFactor = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

type selfClassified struct{ permanent bool }

func (e selfClassified) Error() string   { return "self classified" }
func (e selfClassified) Permanent() bool { return e.permanent }

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Transient},
		{"plain", base, Transient},
		{"marked", MarkPermanent(base), Permanent},
		{"marked and wrapped", fmt.Errorf("handler: %w", MarkPermanent(base)), Permanent},
		{"permanentf", Permanentf("bad payload %d", 7), Permanent},
		{"self permanent", selfClassified{permanent: true}, Permanent},
		{"self transient", selfClassified{permanent: false}, Transient},
		{"context cancelled", context.Canceled, Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestMarkPermanentKeepsCause(t *testing.T) {
	base := errors.New("boom")
	err := MarkPermanent(base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "boom", err.Error())
	assert.Nil(t, MarkPermanent(nil))
}

func TestBreakerTripsOnTransientFailures(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{
		ConsecutiveFailures: 2,
		MaxRequests:         1,
		Timeout:             time.Minute,
	}, nil)

	calls := 0
	failing := func() error {
		calls++
		return errors.New("upstream down")
	}

	require.Error(t, reg.Execute("http", failing))
	require.Error(t, reg.Execute("http", failing))
	assert.Equal(t, gobreaker.StateOpen, reg.State("http"))

	err := reg.Execute("http", failing)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, Transient, Classify(err))
	assert.Equal(t, 2, calls, "open breaker must not call through")

	// Other kinds are unaffected.
	assert.NoError(t, reg.Execute("shell", func() error { return nil }))
}

func TestBreakerIgnoresPermanentAndCancelled(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{
		ConsecutiveFailures: 2,
		MaxRequests:         1,
		Timeout:             time.Minute,
	}, nil)

	for i := 0; i < 5; i++ {
		_ = reg.Execute("k", func() error { return Permanentf("bad input") })
		_ = reg.Execute("k", func() error { return context.Canceled })
	}
	assert.Equal(t, gobreaker.StateClosed, reg.State("k"))
}

func TestBreakerDisabled(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{}, nil)
	for i := 0; i < 10; i++ {
		err := reg.Execute("k", func() error { return errors.New("fail") })
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	var nilReg *BreakerRegistry
	assert.NoError(t, nilReg.Execute("k", func() error { return nil }))
}
