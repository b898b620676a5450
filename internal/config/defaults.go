package config

import (
	"time"

	"github.com/aristath/taskengine/internal/retry"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			PoolSize:           0,
			BacklogLimit:       10000,
			DefaultMaxAttempts: 3,
			VisibilityTimeout:  5 * time.Minute,
			ShutdownTimeout:    30 * time.Second,
			SweepInterval:      time.Second,
			AgingThreshold:     30 * time.Second,
			MaxAgingBoost:      2,
			EventBuffer:        256,
			Backoff:            retry.DefaultConfig(),
			Breaker:            retry.DefaultBreakerConfig(),
			Respawn: RespawnConfig{
				Burst:  5,
				Window: time.Minute,
			},
		},
		Store: StoreConfig{
			Path: ".taskengine/tasks.db",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8420",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// settings renders cfg as the nested key tree used by config files.
// Durations are written as strings such as "30s".
func settings(cfg *Config) map[string]any {
	e := cfg.Engine
	return map[string]any{
		"engine": map[string]any{
			"pool_size":            e.PoolSize,
			"backlog_limit":        e.BacklogLimit,
			"default_max_attempts": e.DefaultMaxAttempts,
			"visibility_timeout":   e.VisibilityTimeout.String(),
			"shutdown_timeout":     e.ShutdownTimeout.String(),
			"sweep_interval":       e.SweepInterval.String(),
			"aging_threshold":      e.AgingThreshold.String(),
			"max_aging_boost":      e.MaxAgingBoost,
			"event_buffer":         e.EventBuffer,
			"backoff": map[string]any{
				"initial_interval":     e.Backoff.InitialInterval.String(),
				"max_interval":         e.Backoff.MaxInterval.String(),
				"multiplier":           e.Backoff.Multiplier,
				"randomization_factor": e.Backoff.RandomizationFactor,
			},
			"breaker": map[string]any{
				"consecutive_failures": e.Breaker.ConsecutiveFailures,
				"max_requests":         e.Breaker.MaxRequests,
				"timeout":              e.Breaker.Timeout.String(),
			},
			"respawn": map[string]any{
				"burst":  e.Respawn.Burst,
				"window": e.Respawn.Window.String(),
			},
		},
		"store": map[string]any{
			"path": cfg.Store.Path,
		},
		"server": map[string]any{
			"addr": cfg.Server.Addr,
		},
		"log": map[string]any{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
		},
	}
}

// flatten turns a nested settings tree into dotted keys.
func flatten(prefix string, tree map[string]any, out map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}
