package config

import (
	"time"

	"github.com/aristath/taskengine/internal/retry"
)

// Config is the root configuration.
type Config struct {
	Engine EngineConfig `mapstructure:"engine"`
	Store  StoreConfig  `mapstructure:"store"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// EngineConfig tunes the queue, scheduler, and worker pool.
type EngineConfig struct {
	PoolSize           int                 `mapstructure:"pool_size" validate:"gte=0"`        // 0 uses runtime.NumCPU()
	BacklogLimit       int                 `mapstructure:"backlog_limit" validate:"gte=0"`    // 0 disables the limit
	DefaultMaxAttempts int                 `mapstructure:"default_max_attempts" validate:"gt=0"`
	VisibilityTimeout  time.Duration       `mapstructure:"visibility_timeout" validate:"gt=0"`
	ShutdownTimeout    time.Duration       `mapstructure:"shutdown_timeout" validate:"gt=0"`
	SweepInterval      time.Duration       `mapstructure:"sweep_interval" validate:"gt=0"`
	AgingThreshold     time.Duration       `mapstructure:"aging_threshold" validate:"gte=0"` // 0 disables aging
	MaxAgingBoost      int                 `mapstructure:"max_aging_boost" validate:"gte=0"`
	EventBuffer        int                 `mapstructure:"event_buffer" validate:"gt=0"`
	Backoff            retry.Config        `mapstructure:"backoff"`
	Breaker            retry.BreakerConfig `mapstructure:"breaker"`
	Respawn            RespawnConfig       `mapstructure:"respawn"`
}

// RespawnConfig bounds how fast crashed worker slots are replaced.
type RespawnConfig struct {
	Burst  int           `mapstructure:"burst" validate:"gt=0"`
	Window time.Duration `mapstructure:"window" validate:"gt=0"`
}

// StoreConfig locates the task database.
type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ServerConfig configures the producer HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}
