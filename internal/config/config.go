// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Sources   []SourceConfig  `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// backends.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// QueueConfig governs job retry behavior.
type QueueConfig struct {
	MaxAttempts          int `mapstructure:"max_attempts"`
	BackoffBaseSeconds   int `mapstructure:"backoff_base_seconds"`
	BackoffPermBaseSecs  int `mapstructure:"backoff_permanent_base_seconds"`
	BackoffMaxSeconds    int `mapstructure:"backoff_max_seconds"`
	LeaseDurationSeconds int `mapstructure:"lease_duration_seconds"`
	ReapIntervalSeconds  int `mapstructure:"reap_interval_seconds"`
	ChronicFailureCutoff int `mapstructure:"chronic_failure_cutoff"`
}

// RateLimitConfig sets the fallback per-source throughput ceiling.
type RateLimitConfig struct {
	DefaultPerMinute int `mapstructure:"default_per_minute"`
}

// SchedulerConfig tunes the rescheduling sweep.
type SchedulerConfig struct {
	SweepIntervalSeconds int     `mapstructure:"sweep_interval_seconds"`
	SweepPriority        int     `mapstructure:"sweep_priority"`
	BackoffMultiplier    float64 `mapstructure:"backoff_multiplier"`
	ChronicCadenceHours  int     `mapstructure:"chronic_cadence_hours"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Count            int     `mapstructure:"count"`
	IdleSleepSeconds int     `mapstructure:"idle_sleep_seconds"`
	ClaimsPerSecond  float64 `mapstructure:"claims_per_second"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project id disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SourceConfig declares one external data provider.
type SourceConfig struct {
	ID                 string `mapstructure:"id"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
	CrawlFrequencyHrs  int    `mapstructure:"crawl_frequency_hours"`
	Enabled            bool   `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SERIESD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.min_idle_conns", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base_seconds", 30)
	v.SetDefault("queue.backoff_permanent_base_seconds", 10)
	v.SetDefault("queue.backoff_max_seconds", 1800)
	v.SetDefault("queue.lease_duration_seconds", 300)
	v.SetDefault("queue.reap_interval_seconds", 150)
	v.SetDefault("queue.chronic_failure_cutoff", 5)
	v.SetDefault("ratelimit.default_per_minute", 60)
	v.SetDefault("scheduler.sweep_interval_seconds", 60)
	v.SetDefault("scheduler.sweep_priority", 5)
	v.SetDefault("scheduler.backoff_multiplier", 2.0)
	v.SetDefault("scheduler.chronic_cadence_hours", 24)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.idle_sleep_seconds", 2)
	v.SetDefault("worker.claims_per_second", 0)
	v.SetDefault("pubsub.topic", "series-updated")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Queue.LeaseDurationSeconds <= 0 {
		return fmt.Errorf("queue.lease_duration_seconds must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Scheduler.BackoffMultiplier < 1 {
		return fmt.Errorf("scheduler.backoff_multiplier must be >= 1")
	}
	for _, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("sources entries must have an id")
		}
		if s.RateLimitPerMinute < 0 {
			return fmt.Errorf("source %s: rate_limit_per_minute must be >= 0", s.ID)
		}
	}
	return nil
}

// LeaseDuration returns the configured lease TTL.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Queue.LeaseDurationSeconds) * time.Second
}

// ReapInterval returns how often expired leases are swept.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.Queue.ReapIntervalSeconds) * time.Second
}

// SweepInterval returns how often the rescheduler sweeps for due series.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Scheduler.SweepIntervalSeconds) * time.Second
}
