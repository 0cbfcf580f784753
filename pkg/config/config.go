// Package config loads runtime configuration: static topology settings
// (worker/scheduler sizing, retention, cron defaults) from an optional YAML
// file with environment-variable expansion, and secrets/per-request knobs
// directly from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls the connection pool backing the per-request
// connection-scoping contract in pkg/database. The pool itself is shared,
// but no caller is ever handed a cached connection across requests — only
// these sizing knobs are shared state.
type DatabaseConfig struct {
	URL         string        `yaml:"url"`
	PoolMinSize int           `yaml:"pool_min_size"`
	PoolMaxSize int           `yaml:"pool_max_size"`
	PoolTimeout time.Duration `yaml:"pool_timeout"`
}

// SchedulerConfig holds run-scheduler sizing settings. pkg/scheduler reads
// none of them: cmd/agentrtd uses GracefulShutdownTimeout for HTTP shutdown,
// and WorkerCount and MaxConcurrentRuns are validated and reported on /health.
type SchedulerConfig struct {
	WorkerCount             int           `yaml:"worker_count"`
	MaxConcurrentRuns       int           `yaml:"max_concurrent_runs"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	PollIntervalJitter      time.Duration `yaml:"poll_interval_jitter"`
	RunTimeout              time.Duration `yaml:"run_timeout"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`
	OrphanThreshold         time.Duration `yaml:"orphan_threshold"`
}

// RetentionConfig holds retention settings for terminal runs and old
// thread-state snapshots. No code in this module reads them to prune data.
type RetentionConfig struct {
	RunRetentionDays    int           `yaml:"run_retention_days"`
	ThreadStateTTL      time.Duration `yaml:"thread_state_ttl"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
}

// CronConfig controls the cron scheduler (pkg/cron).
type CronConfig struct {
	TickInterval  time.Duration `yaml:"tick_interval"`
	MisfireGrace  time.Duration `yaml:"misfire_grace"`
}

// AuthConfig selects and configures the AuthUser verifier (pkg/auth).
type AuthConfig struct {
	// JWTSecret, when set, selects the local HS256 verifier. When empty, the
	// header-passthrough (remote GoTrue) verifier is used.
	JWTSecret string `yaml:"-"`
}

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retention RetentionConfig `yaml:"retention"`
	Cron      CronConfig      `yaml:"cron"`
	Auth      AuthConfig      `yaml:"-"`

	// SyncScope mirrors AGENT_SYNC_SCOPE: "none" | "all" | "org:<uuid>[,org:<uuid>]*".
	SyncScope string `yaml:"-"`
}

// Defaults returns the built-in default configuration, applied before any
// YAML overlay and before environment overrides.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			PoolMinSize: 2,
			PoolMaxSize: 10,
			PoolTimeout: 5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			WorkerCount:             4,
			MaxConcurrentRuns:       20,
			PollInterval:            500 * time.Millisecond,
			PollIntervalJitter:      150 * time.Millisecond,
			RunTimeout:              10 * time.Minute,
			HeartbeatInterval:       15 * time.Second,
			GracefulShutdownTimeout: 30 * time.Second,
			OrphanDetectionInterval: time.Minute,
			OrphanThreshold:         2 * time.Minute,
		},
		Retention: RetentionConfig{
			RunRetentionDays: 30,
			ThreadStateTTL:   30 * 24 * time.Hour,
			CleanupInterval:  time.Hour,
		},
		Cron: CronConfig{
			TickInterval: 5 * time.Second,
			MisfireGrace: 60 * time.Second,
		},
		SyncScope: "none",
	}
}

// Load reads an optional YAML config file from configDir/config.yaml,
// expands ${VAR} references via ExpandEnv, merges it over Defaults(), then
// overlays secrets and per-request knobs straight from the environment.
// A missing file is not an error — Defaults() plus the environment overlay
// is used, though Validate still requires DATABASE_URL to be set.
func Load(configDir string) (*Config, error) {
	cfg := Defaults()

	path := filepath.Join(configDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = ExpandEnv(data)
		var overlay Config
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		if err := mergo.Merge(cfg, &overlay, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	case os.IsNotExist(err):
		// Defaults only — fine.
	default:
		return nil, NewLoadError(path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides reads the secrets and per-request knobs that are never
// appropriate to commit to a YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DATABASE_POOL_MIN_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.PoolMinSize = n
		}
	}
	if v := os.Getenv("DATABASE_POOL_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.PoolMaxSize = n
		}
	}
	if v := os.Getenv("DATABASE_POOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.PoolTimeout = d
		}
	}
	if v := os.Getenv("AGENT_SYNC_SCOPE"); v != "" {
		cfg.SyncScope = v
	}
	cfg.Auth.JWTSecret = os.Getenv("SUPABASE_JWT_SECRET")
}

// Validate checks cross-field invariants and collects every failure via
// errors.Join so startup fails with one complete report.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, NewValidationError("database.url", errors.New("DATABASE_URL is required")))
	}
	if c.Database.PoolMinSize > c.Database.PoolMaxSize {
		errs = append(errs, NewValidationError("database.pool_min_size", fmt.Errorf("exceeds pool_max_size")))
	}
	if c.Scheduler.WorkerCount < 1 {
		errs = append(errs, NewValidationError("scheduler.worker_count", fmt.Errorf("must be at least 1")))
	}
	if c.Scheduler.MaxConcurrentRuns < 1 {
		errs = append(errs, NewValidationError("scheduler.max_concurrent_runs", fmt.Errorf("must be at least 1")))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidationFailed, errors.Join(errs...))
	}
	return nil
}

// Stats summarises config for the health endpoint.
type Stats struct {
	SchedulerWorkers  int    `json:"scheduler_workers"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs"`
	SyncScope         string `json:"sync_scope"`
	GraphFactories    int    `json:"graph_factories"`
}

// Stats returns a snapshot for /health. graphFactories is injected by the
// caller since the graph registry lives in a separate package.
func (c *Config) Stats(graphFactories int) Stats {
	return Stats{
		SchedulerWorkers:  c.Scheduler.WorkerCount,
		MaxConcurrentRuns: c.Scheduler.MaxConcurrentRuns,
		SyncScope:         c.SyncScope,
		GraphFactories:    graphFactories,
	}
}
