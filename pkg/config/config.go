// Package config loads and validates the testgate configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8400"

	// DefaultSQLitePath is the default SQLite database path.
	DefaultSQLitePath = "./testgate.db"

	// DefaultPoolSize is the default number of concurrent load tasks.
	DefaultPoolSize = 5

	// DefaultMaxBuilds caps how many builds one load task ingests.
	DefaultMaxBuilds = 100

	// DefaultHeartbeatInterval is how often loads are submitted for
	// all upstream jobs.
	DefaultHeartbeatInterval = "15m"

	// DefaultStatusRetention is how long finished load-task statuses
	// are kept before the sweep removes them.
	DefaultStatusRetention = "1h"

	// DefaultUsableThresholdPct is the minimum percentage of planned
	// tests that must have run for a build to count as usable.
	DefaultUsableThresholdPct = 60
)

// Config is the root configuration for testgate.
type Config struct {
	Global    GlobalConfig              `yaml:"global"`
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Workflows map[string]WorkflowConfig `yaml:"workflows"`
	Loader    LoaderConfig              `yaml:"loader"`
	Gate      GateConfig                `yaml:"gate"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// WorkflowConfig describes one CI workflow testgate tracks. Different
// workflows relate to different upstream projects, so the comparison
// heuristics are configured per workflow.
type WorkflowConfig struct {
	// RemoteEndpoint is the base URL of the build server for this
	// workflow. Empty means builds cannot be ingested remotely.
	RemoteEndpoint string `yaml:"remote_endpoint,omitempty"`

	// UpstreamBranches lists the maintained baseline branches of the
	// workflow. A job on one of these branches is an upstream job.
	UpstreamBranches []string `yaml:"upstream_branches,omitempty"`

	// ComparableWorkflows names the candidate workflows whose
	// upstream jobs a branch job of this workflow may be gated
	// against. Empty means self-comparison only.
	ComparableWorkflows []string `yaml:"comparable_workflows,omitempty"`

	// SkipLabels lists build labels that make ingestion skip a build
	// without persisting it.
	SkipLabels []string `yaml:"skip_labels,omitempty"`
}

// IsUpstreamBranch reports whether the branch is one of the
// workflow's maintained baseline branches.
func (w WorkflowConfig) IsUpstreamBranch(branch string) bool {
	for _, b := range w.UpstreamBranches {
		if b == branch {
			return true
		}
	}

	return false
}

// ShouldSkip reports whether a build with the given labels should be
// skipped during ingestion.
func (w WorkflowConfig) ShouldSkip(labels []string) bool {
	for _, l := range labels {
		for _, s := range w.SkipLabels {
			if l == s {
				return true
			}
		}
	}

	return false
}

// LoaderConfig contains build-ingestion settings.
type LoaderConfig struct {
	PoolSize          int    `yaml:"pool_size"`
	MaxBuilds         int    `yaml:"max_builds"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	StatusRetention   string `yaml:"status_retention"`
}

// HeartbeatIntervalDuration returns the parsed heartbeat interval.
func (l LoaderConfig) HeartbeatIntervalDuration() time.Duration {
	d, err := time.ParseDuration(l.HeartbeatInterval)
	if err != nil {
		d, _ = time.ParseDuration(DefaultHeartbeatInterval)
	}

	return d
}

// StatusRetentionDuration returns the parsed status retention window.
func (l LoaderConfig) StatusRetentionDuration() time.Duration {
	d, err := time.ParseDuration(l.StatusRetention)
	if err != nil {
		d, _ = time.ParseDuration(DefaultStatusRetention)
	}

	return d
}

// GateConfig contains gating tunables.
type GateConfig struct {
	UsableThresholdPct int `yaml:"usable_threshold_pct"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Loader.PoolSize <= 0 {
		c.Loader.PoolSize = DefaultPoolSize
	}

	if c.Loader.MaxBuilds <= 0 {
		c.Loader.MaxBuilds = DefaultMaxBuilds
	}

	if c.Loader.HeartbeatInterval == "" {
		c.Loader.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Loader.StatusRetention == "" {
		c.Loader.StatusRetention = DefaultStatusRetention
	}

	if c.Gate.UsableThresholdPct <= 0 {
		c.Gate.UsableThresholdPct = DefaultUsableThresholdPct
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf(
			"unsupported database driver: %s", c.Database.Driver,
		)
	}

	if _, err := time.ParseDuration(c.Loader.HeartbeatInterval); err != nil {
		return fmt.Errorf("invalid heartbeat_interval: %w", err)
	}

	if _, err := time.ParseDuration(c.Loader.StatusRetention); err != nil {
		return fmt.Errorf("invalid status_retention: %w", err)
	}

	if c.Gate.UsableThresholdPct > 100 {
		return fmt.Errorf(
			"usable_threshold_pct must be <= 100, got %d",
			c.Gate.UsableThresholdPct,
		)
	}

	for name, wf := range c.Workflows {
		for _, cmp := range wf.ComparableWorkflows {
			if _, ok := c.Workflows[cmp]; !ok {
				return fmt.Errorf(
					"workflow %q: comparable workflow %q is not configured",
					name, cmp,
				)
			}
		}
	}

	if c.Server.RateLimit.Enabled &&
		c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf(
			"rate limit enabled but requests_per_minute is not set",
		)
	}

	return nil
}

// Workflow returns the configuration for the named workflow.
func (c *Config) Workflow(name string) (WorkflowConfig, bool) {
	wf, ok := c.Workflows[name]

	return wf, ok
}
