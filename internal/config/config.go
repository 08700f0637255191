// Package config loads and validates the daemon configuration using viper.
// Unknown fields are rejected at load time; effective defaults match the
// documented ones so a missing config file yields a runnable daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Thresholds is one mode's resource ceiling.
type Thresholds struct {
	MaxTokensPerTask   int64   `mapstructure:"max_tokens_per_task"`
	MaxCostPerTask     float64 `mapstructure:"max_cost_per_task"`
	MaxConcurrentTasks int     `mapstructure:"max_concurrent_tasks"`
}

// Limits are the base limits, used when time-based usage is disabled or
// the current mode is off-hours under the base_limits policy.
type Limits struct {
	MaxConcurrentTasks int     `mapstructure:"max_concurrent_tasks"`
	MaxTokensPerTask   int64   `mapstructure:"max_tokens_per_task"`
	MaxCostPerTask     float64 `mapstructure:"max_cost_per_task"`
	DailyBudget        float64 `mapstructure:"daily_budget"`
}

// OffHoursPolicy resolves how off-hours behaves: "inactive" pauses
// everything, "base_limits" keeps running under the base limits.
type OffHoursPolicy string

const (
	OffHoursInactive   OffHoursPolicy = "inactive"
	OffHoursBaseLimits OffHoursPolicy = "base_limits"
)

// TimeBasedUsage is the day/night window configuration.
type TimeBasedUsage struct {
	Enabled                    bool           `mapstructure:"enabled"`
	DayModeHours               []int          `mapstructure:"day_mode_hours"`
	NightModeHours             []int          `mapstructure:"night_mode_hours"`
	DayModeThresholds          Thresholds     `mapstructure:"day_mode_thresholds"`
	NightModeThresholds        Thresholds     `mapstructure:"night_mode_thresholds"`
	DayModeCapacityThreshold   float64        `mapstructure:"day_mode_capacity_threshold"`
	NightModeCapacityThreshold float64        `mapstructure:"night_mode_capacity_threshold"`
	OffHoursPolicy             OffHoursPolicy `mapstructure:"off_hours_policy"`
}

// SessionRecovery bounds automatic resume attempts.
type SessionRecovery struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxResumeAttempts int  `mapstructure:"max_resume_attempts"`
}

// Watchdog restarts the process on sustained memory pressure.
type Watchdog struct {
	MemoryLimitMB    int `mapstructure:"memory_limit_mb"`
	ConsecutiveTicks int `mapstructure:"consecutive_ticks"`
	TickIntervalMs   int `mapstructure:"tick_interval_ms"`
}

// Daemon holds process-level knobs. All durations are milliseconds.
type Daemon struct {
	PollIntervalMs     int             `mapstructure:"poll_interval_ms"`
	ShutdownDeadlineMs int             `mapstructure:"shutdown_deadline_ms"`
	StageTimeoutMs     int             `mapstructure:"stage_timeout_ms"`
	CapacityPollMs     int             `mapstructure:"capacity_poll_ms"`
	ListenAddr         string          `mapstructure:"listen_addr"`
	Timezone           string          `mapstructure:"timezone"`
	SessionRecovery    SessionRecovery `mapstructure:"session_recovery"`
	Watchdog           Watchdog        `mapstructure:"watchdog"`
}

// WorktreeConfig is consumed by the external workspace collaborator; the
// core only reads PreserveOnFailure.
type WorktreeConfig struct {
	CleanupDelayMs    int  `mapstructure:"cleanup_delay_ms"`
	PreserveOnFailure bool `mapstructure:"preserve_on_failure"`
	MaxWorktrees      int  `mapstructure:"max_worktrees"`
}

// Git groups version-control collaborator settings.
type Git struct {
	Worktree WorktreeConfig `mapstructure:"worktree"`
}

// WorkspaceConfig groups workspace collaborator settings.
type WorkspaceConfig struct {
	CleanupOnComplete bool `mapstructure:"cleanup_on_complete"`
}

// AgentConfig points at the coding-agent command the driver execs per
// stage. Stage context goes in on stdin as JSON; the result comes back
// on stdout.
type AgentConfig struct {
	Command       []string `mapstructure:"command"`
	ContextWindow int64    `mapstructure:"context_window"`
}

// StoreConfig selects and parameterizes the durable backend.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"` // memory | postgres | redis
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db"`
	RedisPass   string `mapstructure:"redis_password"`
}

// LogConfig controls logrus output and optional file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the validated root record.
type Config struct {
	Limits         Limits          `mapstructure:"limits"`
	TimeBasedUsage TimeBasedUsage  `mapstructure:"time_based_usage"`
	Daemon         Daemon          `mapstructure:"daemon"`
	Agent          AgentConfig     `mapstructure:"agent"`
	Workspace      WorkspaceConfig `mapstructure:"workspace"`
	Git            Git             `mapstructure:"git"`
	Store          StoreConfig     `mapstructure:"store"`
	Log            LogConfig       `mapstructure:"log"`
}

// Default hour windows, applied when the config leaves them empty.
var (
	DefaultDayHours   = []int{9, 10, 11, 12, 13, 14, 15, 16, 17}
	DefaultNightHours = []int{22, 23, 0, 1, 2, 3, 4, 5, 6}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("limits.max_concurrent_tasks", 2)
	v.SetDefault("limits.max_tokens_per_task", 500_000)
	v.SetDefault("limits.max_cost_per_task", 5.0)
	v.SetDefault("limits.daily_budget", 25.0)

	v.SetDefault("time_based_usage.enabled", true)
	v.SetDefault("time_based_usage.day_mode_capacity_threshold", 0.70)
	v.SetDefault("time_based_usage.night_mode_capacity_threshold", 0.96)
	v.SetDefault("time_based_usage.off_hours_policy", string(OffHoursInactive))

	v.SetDefault("daemon.poll_interval_ms", 5000)
	v.SetDefault("daemon.shutdown_deadline_ms", 30000)
	v.SetDefault("daemon.stage_timeout_ms", 600000)
	v.SetDefault("daemon.capacity_poll_ms", 30000)
	v.SetDefault("daemon.listen_addr", "127.0.0.1:7430")
	v.SetDefault("daemon.session_recovery.enabled", true)
	v.SetDefault("daemon.session_recovery.max_resume_attempts", 3)
	v.SetDefault("daemon.watchdog.memory_limit_mb", 1024)
	v.SetDefault("daemon.watchdog.consecutive_ticks", 3)
	v.SetDefault("daemon.watchdog.tick_interval_ms", 10000)

	v.SetDefault("agent.context_window", 200_000)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_addr", "localhost:6379")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
}

// Load reads the config file at path (optional; defaults apply when
// empty), layers APEX_-prefixed environment variables on top, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("APEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	// ErrorUnused makes unknown keys a load-time error.
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyHourDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyHourDefaults(cfg *Config) {
	if len(cfg.TimeBasedUsage.DayModeHours) == 0 {
		cfg.TimeBasedUsage.DayModeHours = append([]int(nil), DefaultDayHours...)
	}
	if len(cfg.TimeBasedUsage.NightModeHours) == 0 {
		cfg.TimeBasedUsage.NightModeHours = append([]int(nil), DefaultNightHours...)
	}
	if cfg.TimeBasedUsage.DayModeThresholds == (Thresholds{}) {
		cfg.TimeBasedUsage.DayModeThresholds = Thresholds{
			MaxTokensPerTask:   cfg.Limits.MaxTokensPerTask,
			MaxCostPerTask:     cfg.Limits.MaxCostPerTask,
			MaxConcurrentTasks: cfg.Limits.MaxConcurrentTasks,
		}
	}
	if cfg.TimeBasedUsage.NightModeThresholds == (Thresholds{}) {
		cfg.TimeBasedUsage.NightModeThresholds = cfg.TimeBasedUsage.DayModeThresholds
	}
}

// Validate checks ranges and enumerations. Called by Load; exported so
// tests and the CLI can revalidate a mutated config.
func (c *Config) Validate() error {
	if c.Limits.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("config: limits.max_concurrent_tasks must be positive")
	}
	if c.Limits.DailyBudget < 0 {
		return fmt.Errorf("config: limits.daily_budget must not be negative")
	}
	for _, h := range append(append([]int(nil), c.TimeBasedUsage.DayModeHours...), c.TimeBasedUsage.NightModeHours...) {
		if h < 0 || h > 23 {
			return fmt.Errorf("config: hour %d out of range 0..23", h)
		}
	}
	for name, th := range map[string]float64{
		"day_mode_capacity_threshold":   c.TimeBasedUsage.DayModeCapacityThreshold,
		"night_mode_capacity_threshold": c.TimeBasedUsage.NightModeCapacityThreshold,
	} {
		if th <= 0 || th > 1 {
			return fmt.Errorf("config: time_based_usage.%s must be in (0, 1], got %v", name, th)
		}
	}
	switch c.TimeBasedUsage.OffHoursPolicy {
	case OffHoursInactive, OffHoursBaseLimits:
	default:
		return fmt.Errorf("config: time_based_usage.off_hours_policy must be %q or %q",
			OffHoursInactive, OffHoursBaseLimits)
	}
	if c.Daemon.PollIntervalMs <= 0 {
		return fmt.Errorf("config: daemon.poll_interval_ms must be positive")
	}
	if c.Daemon.SessionRecovery.MaxResumeAttempts <= 0 {
		return fmt.Errorf("config: daemon.session_recovery.max_resume_attempts must be positive")
	}
	switch c.Store.Backend {
	case "memory", "postgres", "redis":
	default:
		return fmt.Errorf("config: store.backend must be memory, postgres or redis")
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("config: store.postgres_dsn is required for the postgres backend")
	}
	if c.Daemon.Timezone != "" {
		if _, err := time.LoadLocation(c.Daemon.Timezone); err != nil {
			return fmt.Errorf("config: invalid daemon.timezone: %w", err)
		}
	}
	return nil
}

// Location resolves the configured timezone, defaulting to process local.
func (c *Config) Location() *time.Location {
	if c.Daemon.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Daemon.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// PollInterval returns the queue polling interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Daemon.PollIntervalMs) * time.Millisecond
}

// ShutdownDeadline returns the graceful-drain budget as a duration.
func (c *Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.Daemon.ShutdownDeadlineMs) * time.Millisecond
}

// StageTimeout returns the per-stage driver timeout as a duration.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Daemon.StageTimeoutMs) * time.Millisecond
}

// CapacityPoll returns the capacity monitor tick interval as a duration.
func (c *Config) CapacityPoll() time.Duration {
	return time.Duration(c.Daemon.CapacityPollMs) * time.Millisecond
}
