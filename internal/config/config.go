// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	FetchEngine FetchEngineConfig `mapstructure:"fetch_engine"`
	Database    DatabaseConfig    `mapstructure:"database"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Seed        SeedConfig        `mapstructure:"seed"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs the execution engine.
type SchedulerConfig struct {
	MaxConcurrentJobs        int    `mapstructure:"max_concurrent_jobs"`
	RetryAttempts            int    `mapstructure:"retry_attempts"`
	RetryDelayBaseMs         int    `mapstructure:"retry_delay_base_ms"`
	MaxFailuresBeforeDisable int    `mapstructure:"max_failures_before_disable"`
	Timezone                 string `mapstructure:"timezone"`
	ShutdownTimeoutSeconds   int    `mapstructure:"shutdown_timeout_seconds"`
}

// FetchEngineConfig points at the external scrape/crawl service.
type FetchEngineConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	APIKey         string  `mapstructure:"api_key"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// PubSubConfig holds metadata for firing notifications. Without a project ID
// events are kept in a bounded in-memory buffer instead.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	MemoryBuffer int    `mapstructure:"memory_buffer"`
}

// ArchiveConfig selects where fetch results are written. An empty backend
// keeps results inline on the job row.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// Archive backends.
const (
	ArchiveNone  = ""
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SeedConfig lists templates and schedules loaded into the in-memory store.
type SeedConfig struct {
	Templates []SeedTemplate `mapstructure:"templates"`
	Schedules []SeedSchedule `mapstructure:"schedules"`
}

// SeedTemplate is a template definition in config.
type SeedTemplate struct {
	ID          string         `mapstructure:"id"`
	Name        string         `mapstructure:"name"`
	Options     map[string]any `mapstructure:"options"`
	OptionsJSON string         `mapstructure:"options_json"`
}

// SeedSchedule is a schedule definition in config. OptionsJSON takes
// precedence over Options and keeps key case, which Viper folds to lower case.
type SeedSchedule struct {
	ID              string         `mapstructure:"id"`
	Name            string         `mapstructure:"name"`
	Type            string         `mapstructure:"schedule_type"`
	CronExpression  string         `mapstructure:"cron_expression"`
	IntervalSeconds int64          `mapstructure:"interval_seconds"`
	ScheduledAt     string         `mapstructure:"scheduled_at"`
	URL             string         `mapstructure:"url"`
	JobType         string         `mapstructure:"job_type"`
	Enabled         *bool          `mapstructure:"enabled"`
	TemplateID      string         `mapstructure:"template_id"`
	Options         map[string]any `mapstructure:"options"`
	OptionsJSON     string         `mapstructure:"options_json"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCHEDULER")
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
	v.SetDefault("scheduler.max_concurrent_jobs", 5)
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_delay_base_ms", 1000)
	v.SetDefault("scheduler.max_failures_before_disable", 5)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.shutdown_timeout_seconds", 30)
	v.SetDefault("fetch_engine.base_url", "http://localhost:3002")
	v.SetDefault("fetch_engine.timeout_seconds", 30)
	v.SetDefault("fetch_engine.rate_limit_rps", 0)
	v.SetDefault("fetch_engine.rate_limit_burst", 1)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("pubsub.topic_name", "schedule-firings")
	v.SetDefault("pubsub.memory_buffer", 256)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "results")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_jobs must be > 0")
	}
	if c.Scheduler.RetryAttempts <= 0 {
		return fmt.Errorf("scheduler.retry_attempts must be > 0")
	}
	if c.Scheduler.RetryDelayBaseMs < 0 {
		return fmt.Errorf("scheduler.retry_delay_base_ms must be >= 0")
	}
	if c.Scheduler.MaxFailuresBeforeDisable < 0 {
		return fmt.Errorf("scheduler.max_failures_before_disable must be >= 0")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone %q is invalid: %w", c.Scheduler.Timezone, err)
	}
	if c.FetchEngine.BaseURL == "" {
		return fmt.Errorf("fetch_engine.base_url is required")
	}
	if c.FetchEngine.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch_engine.timeout_seconds must be > 0")
	}
	if c.FetchEngine.RateLimitRPS < 0 {
		return fmt.Errorf("fetch_engine.rate_limit_rps must be >= 0")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.PubSub.MemoryBuffer < 0 {
		return fmt.Errorf("pubsub.memory_buffer must be >= 0")
	}
	switch c.Archive.Backend {
	case ArchiveNone:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of local, gcs", c.Archive.Backend)
	}
	return nil
}

// Location returns the timezone cron expressions are evaluated in.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RetryDelayBase returns the first backoff delay.
func (c Config) RetryDelayBase() time.Duration {
	return time.Duration(c.Scheduler.RetryDelayBaseMs) * time.Millisecond
}

// FetchTimeout bounds each fetch engine request.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchEngine.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds how long Stop waits for in-flight firings.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Scheduler.ShutdownTimeoutSeconds) * time.Second
}

// SeedTemplates converts the configured templates.
func (c Config) SeedTemplates() ([]schedule.Template, error) {
	out := make([]schedule.Template, 0, len(c.Seed.Templates))
	for i, t := range c.Seed.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("seed.templates[%d].id is required", i)
		}
		opts, err := seedOptions(t.Options, t.OptionsJSON)
		if err != nil {
			return nil, fmt.Errorf("seed.templates[%d]: %w", i, err)
		}
		out = append(out, schedule.Template{ID: t.ID, Name: t.Name, Options: opts})
	}
	return out, nil
}

// SeedSchedules converts the configured schedules.
func (c Config) SeedSchedules() ([]schedule.Schedule, error) {
	out := make([]schedule.Schedule, 0, len(c.Seed.Schedules))
	for i, s := range c.Seed.Schedules {
		sc, err := s.toSchedule()
		if err != nil {
			return nil, fmt.Errorf("seed.schedules[%d]: %w", i, err)
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s SeedSchedule) toSchedule() (schedule.Schedule, error) {
	if s.ID == "" {
		return schedule.Schedule{}, fmt.Errorf("id is required")
	}
	sc := schedule.Schedule{
		ID:              s.ID,
		Name:            s.Name,
		Type:            schedule.Type(s.Type),
		CronExpression:  s.CronExpression,
		IntervalSeconds: s.IntervalSeconds,
		URL:             s.URL,
		JobType:         schedule.JobType(s.JobType),
		Enabled:         s.Enabled == nil || *s.Enabled,
		TemplateID:      s.TemplateID,
	}
	if !sc.Type.Valid() {
		return schedule.Schedule{}, fmt.Errorf("%w %q", schedule.ErrUnknownType, s.Type)
	}
	if s.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, s.ScheduledAt)
		if err != nil {
			return schedule.Schedule{}, fmt.Errorf("scheduled_at: %w", err)
		}
		at = at.UTC()
		sc.ScheduledAt = &at
	}
	opts, err := seedOptions(s.Options, s.OptionsJSON)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sc.Options = opts
	return sc, nil
}

func seedOptions(opts map[string]any, raw string) (schedule.Options, error) {
	if raw != "" {
		var out schedule.Options
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("options_json: %w", err)
		}
		return out, nil
	}
	if len(opts) == 0 {
		return nil, nil
	}
	return schedule.Options(opts), nil
}
