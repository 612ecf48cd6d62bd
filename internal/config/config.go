// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level consumer configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Queue      QueueConfig      `yaml:"queue"`
	Manager    ManagerConfig    `yaml:"manager"`
	Deadletter DeadletterConfig `yaml:"deadletter"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	History    HistoryConfig    `yaml:"history"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Seed       []SeedEntry      `yaml:"seed"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AdminToken      string        `yaml:"admin_token"` // empty = admin API open
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lv slog.Level
	err := lv.UnmarshalText([]byte(l.Level))
	return lv, err
}

// QueueConfig identifies the pull queue and how to reach it.
type QueueConfig struct {
	Project         string        `yaml:"project"`
	Location        string        `yaml:"location"`
	Name            string        `yaml:"name"`
	BaseURL         string        `yaml:"base_url"`         // empty = public endpoint
	Filter          string        `yaml:"filter"`           // lease filter, e.g. tag="x"
	CredentialsFile string        `yaml:"credentials_file"` // empty = application default credentials
	Scopes          []string      `yaml:"scopes"`
	Token           string        `yaml:"token"`   // static bearer token, overrides OAuth2
	MaxRPS          float64       `yaml:"max_rps"` // 0 = unlimited
	Burst           int           `yaml:"burst"`
	Timeout         time.Duration `yaml:"timeout"`
}

// ManagerConfig holds the task manager policy.
type ManagerConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	LeaseSeconds       float64       `yaml:"lease_seconds"`
	RetryLimit         *int          `yaml:"retry_limit"` // nil = unlimited
	BurnMode           bool          `yaml:"burn_mode"`
	BurnCapacity       int           `yaml:"burn_capacity"`
	BurnAction         string        `yaml:"burn_action"`      // delete, release
	FailFastAction     string        `yaml:"fail_fast_action"` // cancel, delete
	ResolveConcurrency int           `yaml:"resolve_concurrency"`
	RenewTimeout       time.Duration `yaml:"renew_timeout"`
	Backoff            BackoffConfig `yaml:"backoff"`
}

// LeaseDuration converts LeaseSeconds to a time.Duration.
func (m ManagerConfig) LeaseDuration() time.Duration {
	return time.Duration(m.LeaseSeconds * float64(time.Second))
}

// BackoffConfig shapes the idle sleep: factor * base^n, capped at max_value.
type BackoffConfig struct {
	Base     float64       `yaml:"base"`
	Factor   time.Duration `yaml:"factor"`
	MaxValue time.Duration `yaml:"max_value"`
}

// DeadletterConfig controls the SQLite deadletter store.
type DeadletterConfig struct {
	Enabled   bool          `yaml:"enabled"`
	DSN       string        `yaml:"dsn"`        // file path or ":memory:"
	NameField string        `yaml:"name_field"` // gjson path into the payload
	Retention time.Duration `yaml:"retention"`  // 0 = keep forever
}

// WebhookConfig configures the HTTP worker.
type WebhookConfig struct {
	URL         string            `yaml:"url"`
	Timeout     time.Duration     `yaml:"timeout"`
	Concurrency int               `yaml:"concurrency"`
	Headers     map[string]string `yaml:"headers"`
	Breaker     BreakerConfig     `yaml:"breaker"`
}

// BreakerConfig mirrors circuitbreaker.Config.
type BreakerConfig struct {
	ErrorThreshold float64       `yaml:"error_threshold"`
	MinSamples     int           `yaml:"min_samples"`
	WindowSeconds  int           `yaml:"window_seconds"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// HistoryConfig sizes the recent-disposition cache.
type HistoryConfig struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// SeedEntry is a task inserted into an empty queue at startup.
type SeedEntry struct {
	Payload string `yaml:"payload"`
	Tag     string `yaml:"tag"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			Timeout: 30 * time.Second,
		},
		Manager: ManagerConfig{
			BatchSize:          1,
			LeaseSeconds:       60,
			BurnCapacity:       1,
			BurnAction:         "delete",
			FailFastAction:     "cancel",
			ResolveConcurrency: 1,
			Backoff: BackoffConfig{
				Base:     2,
				Factor:   time.Second,
				MaxValue: time.Minute,
			},
		},
		Deadletter: DeadletterConfig{
			DSN:       "leaseq.db",
			NameField: "name",
		},
		Webhook: WebhookConfig{
			Timeout:     30 * time.Second,
			Concurrency: 1,
		},
		History: HistoryConfig{
			MaxSize: 10_000,
			TTL:     time.Hour,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Queue.Project == "" || c.Queue.Location == "" || c.Queue.Name == "" {
		add("queue: project, location and name are required")
	}
	if c.Queue.MaxRPS < 0 {
		add("queue: max_rps must not be negative")
	}

	m := c.Manager
	if m.BatchSize < 1 {
		add("manager: batch_size must be at least 1")
	}
	if m.LeaseSeconds <= 0 {
		add("manager: lease_seconds must be positive")
	}
	if m.RetryLimit != nil && *m.RetryLimit < 0 {
		add("manager: retry_limit must not be negative")
	}
	if m.BurnCapacity < 1 {
		add("manager: burn_capacity must be at least 1")
	}
	switch m.BurnAction {
	case "delete", "release":
	default:
		add("manager: burn_action %q must be delete or release", m.BurnAction)
	}
	switch m.FailFastAction {
	case "cancel", "delete":
	default:
		add("manager: fail_fast_action %q must be cancel or delete", m.FailFastAction)
	}
	if m.ResolveConcurrency < 1 {
		add("manager: resolve_concurrency must be at least 1")
	}
	if m.Backoff.Base < 1 {
		add("manager: backoff.base must be at least 1")
	}
	if m.Backoff.Factor <= 0 {
		add("manager: backoff.factor must be positive")
	}
	if m.Backoff.MaxValue < 0 {
		add("manager: backoff.max_value must not be negative")
	}

	if c.Deadletter.Enabled && c.Deadletter.DSN == "" {
		add("deadletter: dsn is required when enabled")
	}

	if c.Webhook.URL == "" {
		add("webhook: url is required")
	} else if u, err := url.Parse(c.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		add("webhook: url %q must be an absolute http(s) URL", c.Webhook.URL)
	}
	if c.Webhook.Concurrency < 1 {
		add("webhook: concurrency must be at least 1")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		add("log: level %q: %w", c.Log.Level, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		add("log: format %q must be json or text", c.Log.Format)
	}

	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		add("telemetry: tracing.endpoint is required when tracing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
