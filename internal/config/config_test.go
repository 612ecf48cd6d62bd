package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// minimal is the smallest config that passes validation.
const minimal = `
queue:
  project: p
  location: us-central1
  name: q
webhook:
  url: http://localhost:9000/hook
`

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
queue:
  project: my-project
  location: europe-west1
  name: jobs
  max_rps: 5
manager:
  batch_size: 10
  lease_seconds: 1.5
  retry_limit: 3
  burn_mode: true
  burn_capacity: 4
  burn_action: release
  backoff:
    base: 3
    factor: 500ms
    max_value: 10s
deadletter:
  enabled: true
  dsn: ":memory:"
  name_field: user.id
webhook:
  url: https://example.com/hook
  concurrency: 4
  breaker:
    error_threshold: 0.5
seed:
  - payload: '{"n":1}'
    tag: boot
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read_timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Queue.Name != "jobs" || cfg.Queue.MaxRPS != 5 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	m := cfg.Manager
	if m.BatchSize != 10 || !m.BurnMode || m.BurnCapacity != 4 || m.BurnAction != "release" {
		t.Errorf("manager = %+v", m)
	}
	if m.RetryLimit == nil || *m.RetryLimit != 3 {
		t.Errorf("retry_limit = %v, want 3", m.RetryLimit)
	}
	if m.LeaseDuration() != 1500*time.Millisecond {
		t.Errorf("lease duration = %v, want 1.5s", m.LeaseDuration())
	}
	if m.Backoff != (BackoffConfig{Base: 3, Factor: 500 * time.Millisecond, MaxValue: 10 * time.Second}) {
		t.Errorf("backoff = %+v", m.Backoff)
	}
	if !cfg.Deadletter.Enabled || cfg.Deadletter.NameField != "user.id" {
		t.Errorf("deadletter = %+v", cfg.Deadletter)
	}
	if cfg.Webhook.Concurrency != 4 || cfg.Webhook.Breaker.ErrorThreshold != 0.5 {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
	if len(cfg.Seed) != 1 || cfg.Seed[0].Tag != "boot" {
		t.Errorf("seed = %+v", cfg.Seed)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_WEBHOOK_URL", "https://hooks.internal/run")

	cfg, err := Load(writeConfig(t, `
queue: {project: p, location: l, name: q}
webhook:
  url: ${TEST_WEBHOOK_URL}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Webhook.URL != "https://hooks.internal/run" {
		t.Errorf("url = %q", cfg.Webhook.URL)
	}

	// Unset variables are left as-is.
	result := expandEnv([]byte("key: ${LEASEQ_SURELY_UNSET_VAR}"))
	if string(result) != "key: ${LEASEQ_SURELY_UNSET_VAR}" {
		t.Errorf("expandEnv = %q", string(result))
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	m := cfg.Manager
	if m.BatchSize != 1 || m.LeaseDuration() != time.Minute || m.RetryLimit != nil {
		t.Errorf("manager defaults = %+v", m)
	}
	if m.BurnAction != "delete" || m.FailFastAction != "cancel" {
		t.Errorf("action defaults = %q / %q", m.BurnAction, m.FailFastAction)
	}
	if cfg.Deadletter.Enabled {
		t.Error("deadletter should be disabled by default")
	}
	if cfg.History.MaxSize != 10_000 {
		t.Errorf("history max_size = %d", cfg.History.MaxSize)
	}
	if !cfg.Telemetry.Metrics.Enabled {
		t.Error("metrics should be enabled by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	neg := -1
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing queue", func(c *Config) { c.Queue.Name = "" }, "queue: project, location and name"},
		{"batch size", func(c *Config) { c.Manager.BatchSize = 0 }, "batch_size"},
		{"lease seconds", func(c *Config) { c.Manager.LeaseSeconds = 0 }, "lease_seconds"},
		{"retry limit", func(c *Config) { c.Manager.RetryLimit = &neg }, "retry_limit"},
		{"burn action", func(c *Config) { c.Manager.BurnAction = "drop" }, "burn_action"},
		{"fail fast action", func(c *Config) { c.Manager.FailFastAction = "ack" }, "fail_fast_action"},
		{"backoff base", func(c *Config) { c.Manager.Backoff.Base = 0.5 }, "backoff.base"},
		{"backoff factor", func(c *Config) { c.Manager.Backoff.Factor = 0 }, "backoff.factor"},
		{"backoff max", func(c *Config) { c.Manager.Backoff.MaxValue = -time.Second }, "backoff.max_value"},
		{"deadletter dsn", func(c *Config) { c.Deadletter.Enabled = true; c.Deadletter.DSN = "" }, "deadletter: dsn"},
		{"webhook url", func(c *Config) { c.Webhook.URL = "" }, "webhook: url is required"},
		{"webhook scheme", func(c *Config) { c.Webhook.URL = "ftp://x" }, "absolute http(s)"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log: level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log: format"},
		{"tracing endpoint", func(c *Config) { c.Telemetry.Tracing.Enabled = true }, "tracing.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			cfg.Queue = QueueConfig{Project: "p", Location: "l", Name: "q"}
			cfg.Webhook.URL = "http://localhost/hook"
			if err := cfg.Validate(); err != nil {
				t.Fatalf("baseline config invalid: %v", err)
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

// A base of 1 is a constant poll interval and must survive validation.
func TestValidateBackoffBaseOne(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Queue = QueueConfig{Project: "p", Location: "l", Name: "q"}
	cfg.Webhook.URL = "http://localhost/hook"
	cfg.Manager.Backoff.Base = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want base 1 accepted", err)
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("default config without queue and webhook should be invalid")
	}
	for _, want := range []string{"queue:", "webhook:"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
