package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/busybox42/relayq/internal/policy"
)

const sampleConfig = `
[server]
hostname = "relay.example.com"
api_listen = "127.0.0.1:9025"

[queue]
dir = "spool"

[scheduler]
workers = 3
attempt_timeout = "2m"

[logging]
level = "debug"
format = "text"

[policy.default]
retry = ["1s"]
notify = ["1s"]
expire = "7s"
repeat_last = true

[[policy.rule]]
if = "rcpt_domain = 'foobar.org'"
retry = ["1s", "2s"]
notify = ["1s", "2s"]
expire = "6s"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayq.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return path
}

func hasFieldError(result *ValidationResult, field string) bool {
	for _, err := range result.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Hostname != "localhost" {
		t.Errorf("Expected hostname 'localhost', got '%s'", cfg.Server.Hostname)
	}
	if cfg.Queue.Type != "file" {
		t.Errorf("Expected queue type 'file', got '%s'", cfg.Queue.Type)
	}
	if cfg.Scheduler.Workers != 5 {
		t.Errorf("Expected 5 workers, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Delivery.Port != 25 {
		t.Errorf("Expected delivery port 25, got %d", cfg.Delivery.Port)
	}

	result := cfg.Validate()
	if !result.Valid {
		t.Errorf("Expected valid default config, got errors: %v", result.Errors)
	}

	rules, err := cfg.Rules()
	if err != nil {
		t.Fatalf("Default rules failed to compile: %v", err)
	}
	s, err := rules.Resolve(policy.Attributes{RcptDomain: "example.com"})
	if err != nil {
		t.Fatalf("Default rule did not match: %v", err)
	}
	if !s.RepeatLast || s.Expire != 5*24*time.Hour {
		t.Errorf("Unexpected default schedule: %+v", s)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(*Config)
	}{
		{"server.hostname", func(c *Config) { c.Server.Hostname = "" }},
		{"server.hostname", func(c *Config) { c.Server.Hostname = "bad host!" }},
		{"server.api_listen", func(c *Config) { c.Server.APIListen = "nowhere" }},
		{"queue.type", func(c *Config) { c.Queue.Type = "tape" }},
		{"queue.dir", func(c *Config) { c.Queue.Dir = "/var/../etc" }},
		{"queue.redis_addr", func(c *Config) { c.Queue.Type = "redis" }},
		{"queue.sql_driver", func(c *Config) { c.Queue.Type = "sql"; c.Queue.SQLDriver = "oracle" }},
		{"queue.sql_dsn", func(c *Config) { c.Queue.Type = "sql"; c.Queue.SQLDriver = "postgres" }},
		{"scheduler.workers", func(c *Config) { c.Scheduler.Workers = 0 }},
		{"delivery.port", func(c *Config) { c.Delivery.Port = 70000 }},
		{"delivery.data_timeout", func(c *Config) { c.Delivery.DataTimeout = 0 }},
		{"logging.level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"logging.format", func(c *Config) { c.Logging.Format = "xml" }},
		{"policy", func(c *Config) { c.Policy.Rules = []RuleConfig{{If: "rcpt_domain ~ 'x'"}} }},
		{"policy", func(c *Config) { c.Policy.Default.Retry = nil }},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		result := cfg.Validate()
		if result.Valid {
			t.Errorf("Expected invalid config for %s", tt.field)
			continue
		}
		if !hasFieldError(result, tt.field) {
			t.Errorf("Expected error for %s field, got: %v", tt.field, result.Errors)
		}
	}
}

func TestConfigValidate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Hostname = ""
	cfg.Scheduler.Workers = -1
	cfg.Logging.Format = "xml"

	result := cfg.Validate()
	if len(result.Errors) != 3 {
		t.Errorf("Expected 3 errors, got %d: %v", len(result.Errors), result.Errors)
	}
}

func TestConfigValidate_NoDefaultRuleWarns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.Default = nil

	result := cfg.Validate()
	if !result.Valid {
		t.Errorf("Expected valid config, got errors: %v", result.Errors)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Field != "policy.default" {
		t.Errorf("Expected policy.default warning, got: %v", result.Warnings)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Hostname != "relay.example.com" {
		t.Errorf("Expected hostname 'relay.example.com', got '%s'", cfg.Server.Hostname)
	}
	if want := filepath.Join(filepath.Dir(path), "spool"); cfg.Queue.Dir != want {
		t.Errorf("Expected queue dir %s, got %s", want, cfg.Queue.Dir)
	}
	if cfg.Scheduler.AttemptTimeout.Std() != 2*time.Minute {
		t.Errorf("Expected attempt timeout 2m, got %s", cfg.Scheduler.AttemptTimeout)
	}
	if sc := cfg.SchedulerConfig(); sc.Workers.Size != 3 {
		t.Errorf("Expected 3 workers, got %d", sc.Workers.Size)
	}
	if cfg.DeliveryConfig().Hostname != "relay.example.com" {
		t.Errorf("Expected delivery hostname to follow server hostname")
	}
	if cfg.LoggingOptions().Format != "text" {
		t.Errorf("Expected text logging, got %s", cfg.LoggingOptions().Format)
	}

	rules, err := cfg.Rules()
	if err != nil {
		t.Fatalf("Rules failed: %v", err)
	}
	s, err := rules.Resolve(policy.Attributes{RcptDomain: "foobar.org"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if s.Expire != 6*time.Second || len(s.Retry) != 2 || s.RepeatLast {
		t.Errorf("Unexpected foobar.org schedule: %+v", s)
	}

	s, err = rules.Resolve(policy.Attributes{RcptDomain: "foobar.net"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if s.Expire != 7*time.Second || !s.RepeatLast || len(s.Notify) != 1 {
		t.Errorf("Unexpected default schedule: %+v", s)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("RELAYQ_HOSTNAME", "mx.example.net")
	t.Setenv("RELAYQ_WORKERS", "9")
	t.Setenv("RELAYQ_METRICS_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Hostname != "mx.example.net" {
		t.Errorf("Expected hostname from environment, got '%s'", cfg.Server.Hostname)
	}
	if cfg.Scheduler.Workers != 9 {
		t.Errorf("Expected 9 workers from environment, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled from environment")
	}
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("RELAYQ_WORKERS", "many")

	if _, err := Load(path); err == nil {
		t.Error("Expected error for non-numeric RELAYQ_WORKERS")
	}
}

func TestLoad_DotEnv(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envFile, []byte("RELAYQ_SMTP_PORT=2526\n"), 0600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("RELAYQ_SMTP_PORT") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Delivery.Port != 2526 {
		t.Errorf("Expected port from .env, got %d", cfg.Delivery.Port)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeConfig(t, sampleConfig+"\n[server.extra]\nfoo = 1\n")

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "error parsing TOML") {
		t.Errorf("Expected parse error for unknown field, got: %v", err)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "invalid toml content [")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for invalid TOML content")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "[scheduler]\nidle_wait = \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for invalid duration")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, "[queue]\ntype = \"tape\"\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "queue.type") {
		t.Errorf("Expected validation error for queue.type, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/relayq.toml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	path := writeConfig(t, "# "+strings.Repeat("x", MaxConfigFileSize)+"\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected size error, got: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"90s", 90 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"5d", 5 * 24 * time.Hour, false},
		{" 1h ", time.Hour, false},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestRead_SkipsValidation(t *testing.T) {
	path := writeConfig(t, "[queue]\ntype = \"tape\"\n")

	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if cfg.File != path {
		t.Errorf("Expected File %s, got %s", path, cfg.File)
	}
	if result := cfg.Validate(); result.Valid || !hasFieldError(result, "queue.type") {
		t.Errorf("Expected queue.type error, got: %v", result.Errors)
	}
}
