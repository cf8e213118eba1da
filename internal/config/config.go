package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/relayq/internal/delivery"
	"github.com/busybox42/relayq/internal/logging"
	"github.com/busybox42/relayq/internal/policy"
	"github.com/busybox42/relayq/internal/queue"
)

// MaxConfigFileSize bounds the size of a configuration file.
const MaxConfigFileSize = 1024 * 1024

// Config represents the application configuration
type Config struct {
	// File is the configuration file that was read, if any.
	File string `toml:"-"`

	// Server configuration
	Server struct {
		Hostname  string `toml:"hostname"`
		APIListen string `toml:"api_listen"`
	} `toml:"server"`

	// Queue storage
	Queue struct {
		Type          string `toml:"type"` // "file", "redis", "sql"
		Dir           string `toml:"dir"`
		RedisAddr     string `toml:"redis_addr"`
		RedisPassword string `toml:"redis_password"`
		RedisDB       int    `toml:"redis_db"`
		RedisPrefix   string `toml:"redis_prefix"`
		SQLDriver     string `toml:"sql_driver"`
		SQLDSN        string `toml:"sql_dsn"`
	} `toml:"queue"`

	// Scheduler and attempt workers
	Scheduler struct {
		Workers        int      `toml:"workers"`
		JobBuffer      int      `toml:"job_buffer"`
		AttemptTimeout Duration `toml:"attempt_timeout"`
		IdleWait       Duration `toml:"idle_wait"`
	} `toml:"scheduler"`

	// Outbound SMTP
	Delivery struct {
		Port            int      `toml:"port"`
		ConnectTimeout  Duration `toml:"connect_timeout"`
		CommandTimeout  Duration `toml:"command_timeout"`
		DataTimeout     Duration `toml:"data_timeout"`
		BreakerFailures uint32   `toml:"breaker_failures"`
		BreakerCooldown Duration `toml:"breaker_cooldown"`
		DNSTimeout      Duration `toml:"dns_timeout"`
		DNSRetries      int      `toml:"dns_retries"`
		DNSCacheTTL     Duration `toml:"dns_cache_ttl"`
		DNSCacheSize    int      `toml:"dns_cache_size"`
	} `toml:"delivery"`

	// Logging configuration
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
		File   string `toml:"file"`
	} `toml:"logging"`

	Metrics struct {
		Enabled bool `toml:"enabled"`
	} `toml:"metrics"`

	// Delivery policy: rules are evaluated in order, the default applies
	// when none matches.
	Policy struct {
		Default *ScheduleConfig `toml:"default"`
		Rules   []RuleConfig    `toml:"rule"`
	} `toml:"policy"`
}

// ScheduleConfig is the TOML form of a policy.Schedule.
type ScheduleConfig struct {
	Retry      []Duration `toml:"retry"`
	Notify     []Duration `toml:"notify"`
	Expire     Duration   `toml:"expire"`
	RepeatLast bool       `toml:"repeat_last"`
}

// Schedule converts the configuration into a policy.Schedule.
func (s ScheduleConfig) Schedule() policy.Schedule {
	return policy.Schedule{
		Retry:      durations(s.Retry),
		Notify:     durations(s.Notify),
		Expire:     s.Expire.Std(),
		RepeatLast: s.RepeatLast,
	}
}

// RuleConfig is one [[policy.rule]] table.
type RuleConfig struct {
	If         string     `toml:"if"`
	Retry      []Duration `toml:"retry"`
	Notify     []Duration `toml:"notify"`
	Expire     Duration   `toml:"expire"`
	RepeatLast bool       `toml:"repeat_last"`
}

func (r RuleConfig) spec() policy.RuleSpec {
	return policy.RuleSpec{
		If: r.If,
		Schedule: ScheduleConfig{
			Retry:      r.Retry,
			Notify:     r.Notify,
			Expire:     r.Expire,
			RepeatLast: r.RepeatLast,
		}.Schedule(),
	}
}

func durations(ds []Duration) []time.Duration {
	out := make([]time.Duration, len(ds))
	for i, d := range ds {
		out[i] = d.Std()
	}
	return out
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.APIListen = "127.0.0.1:8025"

	cfg.Queue.Type = "file"
	cfg.Queue.Dir = "/var/spool/relayq"
	cfg.Queue.RedisPrefix = "relayq"

	pool := queue.DefaultWorkerPoolConfig()
	sched := queue.DefaultConfig()
	cfg.Scheduler.Workers = pool.Size
	cfg.Scheduler.JobBuffer = pool.JobBufferSize
	cfg.Scheduler.AttemptTimeout = Duration(pool.AttemptTimeout)
	cfg.Scheduler.IdleWait = Duration(sched.IdleWait)

	d := delivery.DefaultConfig()
	cfg.Delivery.Port = d.Port
	cfg.Delivery.ConnectTimeout = Duration(d.ConnectTimeout)
	cfg.Delivery.CommandTimeout = Duration(d.CommandTimeout)
	cfg.Delivery.DataTimeout = Duration(d.DataTimeout)
	cfg.Delivery.BreakerFailures = d.BreakerFailures
	cfg.Delivery.BreakerCooldown = Duration(d.BreakerCooldown)
	cfg.Delivery.DNSTimeout = Duration(d.DNSTimeout)
	cfg.Delivery.DNSRetries = d.DNSRetries
	cfg.Delivery.DNSCacheTTL = Duration(d.DNSCacheTTL)
	cfg.Delivery.DNSCacheSize = d.DNSCacheSize

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Metrics.Enabled = true

	cfg.Policy.Default = &ScheduleConfig{
		Retry:      []Duration{Duration(5 * time.Minute), Duration(15 * time.Minute), Duration(time.Hour)},
		Notify:     []Duration{Duration(4 * time.Hour)},
		Expire:     Duration(5 * 24 * time.Hour),
		RepeatLast: true,
	}
	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./relayq.toml",
		"./config/relayq.toml",
		os.ExpandEnv("$HOME/.relayq.toml"),
		"/etc/relayq/relayq.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", errNoConfigFile
}

var errNoConfigFile = errors.New("no config file found")

// Load reads the configuration with Read and validates it. Validation
// warnings are logged.
func Load(configPath string) (*Config, error) {
	cfg, err := Read(configPath)
	if err != nil {
		return nil, err
	}

	result := cfg.Validate()
	if !result.Valid {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
	}
	for _, w := range result.Warnings {
		slog.Warn("Configuration warning", "field", w.Field, "message", w.Message)
	}
	return cfg, nil
}

// Read builds the configuration without validating it. Defaults are
// overlaid by the file, then by RELAYQ_* environment variables (a .env file
// next to the configuration or in the working directory is loaded first).
func Read(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	switch {
	case errors.Is(err, errNoConfigFile):
		slog.Debug("No config file found, using defaults")
	case err != nil:
		return nil, err
	default:
		if err := cfg.readFile(configFile); err != nil {
			return nil, err
		}
	}

	cfg.File = configFile
	loadDotEnv(configFile)
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(configFile string) error {
	info, err := os.Stat(configFile)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), MaxConfigFileSize)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Defaults for the policy are replaced, not merged, by the file.
	var probe struct {
		Policy struct {
			Default *ScheduleConfig `toml:"default"`
		} `toml:"policy"`
	}
	if err := toml.Unmarshal(data, &probe); err == nil && probe.Policy.Default != nil {
		c.Policy.Default = nil
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("error parsing TOML configuration: %s", strict.String())
		}
		return fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	// Relative queue directories are relative to the config file.
	if c.Queue.Dir != "" && !filepath.IsAbs(c.Queue.Dir) {
		c.Queue.Dir = filepath.Join(filepath.Dir(configFile), c.Queue.Dir)
	}
	return nil
}

func loadDotEnv(configFile string) {
	var files []string
	if configFile != "" {
		files = append(files, filepath.Join(filepath.Dir(configFile), ".env"))
	}
	files = append(files, ".env")
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		// Variables already set in the environment win.
		if err := godotenv.Load(f); err != nil {
			slog.Warn("Failed to load env file", "file", f, "error", err)
		}
	}
}

// applyEnv overlays RELAYQ_* environment variables.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"RELAYQ_HOSTNAME":       &c.Server.Hostname,
		"RELAYQ_API_LISTEN":     &c.Server.APIListen,
		"RELAYQ_QUEUE_TYPE":     &c.Queue.Type,
		"RELAYQ_QUEUE_DIR":      &c.Queue.Dir,
		"RELAYQ_REDIS_ADDR":     &c.Queue.RedisAddr,
		"RELAYQ_REDIS_PASSWORD": &c.Queue.RedisPassword,
		"RELAYQ_SQL_DRIVER":     &c.Queue.SQLDriver,
		"RELAYQ_SQL_DSN":        &c.Queue.SQLDSN,
		"RELAYQ_LOG_LEVEL":      &c.Logging.Level,
		"RELAYQ_LOG_FORMAT":     &c.Logging.Format,
		"RELAYQ_LOG_FILE":       &c.Logging.File,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"RELAYQ_REDIS_DB":  &c.Queue.RedisDB,
		"RELAYQ_WORKERS":   &c.Scheduler.Workers,
		"RELAYQ_SMTP_PORT": &c.Delivery.Port,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("RELAYQ_METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid value for RELAYQ_METRICS_ENABLED: %w", err)
		}
		c.Metrics.Enabled = b
	}
	return nil
}

// Rules compiles the delivery policy.
func (c *Config) Rules() (*policy.RuleSet, error) {
	specs := make([]policy.RuleSpec, 0, len(c.Policy.Rules))
	for _, r := range c.Policy.Rules {
		specs = append(specs, r.spec())
	}
	var fallback *policy.Schedule
	if c.Policy.Default != nil {
		s := c.Policy.Default.Schedule()
		fallback = &s
	}
	return policy.Compile(specs, fallback)
}

// StoreConfig returns the queue store settings.
func (c *Config) StoreConfig() queue.StoreConfig {
	return queue.StoreConfig{
		Type:          c.Queue.Type,
		Dir:           c.Queue.Dir,
		RedisAddr:     c.Queue.RedisAddr,
		RedisPassword: c.Queue.RedisPassword,
		RedisDB:       c.Queue.RedisDB,
		RedisPrefix:   c.Queue.RedisPrefix,
		SQLDriver:     c.Queue.SQLDriver,
		SQLDSN:        c.Queue.SQLDSN,
	}
}

// SchedulerConfig returns the scheduler settings.
func (c *Config) SchedulerConfig() queue.Config {
	sc := queue.DefaultConfig()
	sc.Workers = queue.WorkerPoolConfig{
		Size:           c.Scheduler.Workers,
		JobBufferSize:  c.Scheduler.JobBuffer,
		AttemptTimeout: c.Scheduler.AttemptTimeout.Std(),
	}
	sc.IdleWait = c.Scheduler.IdleWait.Std()
	return sc
}

// DeliveryConfig returns the dispatcher settings.
func (c *Config) DeliveryConfig() *delivery.Config {
	return &delivery.Config{
		Hostname:        c.Server.Hostname,
		Port:            c.Delivery.Port,
		ConnectTimeout:  c.Delivery.ConnectTimeout.Std(),
		CommandTimeout:  c.Delivery.CommandTimeout.Std(),
		DataTimeout:     c.Delivery.DataTimeout.Std(),
		BreakerFailures: c.Delivery.BreakerFailures,
		BreakerCooldown: c.Delivery.BreakerCooldown.Std(),
		DNSTimeout:      c.Delivery.DNSTimeout.Std(),
		DNSRetries:      c.Delivery.DNSRetries,
		DNSCacheTTL:     c.Delivery.DNSCacheTTL.Std(),
		DNSCacheSize:    c.Delivery.DNSCacheSize,
	}
}

// LoggingOptions returns the logging settings.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		File:   c.Logging.File,
	}
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate checks the whole configuration and collects every problem.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	c.validateServer(result)
	c.validateQueue(result)
	c.validateScheduler(result)
	c.validateDelivery(result)
	c.validateLogging(result)
	c.validatePolicy(result)
	return result
}

func (c *Config) validateServer(result *ValidationResult) {
	if c.Server.Hostname == "" {
		result.AddError("server.hostname", c.Server.Hostname, "hostname is required")
	} else if !isValidHostname(c.Server.Hostname) {
		result.AddError("server.hostname", c.Server.Hostname, "invalid hostname format")
	}
	if c.Server.APIListen != "" && !isValidListenAddress(c.Server.APIListen) {
		result.AddError("server.api_listen", c.Server.APIListen, "invalid listen address format")
	}
}

func (c *Config) validateQueue(result *ValidationResult) {
	switch c.Queue.Type {
	case "file", "":
		if c.Queue.Dir == "" {
			result.AddError("queue.dir", c.Queue.Dir, "queue directory is required for the file store")
		} else if strings.Contains(c.Queue.Dir, "..") {
			result.AddError("queue.dir", c.Queue.Dir, "queue directory must not contain '..'")
		}
	case "redis":
		if c.Queue.RedisAddr == "" {
			result.AddError("queue.redis_addr", c.Queue.RedisAddr, "redis address is required for the redis store")
		}
		if c.Queue.RedisDB < 0 {
			result.AddError("queue.redis_db", c.Queue.RedisDB, "redis database must not be negative")
		}
	case "sql":
		if _, err := queue.DialectFor(c.Queue.SQLDriver); err != nil {
			result.AddError("queue.sql_driver", c.Queue.SQLDriver, err.Error())
		}
		if c.Queue.SQLDSN == "" {
			result.AddError("queue.sql_dsn", c.Queue.SQLDSN, "data source name is required for the sql store")
		}
	default:
		result.AddError("queue.type", c.Queue.Type, "invalid queue type, must be one of: file, redis, sql")
	}
}

func (c *Config) validateScheduler(result *ValidationResult) {
	if c.Scheduler.Workers <= 0 || c.Scheduler.Workers > 1000 {
		result.AddError("scheduler.workers", c.Scheduler.Workers, "workers must be between 1 and 1000")
	}
	if c.Scheduler.JobBuffer < 0 {
		result.AddError("scheduler.job_buffer", c.Scheduler.JobBuffer, "job buffer must not be negative")
	}
	if c.Scheduler.AttemptTimeout < 0 {
		result.AddError("scheduler.attempt_timeout", c.Scheduler.AttemptTimeout, "attempt timeout must not be negative")
	}
	if c.Scheduler.IdleWait < 0 {
		result.AddError("scheduler.idle_wait", c.Scheduler.IdleWait, "idle wait must not be negative")
	}
}

func (c *Config) validateDelivery(result *ValidationResult) {
	if c.Delivery.Port <= 0 || c.Delivery.Port > 65535 {
		result.AddError("delivery.port", c.Delivery.Port, "port must be between 1 and 65535")
	}
	for field, d := range map[string]Duration{
		"delivery.connect_timeout": c.Delivery.ConnectTimeout,
		"delivery.command_timeout": c.Delivery.CommandTimeout,
		"delivery.data_timeout":    c.Delivery.DataTimeout,
	} {
		if d <= 0 {
			result.AddError(field, d, "timeout must be positive")
		}
	}
	if c.Delivery.BreakerFailures == 0 {
		result.AddWarning("delivery.breaker_failures", c.Delivery.BreakerFailures, "hosts will never be marked down")
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	if _, err := logging.StringToLevel(c.Logging.Level); err != nil {
		result.AddError("logging.level", c.Logging.Level, "invalid log level, must be one of: debug, info, warn, error")
	}
	validFormats := []string{"text", "json"}
	if c.Logging.Format != "" && !contains(validFormats, c.Logging.Format) {
		result.AddError("logging.format", c.Logging.Format, fmt.Sprintf("invalid log format, must be one of: %s", strings.Join(validFormats, ", ")))
	}
	if c.Logging.File != "" && strings.Contains(c.Logging.File, "..") {
		result.AddError("logging.file", c.Logging.File, "log file path must not contain '..'")
	}
}

func (c *Config) validatePolicy(result *ValidationResult) {
	if _, err := c.Rules(); err != nil {
		result.AddError("policy", len(c.Policy.Rules), err.Error())
		return
	}
	if c.Policy.Default == nil {
		result.AddWarning("policy.default", nil, "no default rule, messages to unmatched domains will be rejected")
	}
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return true
	}
	return hostnameRegex.MatchString(hostname)
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

func isValidListenAddress(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return false
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return true
	}
	return isValidHostname(host)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
