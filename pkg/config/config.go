package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // time zones resolve without a system zoneinfo database

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/storage"
)

// EnvPrefix prefixes every environment variable read by LoadConfig
const EnvPrefix = "BANQUET_"

// Notifier kinds
const (
	NotifierLog     = "log"
	NotifierWebhook = "webhook"
	NotifierSMS     = "sms"
)

// Rate limiter backends
const (
	RateLimitLocal = "local"
	RateLimitRedis = "redis"
)

// Config holds all application configuration
type Config struct {
	Storage        storage.Config      `yaml:"storage"`
	Billing        BillingConfig       `yaml:"billing"`
	Automation     SweepConfig         `yaml:"automation"`
	Reminders      ReminderConfig      `yaml:"reminders"`
	Reconciliation SweepConfig         `yaml:"reconciliation"`
	Notifier       NotifierConfig      `yaml:"notifier"`
	Server         ServerConfig        `yaml:"server"`
	Observability  ObservabilityConfig `yaml:"observability"`
}

// BillingConfig holds the money and calendar settings shared by every component
type BillingConfig struct {
	// TaxRateBasisPoints is the single system-wide tax rate (800 = 8.00%)
	TaxRateBasisPoints int `yaml:"tax_rate_bps"`
	// TimeZone decides which calendar day "today" is for sweeps
	TimeZone string `yaml:"time_zone"`
}

// Location resolves TimeZone
func (b BillingConfig) Location() (*time.Location, error) {
	if b.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(b.TimeZone)
}

// SweepConfig controls one periodic batch job
type SweepConfig struct {
	// Schedule is a standard five-field cron spec; empty disables the job in the worker
	Schedule      string        `yaml:"schedule"`
	Workers       int           `yaml:"workers"`
	EntityTimeout time.Duration `yaml:"entity_timeout"`
	Deadline      time.Duration `yaml:"deadline"`
}

// ReminderConfig adds dispatcher settings to the sweep settings
type ReminderConfig struct {
	SweepConfig `yaml:",inline"`
	Cooldown    time.Duration `yaml:"cooldown"`
	// MilestoneWindowDays is how many days ahead a pending milestone is reminded
	MilestoneWindowDays int `yaml:"milestone_window_days"`
	LedgerCacheSize     int `yaml:"ledger_cache_size"`
}

// RateLimitConfig bounds notifications per recipient
type RateLimitConfig struct {
	Backend      string        `yaml:"backend"`
	PerRecipient int           `yaml:"per_recipient"`
	Window       time.Duration `yaml:"window"`
}

// NotifierConfig selects and configures the outbound notifier
type NotifierConfig struct {
	Kind       string        `yaml:"kind"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`

	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`

	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	TwilioFrom       string `yaml:"twilio_from"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds the ops HTTP server settings (metrics and health)
type ServerConfig struct {
	MetricsAddr     string        `yaml:"metrics_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level parses LogLevel
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLevel(o.LogLevel)
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Storage: storage.DefaultConfig(),
		Billing: BillingConfig{
			TaxRateBasisPoints: billing.DefaultTaxRateBasisPoints,
			TimeZone:           "UTC",
		},
		Automation: SweepConfig{
			Schedule:      "*/15 * * * *",
			Workers:       8,
			EntityTimeout: 30 * time.Second,
			Deadline:      10 * time.Minute,
		},
		Reminders: ReminderConfig{
			SweepConfig: SweepConfig{
				Schedule:      "0 9 * * *",
				Workers:       4,
				EntityTimeout: 30 * time.Second,
				Deadline:      15 * time.Minute,
			},
			Cooldown:            24 * time.Hour,
			MilestoneWindowDays: 3,
			LedgerCacheSize:     4096,
		},
		Reconciliation: SweepConfig{
			Schedule:      "30 2 * * *",
			Workers:       4,
			EntityTimeout: 30 * time.Second,
			Deadline:      30 * time.Minute,
		},
		Notifier: NotifierConfig{
			Kind:       NotifierLog,
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			RateLimit: RateLimitConfig{
				Backend:      RateLimitLocal,
				PerRecipient: 5,
				Window:       time.Hour,
			},
		},
		Server: ServerConfig{
			MetricsAddr:     ":9090",
			ShutdownTimeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "banquet",
			OTelServiceVersion: "dev",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds the defaults, overlays the YAML file at path when path is
// not empty, then applies BANQUET_* environment variables and validates.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides cfg with any environment variable that is set
func applyEnv(cfg *Config) {
	s := &cfg.Storage
	s.Driver = getEnv("DB_DRIVER", s.Driver)
	s.URL = getEnv("DB_URL", s.URL)
	if replicas := getEnv("DB_REPLICA_URLS", ""); replicas != "" {
		s.ReplicaURLs = splitList(replicas)
	}
	s.MaxConns = getEnvInt("DB_MAX_CONNS", s.MaxConns)
	s.MinConns = getEnvInt("DB_MIN_CONNS", s.MinConns)
	s.Timeout = getEnvDuration("DB_TIMEOUT", s.Timeout)
	s.AutoMigrate = getEnvBool("DB_AUTO_MIGRATE", s.AutoMigrate)
	s.RedisURL = getEnv("REDIS_URL", s.RedisURL)
	s.RedisPassword = getEnv("REDIS_PASSWORD", s.RedisPassword)
	s.RedisDB = getEnvInt("REDIS_DB", s.RedisDB)
	s.RedisPoolSize = getEnvInt("REDIS_POOL_SIZE", s.RedisPoolSize)

	cfg.Billing.TaxRateBasisPoints = getEnvInt("TAX_RATE_BPS", cfg.Billing.TaxRateBasisPoints)
	cfg.Billing.TimeZone = getEnv("TIMEZONE", cfg.Billing.TimeZone)

	applySweepEnv("AUTOMATION", &cfg.Automation)
	applySweepEnv("REMINDER", &cfg.Reminders.SweepConfig)
	applySweepEnv("RECONCILE", &cfg.Reconciliation)
	cfg.Reminders.Cooldown = getEnvDuration("REMINDER_COOLDOWN", cfg.Reminders.Cooldown)
	cfg.Reminders.MilestoneWindowDays = getEnvInt("REMINDER_MILESTONE_WINDOW_DAYS", cfg.Reminders.MilestoneWindowDays)
	cfg.Reminders.LedgerCacheSize = getEnvInt("REMINDER_LEDGER_CACHE_SIZE", cfg.Reminders.LedgerCacheSize)

	n := &cfg.Notifier
	n.Kind = getEnv("NOTIFIER", n.Kind)
	n.Timeout = getEnvDuration("NOTIFIER_TIMEOUT", n.Timeout)
	n.MaxRetries = getEnvInt("NOTIFIER_MAX_RETRIES", n.MaxRetries)
	n.WebhookURL = getEnv("WEBHOOK_URL", n.WebhookURL)
	n.WebhookSecret = getEnv("WEBHOOK_SECRET", n.WebhookSecret)
	n.TwilioAccountSID = getEnv("TWILIO_ACCOUNT_SID", n.TwilioAccountSID)
	n.TwilioAuthToken = getEnv("TWILIO_AUTH_TOKEN", n.TwilioAuthToken)
	n.TwilioFrom = getEnv("TWILIO_FROM", n.TwilioFrom)
	n.RateLimit.Backend = getEnv("RATE_LIMIT_BACKEND", n.RateLimit.Backend)
	n.RateLimit.PerRecipient = getEnvInt("RATE_LIMIT", n.RateLimit.PerRecipient)
	n.RateLimit.Window = getEnvDuration("RATE_LIMIT_WINDOW", n.RateLimit.Window)

	cfg.Server.MetricsAddr = getEnv("METRICS_ADDR", cfg.Server.MetricsAddr)
	cfg.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	o := &cfg.Observability
	o.LogLevel = getEnv("LOG_LEVEL", o.LogLevel)
	o.OTelEnabled = getEnvBool("OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

func applySweepEnv(name string, sc *SweepConfig) {
	sc.Schedule = getEnv(name+"_SCHEDULE", sc.Schedule)
	sc.Workers = getEnvInt(name+"_WORKERS", sc.Workers)
	sc.EntityTimeout = getEnvDuration(name+"_ENTITY_TIMEOUT", sc.EntityTimeout)
	sc.Deadline = getEnvDuration(name+"_DEADLINE", sc.Deadline)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite3":
		if c.Storage.URL == "" {
			return fmt.Errorf("database URL is required for %s storage", c.Storage.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage driver: %s (must be postgres, sqlite3, or memory)", c.Storage.Driver)
	}

	if c.Billing.TaxRateBasisPoints < 0 || c.Billing.TaxRateBasisPoints > 10000 {
		return fmt.Errorf("tax rate must be between 0 and 10000 basis points, got %d", c.Billing.TaxRateBasisPoints)
	}
	if _, err := c.Billing.Location(); err != nil {
		return fmt.Errorf("invalid time zone %q: %w", c.Billing.TimeZone, err)
	}

	sweeps := []struct {
		name string
		sc   SweepConfig
	}{
		{"automation", c.Automation},
		{"reminders", c.Reminders.SweepConfig},
		{"reconciliation", c.Reconciliation},
	}
	for _, s := range sweeps {
		if err := s.sc.validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if c.Reminders.Cooldown < 0 {
		return errors.New("reminder cooldown must not be negative")
	}
	if c.Reminders.MilestoneWindowDays < 0 {
		return errors.New("milestone reminder window must not be negative")
	}

	if err := c.Notifier.validate(c.Storage); err != nil {
		return err
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func (sc SweepConfig) validate() error {
	if sc.Schedule != "" {
		if _, err := cron.ParseStandard(sc.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", sc.Schedule, err)
		}
	}
	if sc.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", sc.Workers)
	}
	if sc.EntityTimeout < 0 || sc.Deadline < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

func (n NotifierConfig) validate(s storage.Config) error {
	switch n.Kind {
	case NotifierLog:
	case NotifierWebhook:
		if n.WebhookURL == "" {
			return errors.New("webhook URL is required for the webhook notifier")
		}
	case NotifierSMS:
		if n.TwilioAccountSID == "" || n.TwilioAuthToken == "" || n.TwilioFrom == "" {
			return errors.New("twilio account SID, auth token and from number are required for the sms notifier")
		}
	default:
		return fmt.Errorf("invalid notifier: %s (must be log, webhook, or sms)", n.Kind)
	}

	switch n.RateLimit.Backend {
	case RateLimitLocal:
	case RateLimitRedis:
		if s.RedisURL == "" {
			return errors.New("redis URL is required for the redis rate limiter")
		}
	default:
		return fmt.Errorf("invalid rate limit backend: %s (must be local or redis)", n.RateLimit.Backend)
	}
	if n.RateLimit.PerRecipient > 0 && n.RateLimit.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns the prefixed environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
