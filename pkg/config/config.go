// Package config holds process configuration. Static settings load once
// from the environment; runtime-tunable settings live in a Snapshot that
// can be swapped while the process runs, and callers re-read it at the
// start of every operation rather than caching values.
package config

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// Config holds static process configuration.
type Config struct {
	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	LogLevel       string
	OTLPEndpoint   string
	TelemetryOn    bool
}

// Load loads static configuration from environment variables.
func Load() *Config {
	driver := os.Getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "postgres"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://fulfillment@localhost:5432/fulfillment?sslmode=disable"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		DatabaseDriver: driver,
		DatabaseURL:    dbURL,
		RedisAddr:      redisAddr,
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        redisDB,
		LogLevel:       logLevel,
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		TelemetryOn:    os.Getenv("TELEMETRY_ENABLED") == "true",
	}
}

// RateLimitConfig bounds outbound verification messages per recipient.
type RateLimitConfig struct {
	PerMinute    int    `yaml:"per_minute"`
	PerHour      int    `yaml:"per_hour"`
	ExceedAction string `yaml:"exceed_action"` // "cancel" | "delay"
}

// InvoiceConfig controls invoice generation.
type InvoiceConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CompanyName    string `yaml:"company_name"`
	CompanyAddress string `yaml:"company_address"`
	CompanyPhone   string `yaml:"company_phone"`
	CompanyEmail   string `yaml:"company_email"`
	CompanyLogo    string `yaml:"company_logo"`
	TaxID          string `yaml:"tax_id"`
	FooterText     string `yaml:"footer_text"`
	CustomTemplate string `yaml:"custom_template"`
}

// Snapshot holds runtime-tunable settings. A Snapshot is immutable once
// published; mutate by publishing a new one through Manager.Store.
type Snapshot struct {
	OrderAutoCancelHours int             `yaml:"order_auto_cancel_hours"`
	TicketAutoCloseHours int             `yaml:"ticket_auto_close_hours"`
	ScriptBudget         time.Duration   `yaml:"script_budget"`
	Currency             string          `yaml:"currency"`
	AppName              string          `yaml:"app_name"`
	SMSRateLimit         RateLimitConfig `yaml:"sms_rate_limit"`
	Invoice              InvoiceConfig   `yaml:"invoice"`
}

// Defaults used when nothing is configured.
const (
	DefaultAutoCancelHours = 72
	DefaultAutoCloseHours  = 48
	DefaultScriptBudget    = 10 * time.Second
)

// DefaultSnapshot returns the default runtime settings.
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		OrderAutoCancelHours: DefaultAutoCancelHours,
		TicketAutoCloseHours: DefaultAutoCloseHours,
		ScriptBudget:         DefaultScriptBudget,
		Currency:             "USD",
		AppName:              "fulfillment",
		SMSRateLimit:         RateLimitConfig{PerMinute: 1, PerHour: 5, ExceedAction: "cancel"},
	}
}

// Manager publishes the current runtime Snapshot.
type Manager struct {
	current atomic.Pointer[Snapshot]
}

// NewManager creates a manager seeded with the given snapshot
// (DefaultSnapshot when nil).
func NewManager(s *Snapshot) *Manager {
	m := &Manager{}
	if s == nil {
		s = DefaultSnapshot()
	}
	m.current.Store(s)
	return m
}

// Snapshot returns the current runtime settings. The result must not be
// retained beyond one operation.
func (m *Manager) Snapshot() *Snapshot {
	return m.current.Load()
}

// Store publishes new runtime settings.
func (m *Manager) Store(s *Snapshot) {
	m.current.Store(s)
}
