package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// profileFile is the on-disk YAML shape for runtime settings. Durations
// are expressed in whole seconds to keep the file format simple.
type profileFile struct {
	OrderAutoCancelHours int             `yaml:"order_auto_cancel_hours"`
	TicketAutoCloseHours int             `yaml:"ticket_auto_close_hours"`
	ScriptBudgetSeconds  int             `yaml:"script_budget_seconds"`
	Currency             string          `yaml:"currency"`
	AppName              string          `yaml:"app_name"`
	SMSRateLimit         RateLimitConfig `yaml:"sms_rate_limit"`
	Invoice              InvoiceConfig   `yaml:"invoice"`
}

// LoadProfile reads runtime settings from a YAML file, filling gaps with
// defaults. It is called at startup and again on operator-driven reloads.
func LoadProfile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}

	s := DefaultSnapshot()
	if pf.OrderAutoCancelHours > 0 {
		s.OrderAutoCancelHours = pf.OrderAutoCancelHours
	}
	if pf.TicketAutoCloseHours != 0 {
		s.TicketAutoCloseHours = pf.TicketAutoCloseHours
	}
	if pf.ScriptBudgetSeconds > 0 {
		s.ScriptBudget = time.Duration(pf.ScriptBudgetSeconds) * time.Second
	}
	if pf.Currency != "" {
		s.Currency = pf.Currency
	}
	if pf.AppName != "" {
		s.AppName = pf.AppName
	}
	if pf.SMSRateLimit.PerMinute > 0 || pf.SMSRateLimit.PerHour > 0 {
		s.SMSRateLimit = pf.SMSRateLimit
	}
	s.Invoice = pf.Invoice
	return s, nil
}
