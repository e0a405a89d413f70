package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var strategies = map[string]struct{}{
	"least_busy":     {},
	"round_robin":    {},
	"priority_based": {},
	"skill_based":    {},
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Inbound.MaxAttachments < 0 {
		add("inbound.max_attachments must not be negative")
	}
	if c.Inbound.MaxAttachmentBytes <= 0 {
		add("inbound.max_attachment_bytes must be positive")
	}
	if c.Inbound.FetchLimit <= 0 {
		add("inbound.fetch_limit must be positive")
	}
	if c.Inbound.ConnectTimeout <= 0 {
		add("inbound.connect_timeout must be positive")
	}
	if c.Inbound.MaxRetries < 1 {
		add("inbound.max_retries must be at least 1")
	}
	if c.Threading.SimilarityThreshold <= 0 || c.Threading.SimilarityThreshold > 1 {
		add("threading.similarity_threshold must be in (0,1], got %v", c.Threading.SimilarityThreshold)
	}
	if c.Threading.TicketDigits <= 0 {
		add("threading.ticket_digits must be positive")
	}
	if strings.TrimSpace(c.Threading.TicketPrefix) == "" {
		add("threading.ticket_prefix must not be empty")
	}
	if _, ok := strategies[c.Assignment.DefaultStrategy]; !ok {
		add("assignment.default_strategy %q is unknown", c.Assignment.DefaultStrategy)
	}
	if c.Assignment.Capacity <= 0 {
		add("assignment.capacity must be positive")
	}
	for key, spec := range map[string]string{
		"schedule.poll":      c.Schedule.Poll,
		"schedule.process":   c.Schedule.Process,
		"schedule.rebalance": c.Schedule.Rebalance,
	} {
		if spec == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			add("%s: %v", key, err)
		}
	}
	switch c.Accounts.Source {
	case "sql", "file":
	default:
		add("accounts.source must be sql or file, got %q", c.Accounts.Source)
	}
	if c.Accounts.Source == "file" && c.Accounts.File == "" {
		add("accounts.file is required when accounts.source is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
