// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	if strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == "change-this-secret" {
		missing = append(missing, "JWT_SECRET")
	}
	if strings.TrimSpace(c.Plan.Path) == "" {
		missing = append(missing, "COMPENSATION_PLAN_PATH")
	}
	if c.RabbitMQ.Enabled && strings.TrimSpace(c.RabbitMQ.URL) == "" {
		missing = append(missing, "RABBITMQ_URL")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if _, err := cron.ParseStandard(c.Payout.Cron); err != nil {
		return fmt.Errorf("invalid PAYOUT_CRON %q: %w", c.Payout.Cron, err)
	}
	switch c.Payout.PeriodLayout {
	case "week", "month":
	default:
		return fmt.Errorf("invalid PAYOUT_PERIOD %q: want week or month", c.Payout.PeriodLayout)
	}

	return nil
}
