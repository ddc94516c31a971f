// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"regexp"
	"strings"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == "change-this-secret" {
		missing = append(missing, "JWT_SECRET")
	}
	if !addressPattern.MatchString(c.Ledger.ContractAddress) {
		missing = append(missing, "LEDGER_CONTRACT_ADDRESS")
	}
	if strings.TrimSpace(c.Ledger.EventKind) == "" {
		missing = append(missing, "LEDGER_EVENT_KIND")
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Ledger.MaxHops <= 0 {
		return fmt.Errorf("LEDGER_MAX_HOPS must be positive, got %d", c.Ledger.MaxHops)
	}
	if c.Engine.SubmitRetries < 0 {
		return fmt.Errorf("ENGINE_SUBMIT_RETRIES must not be negative, got %d", c.Engine.SubmitRetries)
	}

	return nil
}
