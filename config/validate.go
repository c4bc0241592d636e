package config

import (
	"fmt"
	"strings"

	"brm/native/payout"
)

var (
	MinVotingWindowSecs = uint64(60)
)

// ValidateConfig rejects inconsistent settings before the daemon starts.
func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must be set")
	}
	m := c.Market
	if m.ReviewWindowSecs == 0 || m.ResponseWindowSecs == 0 {
		return fmt.Errorf("market: review and response windows must be positive")
	}
	if m.VotingWindowSecs < MinVotingWindowSecs {
		return fmt.Errorf("market: voting window below %d seconds", MinVotingWindowSecs)
	}
	if m.ProtocolFeeBps > payout.BasisPoints || m.BondBps > payout.BasisPoints {
		return fmt.Errorf("market: bps values must not exceed %d", payout.BasisPoints)
	}
	params, err := c.EscrowParams()
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Treasury) != "" {
		if _, err := c.TreasuryAddress(); err != nil {
			return err
		}
	}
	if _, err := c.Allocations(); err != nil {
		return err
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit: values must not be negative")
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: HMACSecret required when auth is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample ratio must be within [0,1]")
	}
	if c.Webhooks.MaxAttempts < 0 || c.Webhooks.QueueCapacity < 0 {
		return fmt.Errorf("webhooks: values must not be negative")
	}
	for i, ep := range c.Webhooks.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("webhooks: endpoint %d: URL must be set", i)
		}
		if ep.RequestsPerMinute < 0 {
			return fmt.Errorf("webhooks: endpoint %d: rate must not be negative", i)
		}
	}
	return nil
}
