package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"brm/crypto"
)

var testTreasury = func() string {
	var addr [20]byte
	addr[0] = 0x42
	addr[len(addr)-1] = 0x24
	return crypto.FormatAddress(addr)
}()

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Market.ReviewWindowSecs != 604800 || cfg.Market.ResponseWindowSecs != 259200 || cfg.Market.VotingWindowSecs != 172800 {
		t.Fatalf("unexpected default windows: %+v", cfg.Market)
	}
	if cfg.Market.ProtocolFeeBps != 250 || cfg.Market.BondBps != 3000 {
		t.Fatalf("unexpected default rates: %+v", cfg.Market)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.RPCAddress != cfg.RPCAddress || reloaded.Market.MinStakeWei != cfg.Market.MinStakeWei {
		t.Fatalf("round trip mismatch: %+v vs %+v", reloaded, cfg)
	}
}

func TestLoadParsesMarketAndGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `RPCAddress = "127.0.0.1:9545"
DataDir = "./data"
Treasury = "` + testTreasury + `"

[Market]
ReviewWindowSecs = 3600
ResponseWindowSecs = 1800
VotingWindowSecs = 600
MinStakeWei = "1000"
ProtocolFeeBps = 100
BondBps = 2000
MinParticipationWei = "123456789012345678901234567890"

[Keeper]
IntervalSecs = 5

[[Webhooks.Endpoints]]
Name = "ops"
URL = "https://hooks.example.com/brm"
Events = ["escrow.resolved", "dispute.resolved"]

[[Genesis]]
Address = "` + testTreasury + `"
Amount = "5000000000000000000"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "127.0.0.1:9545" || cfg.Keeper.IntervalSecs != 5 {
		t.Fatalf("unexpected top level values: %+v", cfg)
	}
	// Unset sections keep their defaults.
	if cfg.RateLimit.RequestsPerMinute != 600 {
		t.Fatalf("rate limit default lost: %+v", cfg.RateLimit)
	}
	if len(cfg.Webhooks.Endpoints) != 1 || len(cfg.Webhooks.Endpoints[0].Events) != 2 || cfg.Webhooks.MaxAttempts != 5 {
		t.Fatalf("unexpected webhooks: %+v", cfg.Webhooks)
	}

	params, err := cfg.EscrowParams()
	if err != nil {
		t.Fatalf("escrow params: %v", err)
	}
	if params.ReviewWindow != 3600 || params.ResponseWindow != 1800 || params.Market.VotingWindow != 600 {
		t.Fatalf("unexpected windows: %+v", params)
	}
	if params.BondBps != 2000 || params.Market.ProtocolFeeBps != 100 || params.Market.MinStake.Int64() != 1000 {
		t.Fatalf("unexpected market params: %+v", params)
	}
	if params.Market.MinParticipation.String() != "123456789012345678901234567890" {
		t.Fatalf("participation threshold truncated: %s", params.Market.MinParticipation)
	}

	treasury, err := cfg.TreasuryAddress()
	if err != nil {
		t.Fatalf("treasury: %v", err)
	}
	if treasury[0] != 0x42 || treasury[19] != 0x24 {
		t.Fatalf("unexpected treasury bytes: %x", treasury)
	}
	allocs, err := cfg.Allocations()
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if len(allocs) != 1 || allocs[0].Amount.String() != "5000000000000000000" || allocs[0].Address != treasury {
		t.Fatalf("unexpected allocations: %+v", allocs)
	}
}

func TestValidateConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty data dir", func(c *Config) { c.DataDir = " " }, "DataDir"},
		{"zero review window", func(c *Config) { c.Market.ReviewWindowSecs = 0 }, "windows"},
		{"short vote", func(c *Config) { c.Market.VotingWindowSecs = 1 }, "voting window"},
		{"fee too high", func(c *Config) { c.Market.ProtocolFeeBps = 10_001 }, "bps"},
		{"bad stake", func(c *Config) { c.Market.MinStakeWei = "ten" }, "Market.MinStakeWei"},
		{"zero stake", func(c *Config) { c.Market.MinStakeWei = "0" }, "minimum stake"},
		{"negative participation", func(c *Config) { c.Market.MinParticipationWei = "-1" }, "Market.MinParticipationWei"},
		{"bad treasury", func(c *Config) { c.Treasury = "cosmos1xyz" }, "Treasury"},
		{"bad genesis", func(c *Config) {
			c.Genesis = []GenesisAlloc{{Address: testTreasury, Amount: "0"}}
		}, "Genesis[0].Amount"},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, "HMACSecret"},
		{"webhook without url", func(c *Config) { c.Webhooks.Endpoints = []WebhookEndpoint{{Name: "ops"}} }, "URL"},
		{"negative webhook attempts", func(c *Config) { c.Webhooks.MaxAttempts = -1 }, "webhooks"},
		{"bad sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "sample ratio"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := ValidateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
	if err := ValidateConfig(Default()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestFieldErrorUnwraps(t *testing.T) {
	cfg := Default()
	cfg.Market.MinStakeWei = "abc"
	_, err := cfg.EscrowParams()
	var fieldErr *FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Market.MinStakeWei" {
		t.Fatalf("expected field error, got %v", err)
	}
}
