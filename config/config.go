package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"brm/native/dispute"
	"brm/native/escrow"
	"brm/native/payout"
)

type Config struct {
	RPCAddress     string         `toml:"RPCAddress"`
	MetricsAddress string         `toml:"MetricsAddress"`
	DataDir        string         `toml:"DataDir"`
	Treasury       string         `toml:"Treasury"`
	Market         Market         `toml:"Market"`
	Keeper         Keeper         `toml:"Keeper"`
	RateLimit      RateLimit      `toml:"RateLimit"`
	Auth           Auth           `toml:"Auth"`
	Logging        Logging        `toml:"Logging"`
	Telemetry      Telemetry      `toml:"Telemetry"`
	Webhooks       Webhooks       `toml:"Webhooks"`
	Genesis        []GenesisAlloc `toml:"Genesis"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by the defaults, which are written back to disk.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used for a fresh node.
func Default() *Config {
	defaults := escrow.DefaultParams()
	return &Config{
		RPCAddress:     ":8545",
		MetricsAddress: ":9100",
		DataDir:        "./brm-data",
		Market: Market{
			ReviewWindowSecs:    uint64(defaults.ReviewWindow),
			ResponseWindowSecs:  uint64(defaults.ResponseWindow),
			VotingWindowSecs:    uint64(defaults.Market.VotingWindow),
			MinStakeWei:         defaults.Market.MinStake.String(),
			ProtocolFeeBps:      payout.DefaultProtocolFeeBps,
			BondBps:             payout.DefaultBondBps,
			MinParticipationWei: "0",
		},
		Keeper:    Keeper{IntervalSecs: 30},
		RateLimit: RateLimit{RequestsPerMinute: 600, Burst: 60},
		Auth:      Auth{ClockSkewSecs: 120},
		Logging:   Logging{Env: "dev", MaxSizeMB: 100, MaxBackups: 5},
		Telemetry: Telemetry{SampleRatio: 1},
		Webhooks:  Webhooks{MaxAttempts: 5, TimeoutSecs: 10, QueueCapacity: 1024, Endpoints: []WebhookEndpoint{}},
		Genesis:   []GenesisAlloc{},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// EscrowParams converts the market section into engine parameters.
func (c *Config) EscrowParams() (escrow.Params, error) {
	minStake, err := parseUintAmount(c.Market.MinStakeWei)
	if err != nil {
		return escrow.Params{}, wrapField("Market.MinStakeWei", err)
	}
	participation, err := parseUintAmount(c.Market.MinParticipationWei)
	if err != nil {
		return escrow.Params{}, wrapField("Market.MinParticipationWei", err)
	}
	return escrow.Params{
		ReviewWindow:   int64(c.Market.ReviewWindowSecs),
		ResponseWindow: int64(c.Market.ResponseWindowSecs),
		BondBps:        c.Market.BondBps,
		Market: dispute.Params{
			VotingWindow:     int64(c.Market.VotingWindowSecs),
			MinStake:         minStake,
			ProtocolFeeBps:   c.Market.ProtocolFeeBps,
			MinParticipation: participation,
		},
	}, nil
}

func wrapField(field string, err error) error {
	return &FieldError{Field: field, Err: err}
}

// FieldError names the configuration key that failed to parse.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return "invalid " + e.Field + ": " + e.Err.Error() }

func (e *FieldError) Unwrap() error { return e.Err }
