package config

// Market configures the escrow windows, bond sizing and the dispute market.
// Amounts are decimal strings in base units so they survive TOML's int64
// limit.
type Market struct {
	ReviewWindowSecs    uint64 `toml:"ReviewWindowSecs"`
	ResponseWindowSecs  uint64 `toml:"ResponseWindowSecs"`
	VotingWindowSecs    uint64 `toml:"VotingWindowSecs"`
	MinStakeWei         string `toml:"MinStakeWei"`
	ProtocolFeeBps      uint32 `toml:"ProtocolFeeBps"`
	BondBps             uint32 `toml:"BondBps"`
	MinParticipationWei string `toml:"MinParticipationWei"`
}

// Keeper controls the timeout sweep run by the daemon. Zero disables it.
type Keeper struct {
	IntervalSecs uint64 `toml:"IntervalSecs"`
}

// RateLimit bounds JSON-RPC requests per client address.
type RateLimit struct {
	RequestsPerMinute int `toml:"RequestsPerMinute"`
	Burst             int `toml:"Burst"`
}

// Auth gates the RPC endpoint behind HMAC-signed bearer tokens. Tokens carry
// scopes; mutating methods require WriteScope.
type Auth struct {
	Enabled       bool   `toml:"Enabled"`
	HMACSecret    string `toml:"HMACSecret"`
	Issuer        string `toml:"Issuer"`
	Audience      string `toml:"Audience"`
	ClockSkewSecs uint64 `toml:"ClockSkewSecs"`
}

// Logging selects the log environment and optional rotating file output.
type Logging struct {
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

// Telemetry configures OTLP export. An empty endpoint disables it.
type Telemetry struct {
	OTLPEndpoint string  `toml:"OTLPEndpoint"`
	Headers      string  `toml:"Headers"`
	Insecure     bool    `toml:"Insecure"`
	Metrics      bool    `toml:"Metrics"`
	SampleRatio  float64 `toml:"SampleRatio"`
}

// WebhookEndpoint subscribes a URL to engine events. An empty Events list
// receives every event type.
type WebhookEndpoint struct {
	Name              string   `toml:"Name"`
	URL               string   `toml:"URL"`
	Secret            string   `toml:"Secret"`
	Events            []string `toml:"Events"`
	RequestsPerMinute int      `toml:"RequestsPerMinute"`
}

// Webhooks configures event delivery to external subscribers. DeliveryLog is
// an SQLite path; empty keeps no log.
type Webhooks struct {
	DeliveryLog   string            `toml:"DeliveryLog"`
	MaxAttempts   int               `toml:"MaxAttempts"`
	TimeoutSecs   uint64            `toml:"TimeoutSecs"`
	QueueCapacity int               `toml:"QueueCapacity"`
	Endpoints     []WebhookEndpoint `toml:"Endpoints"`
}

// GenesisAlloc credits an account when the data directory is first created.
type GenesisAlloc struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}
