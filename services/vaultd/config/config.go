package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cruize/crypto"
	"cruize/observability/logging"
	telemetry "cruize/observability/otel"
	"cruize/services/vaultd/middleware"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Market kinds.
const (
	MarketSim  = "sim"
	MarketAave = "aave"
)

// Oracle source types.
const (
	SourceChainlink = "chainlink"
	SourceStatic    = "static"
)

// Journal drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// secretPrefix marks a value that must be read from the named environment
// variable instead of the file.
const secretPrefix = "env:"

// Config captures runtime configuration for vaultd.
type Config struct {
	ListenAddress string                          `yaml:"listen"`
	Environment   string                          `yaml:"environment"`
	LogLevel      string                          `yaml:"log_level"`
	LogFile       *logging.FileSink               `yaml:"log_file"`
	DataDir       string                          `yaml:"data_dir"`
	ManifestPath  string                          `yaml:"manifest"`
	Vault         VaultConfig                     `yaml:"vault"`
	Market        MarketConfig                    `yaml:"market"`
	Oracle        OracleConfig                    `yaml:"oracle"`
	Journal       JournalConfig                   `yaml:"journal"`
	Fees          FeeConfig                       `yaml:"fees"`
	Auth          middleware.AuthConfig           `yaml:"auth"`
	RateLimits    map[string]middleware.RateLimit `yaml:"rate_limits"`
	Telemetry     telemetry.Config                `yaml:"telemetry"`
}

// VaultConfig carries the one-time activation parameters.
type VaultConfig struct {
	Address      string `yaml:"address"`
	Owner        string `yaml:"owner"`
	FeeCollector string `yaml:"fee_collector"`
	BufferBps    uint64 `yaml:"buffer_bps"`
	// MaxPriceAge bounds how old an oracle answer may be when a withdrawal
	// is checked against the reserve's floor.
	MaxPriceAge Duration `yaml:"max_price_age"`
}

// MarketConfig selects and wires the lending market.
type MarketConfig struct {
	Kind           string   `yaml:"kind"`
	StableAsset    string   `yaml:"stable_asset"`
	StableDecimals uint8    `yaml:"stable_decimals"`
	BorrowBps      uint64   `yaml:"borrow_bps"`
	RPCURL         string   `yaml:"rpc_url"`
	Version        int      `yaml:"version"`
	Pool           string   `yaml:"pool"`
	Gateway        string   `yaml:"gateway"`
	WETH           string   `yaml:"weth"`
	ReferralCode   uint16   `yaml:"referral_code"`
	Keystore       string   `yaml:"keystore"`
	PassphraseEnv  string   `yaml:"passphrase_env"`
	PollInterval   Duration `yaml:"poll_interval"`
}

// OracleConfig tunes the aggregation loop.
type OracleConfig struct {
	Database string   `yaml:"database"`
	RPCURL   string   `yaml:"rpc_url"`
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max_age"`
	MinFeeds int      `yaml:"min_feeds"`
	Feeds    []Feed   `yaml:"feeds"`
}

// Feed is a price feed the vault reads by address, answered by the median of
// its sources.
type Feed struct {
	Address  string   `yaml:"address"`
	Decimals uint8    `yaml:"decimals"`
	Sources  []Source `yaml:"sources"`
}

// Source describes an upstream oracle for a feed.
type Source struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Aggregator is the Chainlink proxy contract.
	Aggregator string `yaml:"aggregator"`
	// Price is the fixed answer of a static source, in whole quote units.
	Price string `yaml:"price"`
}

// JournalConfig selects the event journal database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// FeeConfig drives the management fee scheduler.
type FeeConfig struct {
	ManagementBps uint64   `yaml:"management_bps"`
	Interval      Duration `yaml:"interval"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := resolveSecrets(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/vaultd"
	}
	if cfg.Vault.MaxPriceAge.Duration == 0 {
		cfg.Vault.MaxPriceAge.Duration = time.Hour
	}
	cfg.Market.Kind = strings.ToLower(strings.TrimSpace(cfg.Market.Kind))
	if cfg.Market.Kind == "" {
		cfg.Market.Kind = MarketSim
	}
	if cfg.Market.BorrowBps == 0 {
		cfg.Market.BorrowBps = 5_000
	}
	if cfg.Market.StableDecimals == 0 {
		cfg.Market.StableDecimals = 6
	}
	if cfg.Market.Version == 0 {
		cfg.Market.Version = 3
	}
	if cfg.Market.PollInterval.Duration == 0 {
		cfg.Market.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Oracle.Database == "" {
		cfg.Oracle.Database = cfg.DataDir + "/oracle.sqlite"
	}
	if cfg.Oracle.RPCURL == "" {
		cfg.Oracle.RPCURL = cfg.Market.RPCURL
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	for i := range cfg.Oracle.Feeds {
		if cfg.Oracle.Feeds[i].Decimals == 0 {
			cfg.Oracle.Feeds[i].Decimals = 8
		}
		for j := range cfg.Oracle.Feeds[i].Sources {
			src := &cfg.Oracle.Feeds[i].Sources[j]
			src.Type = strings.ToLower(strings.TrimSpace(src.Type))
			if src.Name == "" {
				src.Name = src.Type
			}
		}
	}
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = DriverSQLite
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == DriverSQLite {
		cfg.Journal.DSN = cfg.DataDir + "/journal.sqlite"
	}
	if cfg.Fees.Interval.Duration == 0 {
		cfg.Fees.Interval.Duration = 24 * time.Hour
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]middleware.RateLimit{
			"read":  {RequestsPerMinute: 600, Burst: 60},
			"write": {RequestsPerMinute: 120, Burst: 20},
			"admin": {RequestsPerMinute: 60, Burst: 10},
		}
	}
	cfg.Telemetry.ServiceName = "vaultd"
	cfg.Telemetry.Environment = cfg.Environment
	if len(cfg.Telemetry.Headers) == 0 {
		if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); raw != "" {
			cfg.Telemetry.Headers = telemetry.ParseHeaders(raw)
		}
	}
}

func resolveSecrets(cfg *Config) error {
	var err error
	if cfg.Auth.HMACSecret, err = resolveSecret(cfg.Auth.HMACSecret); err != nil {
		return fmt.Errorf("auth.hmac_secret: %w", err)
	}
	if cfg.Journal.DSN, err = resolveSecret(cfg.Journal.DSN); err != nil {
		return fmt.Errorf("journal.dsn: %w", err)
	}
	if cfg.Market.RPCURL, err = resolveSecret(cfg.Market.RPCURL); err != nil {
		return fmt.Errorf("market.rpc_url: %w", err)
	}
	if cfg.Oracle.RPCURL, err = resolveSecret(cfg.Oracle.RPCURL); err != nil {
		return fmt.Errorf("oracle.rpc_url: %w", err)
	}
	return nil
}

func resolveSecret(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, secretPrefix) {
		return trimmed, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(trimmed, secretPrefix))
	if name == "" {
		return "", fmt.Errorf("empty environment variable name")
	}
	resolved, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(resolved) == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return strings.TrimSpace(resolved), nil
}

func validate(cfg Config) error {
	if _, err := crypto.ParseAddress(cfg.Vault.Address); err != nil {
		return fmt.Errorf("vault.address: %w", err)
	}
	if _, err := crypto.ParseAddress(cfg.Vault.Owner); err != nil {
		return fmt.Errorf("vault.owner: %w", err)
	}
	if cfg.Vault.FeeCollector != "" {
		if _, err := crypto.ParseAddress(cfg.Vault.FeeCollector); err != nil {
			return fmt.Errorf("vault.fee_collector: %w", err)
		}
	}
	if cfg.Vault.BufferBps > 10_000 {
		return fmt.Errorf("vault.buffer_bps must not exceed 10000")
	}
	if cfg.Market.BorrowBps > 10_000 {
		return fmt.Errorf("market.borrow_bps must not exceed 10000")
	}
	if cfg.Market.StableAsset != "" {
		if _, err := crypto.ParseAddress(cfg.Market.StableAsset); err != nil {
			return fmt.Errorf("market.stable_asset: %w", err)
		}
	}
	switch cfg.Market.Kind {
	case MarketSim:
	case MarketAave:
		if cfg.Market.RPCURL == "" {
			return fmt.Errorf("market.rpc_url must be configured for the aave market")
		}
		if cfg.Market.Version != 2 && cfg.Market.Version != 3 {
			return fmt.Errorf("market.version must be 2 or 3")
		}
		if _, err := crypto.ParseAddress(cfg.Market.Pool); err != nil {
			return fmt.Errorf("market.pool: %w", err)
		}
		for field, value := range map[string]string{"market.gateway": cfg.Market.Gateway, "market.weth": cfg.Market.WETH} {
			if value == "" {
				continue
			}
			if _, err := crypto.ParseAddress(value); err != nil {
				return fmt.Errorf("%s: %w", field, err)
			}
		}
		if cfg.Market.Keystore == "" {
			return fmt.Errorf("market.keystore must be configured for the aave market")
		}
	default:
		return fmt.Errorf("unknown market kind %q", cfg.Market.Kind)
	}
	if len(cfg.Oracle.Feeds) == 0 {
		return fmt.Errorf("at least one oracle feed must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Oracle.Feeds))
	for i, feed := range cfg.Oracle.Feeds {
		addr, err := crypto.ParseAddress(feed.Address)
		if err != nil {
			return fmt.Errorf("oracle.feeds[%d].address: %w", i, err)
		}
		if _, dup := seen[addr.Hex()]; dup {
			return fmt.Errorf("oracle.feeds[%d]: duplicate feed %s", i, addr.Hex())
		}
		seen[addr.Hex()] = struct{}{}
		if len(feed.Sources) < cfg.Oracle.MinFeeds {
			return fmt.Errorf("oracle.feeds[%d]: %d sources configured, min_feeds is %d", i, len(feed.Sources), cfg.Oracle.MinFeeds)
		}
		for j, src := range feed.Sources {
			if err := validateSource(cfg, src); err != nil {
				return fmt.Errorf("oracle.feeds[%d].sources[%d]: %w", i, j, err)
			}
		}
	}
	switch cfg.Journal.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown journal driver %q", cfg.Journal.Driver)
	}
	if cfg.Journal.DSN == "" {
		return fmt.Errorf("journal.dsn must be configured")
	}
	if cfg.Fees.ManagementBps > 10_000 {
		return fmt.Errorf("fees.management_bps must not exceed 10000")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret must be configured when auth is enabled")
	}
	for name, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s must have positive requests_per_minute and burst", name)
		}
	}
	return nil
}

func validateSource(cfg Config, src Source) error {
	switch src.Type {
	case SourceChainlink:
		if cfg.Oracle.RPCURL == "" {
			return fmt.Errorf("chainlink source requires oracle.rpc_url")
		}
		if _, err := crypto.ParseAddress(src.Aggregator); err != nil {
			return fmt.Errorf("aggregator: %w", err)
		}
	case SourceStatic:
		price, ok := new(big.Int).SetString(strings.TrimSpace(src.Price), 10)
		if !ok || price.Sign() <= 0 {
			return fmt.Errorf("static source requires a positive integer price")
		}
	default:
		return fmt.Errorf("unknown source type %q", src.Type)
	}
	return nil
}
