package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
data_dir: /tmp/vaultd
vault:
  address: "0x00000000000000000000000000000000000000aa"
  owner: "0x00000000000000000000000000000000000000bb"
  buffer_bps: 1000
oracle:
  feeds:
    - address: "0x00000000000000000000000000000000000000f1"
      sources:
        - type: static
          price: "30000"
auth:
  enabled: true
  hmac_secret: "env:VAULTD_TEST_SECRET"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("VAULTD_TEST_SECRET", "s3cret")
	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)

	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, MarketSim, cfg.Market.Kind)
	require.Equal(t, uint64(5_000), cfg.Market.BorrowBps)
	require.Equal(t, 30*time.Second, cfg.Oracle.Interval.Duration)
	require.Equal(t, time.Hour, cfg.Vault.MaxPriceAge.Duration)
	require.Equal(t, DriverSQLite, cfg.Journal.Driver)
	require.Equal(t, "/tmp/vaultd/journal.sqlite", cfg.Journal.DSN)
	require.Equal(t, "/tmp/vaultd/oracle.sqlite", cfg.Oracle.Database)
	require.Equal(t, uint8(8), cfg.Oracle.Feeds[0].Decimals)
	require.Equal(t, SourceStatic, cfg.Oracle.Feeds[0].Sources[0].Name)
	require.Equal(t, "s3cret", cfg.Auth.HMACSecret)
	require.Equal(t, "vaultd", cfg.Telemetry.ServiceName)
	require.Contains(t, cfg.RateLimits, "admin")
}

func TestLoadMissingSecret(t *testing.T) {
	_, err := Load(writeConfig(t, baseYAML))
	require.ErrorContains(t, err, "VAULTD_TEST_SECRET")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Setenv("VAULTD_TEST_SECRET", "s3cret")
	_, err := Load(writeConfig(t, baseYAML+"bogus: true\n"))
	require.ErrorContains(t, err, "decode config")
}

func TestDurationRejectsNonScalar(t *testing.T) {
	t.Setenv("VAULTD_TEST_SECRET", "s3cret")
	_, err := Load(writeConfig(t, baseYAML+"fees:\n  interval: [1, 2]\n"))
	require.ErrorContains(t, err, "duration must be string")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Config{
			Vault: VaultConfig{
				Address: "0x00000000000000000000000000000000000000aa",
				Owner:   "0x00000000000000000000000000000000000000bb",
			},
			Oracle: OracleConfig{Feeds: []Feed{{
				Address: "0x00000000000000000000000000000000000000f1",
				Sources: []Source{{Type: SourceStatic, Price: "1"}},
			}}},
		}
		applyDefaults(&cfg)
		return cfg
	}
	require.NoError(t, validate(valid()))

	cases := map[string]func(*Config){
		"vault.address":    func(c *Config) { c.Vault.Address = "nope" },
		"buffer_bps":       func(c *Config) { c.Vault.BufferBps = 10_001 },
		"unknown market":   func(c *Config) { c.Market.Kind = "compound" },
		"market.rpc_url":   func(c *Config) { c.Market.Kind = MarketAave },
		"at least one":     func(c *Config) { c.Oracle.Feeds = nil },
		"positive integer": func(c *Config) { c.Oracle.Feeds[0].Sources[0].Price = "-5" },
		"oracle.rpc_url":   func(c *Config) { c.Oracle.Feeds[0].Sources[0] = Source{Type: SourceChainlink} },
		"journal driver":   func(c *Config) { c.Journal.Driver = "mysql" },
		"hmac_secret":      func(c *Config) { c.Auth.Enabled = true },
		"duplicate feed": func(c *Config) {
			c.Oracle.Feeds = append(c.Oracle.Feeds, c.Oracle.Feeds[0])
		},
		"min_feeds": func(c *Config) { c.Oracle.MinFeeds = 2 },
	}
	for want, mutate := range cases {
		cfg := valid()
		mutate(&cfg)
		err := validate(cfg)
		require.Error(t, err, want)
		require.Contains(t, err.Error(), want)
	}
}

func TestValidateAaveMarket(t *testing.T) {
	cfg := Config{
		Vault: VaultConfig{
			Address: "0x00000000000000000000000000000000000000aa",
			Owner:   "0x00000000000000000000000000000000000000bb",
		},
		Market: MarketConfig{
			Kind:     MarketAave,
			RPCURL:   "http://localhost:8545",
			Pool:     "0x00000000000000000000000000000000000000cc",
			Keystore: "/keys/vault.json",
		},
		Oracle: OracleConfig{Feeds: []Feed{{
			Address: "0x00000000000000000000000000000000000000f1",
			Sources: []Source{{Type: SourceChainlink, Aggregator: "0x00000000000000000000000000000000000000dd"}},
		}}},
	}
	applyDefaults(&cfg)
	require.Equal(t, "http://localhost:8545", cfg.Oracle.RPCURL)
	require.NoError(t, validate(cfg))

	cfg.Market.Version = 1
	require.ErrorContains(t, validate(cfg), "market.version")
}

const manifestTOML = `
[[reserve]]
name = "Cruize WBTC"
symbol = "crWBTC"
asset = "0x0000000000000000000000000000000000000b7c"
oracle = "0x00000000000000000000000000000000000000f1"
decimals = 8
price_floor = "20_000"

  [reserve.lending]
  ltv_bps = 7000
  liquidation_threshold_bps = 7500
  supply_cap = "1000000000"

[[market]]
asset = "0x0000000000000000000000000000000000000dc0"
oracle = "0x00000000000000000000000000000000000000f2"
decimals = 6
seed = "1000000000000"

  [market.lending]
  ltv_bps = 8000
  liquidation_threshold_bps = 8500
  borrowing_enabled = true
  base_rate = 0.01
  slope1 = 0.1
  slope2 = 1.0
  kink = 0.9
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(manifestTOML))
	require.NoError(t, err)
	require.Len(t, m.Reserves, 1)
	require.Len(t, m.Markets, 1)

	params, err := m.Reserves[0].Params()
	require.NoError(t, err)
	require.Equal(t, "crWBTC", params.Symbol)
	require.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000b7c"), params.Asset)
	require.Equal(t, 0, params.PriceFloor.Cmp(big.NewInt(20_000)))

	listing, err := m.Reserves[0].Listing()
	require.NoError(t, err)
	require.Equal(t, uint64(7000), listing.LTVBps)
	require.False(t, listing.BorrowingEnabled)
	require.Nil(t, listing.Model)
	require.Equal(t, 0, listing.SupplyCap.Cmp(big.NewInt(1_000_000_000)))

	stable, err := m.Markets[0].Listing()
	require.NoError(t, err)
	require.True(t, stable.BorrowingEnabled)
	require.NotNil(t, stable.Model)
	require.Equal(t, 0, m.Markets[0].SeedAmount().Cmp(big.NewInt(1_000_000_000_000)))
}

func TestParseManifestRejects(t *testing.T) {
	cases := map[string]string{
		"unknown fields": "[[reserve]]\nasset = \"0x0000000000000000000000000000000000000001\"\noracle = \"0x0000000000000000000000000000000000000002\"\ncolour = \"red\"\n",
		"asset":          "[[reserve]]\nasset = \"xyz\"\n",
		"duplicate asset": "[[reserve]]\nasset = \"0x0000000000000000000000000000000000000001\"\noracle = \"0x0000000000000000000000000000000000000002\"\n" +
			"[[reserve]]\nasset = \"0x0000000000000000000000000000000000000001\"\noracle = \"0x0000000000000000000000000000000000000002\"\n",
		"price_floor": "[[reserve]]\nasset = \"0x0000000000000000000000000000000000000001\"\noracle = \"0x0000000000000000000000000000000000000002\"\nprice_floor = \"abc\"\n",
		"liquidation_threshold": "[[market]]\nasset = \"0x0000000000000000000000000000000000000001\"\noracle = \"0x0000000000000000000000000000000000000002\"\n" +
			"[market.lending]\nltv_bps = 9000\nliquidation_threshold_bps = 8000\n",
	}
	for want, body := range cases {
		_, err := ParseManifest([]byte(body))
		require.Error(t, err, want)
		require.Contains(t, err.Error(), want)
	}
}
