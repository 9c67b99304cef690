package config

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"cruize/crypto"
	"cruize/native/lending"
	"cruize/native/vault"
)

// Manifest lists the reserves a deployment supports.
type Manifest struct {
	Reserves []ManifestReserve `toml:"reserve"`
	// Markets lists assets that only exist in the simulated market, such as
	// the stable asset the vault borrows.
	Markets []ManifestMarket `toml:"market"`
}

// ManifestMarket is one [[market]] table.
type ManifestMarket struct {
	Asset    string `toml:"asset"`
	Oracle   string `toml:"oracle"`
	Decimals uint8  `toml:"decimals"`
	// Seed is supplied by a liquidity account at boot so the asset can be
	// borrowed.
	Seed    string          `toml:"seed"`
	Lending ManifestListing `toml:"lending"`
}

// ManifestReserve is one [[reserve]] table. Amounts are decimal strings.
type ManifestReserve struct {
	Name       string `toml:"name"`
	Symbol     string `toml:"symbol"`
	Asset      string `toml:"asset"`
	Oracle     string `toml:"oracle"`
	Decimals   uint8  `toml:"decimals"`
	PriceFloor string `toml:"price_floor"`
	// Lending lists the asset in the simulated market. Ignored when the
	// daemon drives an on-chain pool.
	Lending *ManifestListing `toml:"lending"`
}

// ManifestListing is the optional [reserve.lending] table.
type ManifestListing struct {
	LTVBps                  uint64  `toml:"ltv_bps"`
	LiquidationThresholdBps uint64  `toml:"liquidation_threshold_bps"`
	ReserveFactorBps        uint64  `toml:"reserve_factor_bps"`
	BorrowingEnabled        bool    `toml:"borrowing_enabled"`
	SupplyCap               string  `toml:"supply_cap"`
	BorrowCap               string  `toml:"borrow_cap"`
	BaseRate                float64 `toml:"base_rate"`
	Slope1                  float64 `toml:"slope1"`
	Slope2                  float64 `toml:"slope2"`
	Kink                    float64 `toml:"kink"`
}

// LoadManifest decodes and validates a reserve manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a TOML manifest, rejecting unknown fields.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	meta, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("manifest: unknown fields %v", undecoded)
	}
	seen := make(map[common.Address]struct{}, len(m.Reserves))
	for i, r := range m.Reserves {
		params, err := r.Params()
		if err != nil {
			return nil, fmt.Errorf("manifest: reserve %d: %w", i, err)
		}
		if _, dup := seen[params.Asset]; dup {
			return nil, fmt.Errorf("manifest: reserve %d: duplicate asset %s", i, params.Asset.Hex())
		}
		seen[params.Asset] = struct{}{}
		if r.Lending != nil {
			if _, err := r.Listing(); err != nil {
				return nil, fmt.Errorf("manifest: reserve %d: %w", i, err)
			}
		}
	}
	for i, mk := range m.Markets {
		cfg, err := mk.Listing()
		if err != nil {
			return nil, fmt.Errorf("manifest: market %d: %w", i, err)
		}
		if _, dup := seen[cfg.Asset]; dup {
			return nil, fmt.Errorf("manifest: market %d: duplicate asset %s", i, cfg.Asset.Hex())
		}
		seen[cfg.Asset] = struct{}{}
		if _, err := parseOptionalAmount(mk.Seed); err != nil {
			return nil, fmt.Errorf("manifest: market %d: seed: %w", i, err)
		}
	}
	return &m, nil
}

// Params converts the entry into registry parameters.
func (r ManifestReserve) Params() (vault.ReserveParams, error) {
	asset, err := crypto.ParseAddress(r.Asset)
	if err != nil {
		return vault.ReserveParams{}, fmt.Errorf("asset: %w", err)
	}
	oracle, err := crypto.ParseAddress(r.Oracle)
	if err != nil {
		return vault.ReserveParams{}, fmt.Errorf("oracle: %w", err)
	}
	floor, err := parseOptionalAmount(r.PriceFloor)
	if err != nil {
		return vault.ReserveParams{}, fmt.Errorf("price_floor: %w", err)
	}
	return vault.ReserveParams{
		Name:       strings.TrimSpace(r.Name),
		Symbol:     strings.TrimSpace(r.Symbol),
		Asset:      asset,
		Oracle:     oracle,
		Decimals:   r.Decimals,
		PriceFloor: floor,
	}, nil
}

// Listing converts the [reserve.lending] table into a simulated market
// listing.
func (r ManifestReserve) Listing() (lending.ReserveConfig, error) {
	if r.Lending == nil {
		return lending.ReserveConfig{}, fmt.Errorf("no lending table")
	}
	params, err := r.Params()
	if err != nil {
		return lending.ReserveConfig{}, err
	}
	return r.Lending.config(params.Asset, params.Oracle, params.Decimals)
}

// Listing converts the table into a simulated market listing.
func (m ManifestMarket) Listing() (lending.ReserveConfig, error) {
	asset, err := crypto.ParseAddress(m.Asset)
	if err != nil {
		return lending.ReserveConfig{}, fmt.Errorf("asset: %w", err)
	}
	oracle, err := crypto.ParseAddress(m.Oracle)
	if err != nil {
		return lending.ReserveConfig{}, fmt.Errorf("oracle: %w", err)
	}
	return m.Lending.config(asset, oracle, m.Decimals)
}

// SeedAmount is the liquidity supplied at boot, or nil.
func (m ManifestMarket) SeedAmount() *big.Int {
	amount, _ := parseOptionalAmount(m.Seed)
	return amount
}

func (l *ManifestListing) config(asset, oracle common.Address, decimals uint8) (lending.ReserveConfig, error) {
	supplyCap, err := parseOptionalAmount(l.SupplyCap)
	if err != nil {
		return lending.ReserveConfig{}, fmt.Errorf("supply_cap: %w", err)
	}
	borrowCap, err := parseOptionalAmount(l.BorrowCap)
	if err != nil {
		return lending.ReserveConfig{}, fmt.Errorf("borrow_cap: %w", err)
	}
	if l.LTVBps > l.LiquidationThresholdBps || l.LiquidationThresholdBps > 10_000 {
		return lending.ReserveConfig{}, fmt.Errorf("ltv_bps must not exceed liquidation_threshold_bps")
	}
	cfg := lending.ReserveConfig{
		Asset:                   asset,
		Oracle:                  oracle,
		Decimals:                decimals,
		LTVBps:                  l.LTVBps,
		LiquidationThresholdBps: l.LiquidationThresholdBps,
		ReserveFactorBps:        l.ReserveFactorBps,
		BorrowingEnabled:        l.BorrowingEnabled,
		SupplyCap:               supplyCap,
		BorrowCap:               borrowCap,
	}
	if l.BaseRate != 0 || l.Slope1 != 0 || l.Slope2 != 0 || l.Kink != 0 {
		cfg.Model = lending.NewInterestModel(l.BaseRate, l.Slope1, l.Slope2, l.Kink)
	}
	return cfg, nil
}

func parseOptionalAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(value, "_", ""))
	if trimmed == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}
