package vault

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAsset is the sentinel address used for the chain's native currency.
var NativeAsset = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// Config is the activation record of the vault. A zero Config means the vault
// has been constructed but not initialised.
type Config struct {
	// Initialized flips once and never resets.
	Initialized bool
	// Vault is the address that owns receipt tokens and the market position.
	Vault common.Address
	// Owner is the administrative account allowed to register reserves,
	// pay fees and drive the lending adapter.
	Owner common.Address
	// FeeCollector receives the underlying removed by fee payments.
	FeeCollector common.Address
	// BufferBps is the share of each deposit kept in the local buffer,
	// expressed in basis points.
	BufferBps uint64
	// TokenNonce counts receipt tokens deployed so far.
	TokenNonce uint64
	// InitializedAt is the unix timestamp of activation.
	InitializedAt uint64
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// InitParams carries the one-time activation parameters.
type InitParams struct {
	Vault        common.Address
	Owner        common.Address
	FeeCollector common.Address
	BufferBps    uint64
}

// ReserveParams describes a reserve to register.
type ReserveParams struct {
	Name       string
	Symbol     string
	Asset      common.Address
	Oracle     common.Address
	Decimals   uint8
	PriceFloor *big.Int
}

// Reserve is the registry entry for a supported asset.
type Reserve struct {
	Asset      common.Address
	Token      common.Address
	Oracle     common.Address
	Name       string
	Symbol     string
	Decimals   uint8
	// PriceFloor is expressed in whole quote units (e.g. USD) and compared
	// against the oracle answer scaled by the feed decimals.
	PriceFloor *big.Int
	CreatedAt  uint64
}

// Clone returns a deep copy of the reserve.
func (r *Reserve) Clone() *Reserve {
	if r == nil {
		return nil
	}
	clone := *r
	clone.PriceFloor = cloneInt(r.PriceFloor)
	return &clone
}

// Ledger tracks the underlying held on behalf of a reserve's receipt holders.
type Ledger struct {
	// Buffer is the underlying kept by the vault itself.
	Buffer *big.Int
	// Supplied is the underlying forwarded to the lending market.
	Supplied *big.Int
	// FeesPaid accumulates the underlying removed through fee payments.
	FeesPaid *big.Int
	// LastFeeAt is the unix timestamp of the last management fee accrual.
	LastFeeAt uint64
}

// Backing returns the total underlying attributable to receipt holders.
func (l *Ledger) Backing() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Add(zeroIfNil(l.Buffer), zeroIfNil(l.Supplied))
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	return &Ledger{
		Buffer:    cloneInt(l.Buffer),
		Supplied:  cloneInt(l.Supplied),
		FeesPaid:  cloneInt(l.FeesPaid),
		LastFeeAt: l.LastFeeAt,
	}
}

func (l *Ledger) normalize() {
	l.Buffer = zeroIfNil(l.Buffer)
	l.Supplied = zeroIfNil(l.Supplied)
	l.FeesPaid = zeroIfNil(l.FeesPaid)
}

// Position is a holder's claim on a reserve: the receipt balance and the
// underlying it currently redeems for.
type Position struct {
	Asset      common.Address
	Token      common.Address
	Holder     common.Address
	Shares     *big.Int
	Redeemable *big.Int
}

// WithdrawResult reports the receipt amount burned and the underlying paid.
type WithdrawResult struct {
	Burned *big.Int
	Paid   *big.Int
}

// Price is an oracle answer.
type Price struct {
	Value     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// ReserveData is the market's view of a listed asset.
type ReserveData struct {
	ATokenAddress            common.Address
	VariableDebtTokenAddress common.Address
}

// AccountData mirrors the market's aggregated account health. Base amounts use
// the market's base currency with 8 decimals.
type AccountData struct {
	TotalCollateralBase         *big.Int
	TotalDebtBase               *big.Int
	AvailableBorrowsBase        *big.Int
	CurrentLiquidationThreshold *big.Int
	LTV                         *big.Int
	HealthFactor                *big.Int
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
