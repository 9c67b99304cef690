package lending

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errNilMarket              = errors.New("lending market: market not configured")
	errReserveNotListed       = errors.New("lending market: reserve not listed")
	errReserveAlreadyListed   = errors.New("lending market: reserve already listed")
	errInvalidAmount          = errors.New("lending market: amount must be positive")
	errInvalidConfig          = errors.New("lending market: invalid reserve configuration")
	errInsufficientSupply     = errors.New("lending market: withdrawal exceeds supplied balance")
	errInsufficientLiquidity  = errors.New("lending market: insufficient liquidity")
	errBorrowExceedsCapacity  = errors.New("lending market: borrow exceeds available capacity")
	errBorrowingDisabled      = errors.New("lending market: borrowing disabled for reserve")
	errSupplyCapExceeded      = errors.New("lending market: supply cap exceeded")
	errBorrowCapExceeded      = errors.New("lending market: borrow cap exceeded")
	errNoDebtToRepay          = errors.New("lending market: no debt to repay")
	errHealthFactorViolation  = errors.New("lending market: health factor would fall below one")
	errPriceOracleUnavailable = errors.New("lending market: price oracle unavailable")
)

// ReserveConfig lists an asset in the simulated market.
type ReserveConfig struct {
	Asset    common.Address `toml:"asset"`
	Oracle   common.Address `toml:"oracle"`
	Decimals uint8          `toml:"decimals"`
	// LTVBps caps borrowing power contributed by the reserve's collateral.
	LTVBps                  uint64 `toml:"ltv_bps"`
	LiquidationThresholdBps uint64 `toml:"liquidation_threshold_bps"`
	ReserveFactorBps        uint64 `toml:"reserve_factor_bps"`
	BorrowingEnabled        bool   `toml:"borrowing_enabled"`
	// Caps are in token units. Nil or zero disables the cap.
	SupplyCap *big.Int       `toml:"-"`
	BorrowCap *big.Int       `toml:"-"`
	Model     *InterestModel `toml:"-"`
}

func (c ReserveConfig) validate() error {
	if c.Asset == (common.Address{}) {
		return errInvalidConfig
	}
	if c.LTVBps > c.LiquidationThresholdBps || c.LiquidationThresholdBps > basisPoints.Uint64() {
		return errInvalidConfig
	}
	if c.ReserveFactorBps > basisPoints.Uint64() {
		return errInvalidConfig
	}
	return nil
}

// ReserveSnapshot reports the accrued state of a listed reserve.
type ReserveSnapshot struct {
	Asset            common.Address
	Cash             *big.Int
	TotalSupplied    *big.Int
	TotalBorrowed    *big.Int
	LiquidityIndex   *big.Int
	BorrowIndex      *big.Int
	BorrowAPR        *big.Rat
	SupplyAPY        *big.Rat
	ATokenAddress    common.Address
	DebtTokenAddress common.Address
}
