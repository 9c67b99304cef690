package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// baseCurrencyDecimals is the precision of the market's account data.
const baseCurrencyDecimals = 8

// Market is the external lending market the adapter forwards to.
type Market interface {
	Supply(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error
	Withdraw(ctx context.Context, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error)
	Borrow(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error
	Repay(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error)
	ReserveData(ctx context.Context, asset common.Address) (ReserveData, error)
	UserAccountData(ctx context.Context, account common.Address) (AccountData, error)
	DebtBalance(ctx context.Context, asset, account common.Address) (*big.Int, error)
}

// AdapterConfig parameterises the borrowing side of the adapter.
type AdapterConfig struct {
	// Account holds the market position, normally the vault address.
	Account common.Address
	// StableAsset is borrowed against the vault's collateral.
	StableAsset    common.Address
	StableDecimals uint8
	// BorrowBps is the share of available borrowing power drawn per Borrow.
	BorrowBps uint64
}

// Adapter forwards idle reserve liquidity into a Market. Every state-changing
// call must come from the recorded owner.
type Adapter struct {
	mu     sync.RWMutex
	owner  common.Address
	market Market
	cfg    AdapterConfig
}

// NewAdapter constructs an adapter owned by owner.
func NewAdapter(owner common.Address, market Market, cfg AdapterConfig) *Adapter {
	if cfg.BorrowBps == 0 || cfg.BorrowBps > 10_000 {
		cfg.BorrowBps = 10_000
	}
	return &Adapter{owner: owner, market: market, cfg: cfg}
}

// Admin returns the current owner.
func (a *Adapter) Admin() common.Address {
	if a == nil {
		return common.Address{}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owner
}

// Account returns the address holding the market position.
func (a *Adapter) Account() common.Address {
	if a == nil {
		return common.Address{}
	}
	return a.cfg.Account
}

// StableAsset returns the asset drawn by Borrow.
func (a *Adapter) StableAsset() common.Address {
	if a == nil {
		return common.Address{}
	}
	return a.cfg.StableAsset
}

// TransferOwnership hands the adapter to newOwner.
func (a *Adapter) TransferOwnership(caller, newOwner common.Address) error {
	if a == nil {
		return ErrMarketUnavailable
	}
	if newOwner == (common.Address{}) {
		return ErrZeroAddress
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.owner {
		return ErrUnauthorized
	}
	a.owner = newOwner
	return nil
}

func (a *Adapter) authorize(caller common.Address) error {
	if a == nil || a.market == nil {
		return ErrMarketUnavailable
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if caller != a.owner {
		return ErrUnauthorized
	}
	return nil
}

// Supply deposits amount of asset into the market on behalf of the account.
func (a *Adapter) Supply(ctx context.Context, caller, asset common.Address, amount *big.Int) error {
	if err := a.authorize(caller); err != nil {
		return err
	}
	if asset == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := a.market.Supply(ctx, asset, amount, a.cfg.Account); err != nil {
		return fmt.Errorf("market supply: %w", err)
	}
	return nil
}

// Withdraw pulls amount of asset out of the market to the given recipient and
// fails unless the market released the full amount.
func (a *Adapter) Withdraw(ctx context.Context, caller, asset common.Address, amount *big.Int, to common.Address) (*big.Int, error) {
	if err := a.authorize(caller); err != nil {
		return nil, err
	}
	if asset == (common.Address{}) || to == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	released, err := a.market.Withdraw(ctx, asset, amount, to)
	if err != nil {
		return nil, fmt.Errorf("market withdraw: %w", err)
	}
	if !isMax(amount) && (released == nil || released.Cmp(amount) < 0) {
		return released, ErrMarketShortfall
	}
	return released, nil
}

// BorrowAmount sizes the next stable borrow from the account's available
// borrowing power, converted from base-currency units into stable units.
func (a *Adapter) BorrowAmount(ctx context.Context) (*big.Int, error) {
	if a == nil || a.market == nil {
		return nil, ErrMarketUnavailable
	}
	data, err := a.market.UserAccountData(ctx, a.cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("market account data: %w", err)
	}
	available := portionBps(zeroIfNil(data.AvailableBorrowsBase), a.cfg.BorrowBps)
	return mulDiv(available, pow10(a.cfg.StableDecimals), pow10(baseCurrencyDecimals)), nil
}

// Borrow draws the stable asset against the collateral supplied for asset.
func (a *Adapter) Borrow(ctx context.Context, caller, asset common.Address) (*big.Int, error) {
	if err := a.authorize(caller); err != nil {
		return nil, err
	}
	if asset == (common.Address{}) || a.cfg.StableAsset == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	amount, err := a.BorrowAmount(ctx)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, ErrNothingToBorrow
	}
	if err := a.market.Borrow(ctx, a.cfg.StableAsset, amount, a.cfg.Account); err != nil {
		return nil, fmt.Errorf("market borrow: %w", err)
	}
	return amount, nil
}

// Repay settles stable debt. MaxAmount repays the full outstanding balance.
func (a *Adapter) Repay(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	if err := a.authorize(caller); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if isMax(amount) {
		debt, err := a.Debt(ctx)
		if err != nil {
			return nil, err
		}
		if debt.Sign() == 0 {
			return big.NewInt(0), nil
		}
		amount = debt
	}
	repaid, err := a.market.Repay(ctx, a.cfg.StableAsset, amount, a.cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("market repay: %w", err)
	}
	return repaid, nil
}

// Debt returns the account's outstanding stable debt.
func (a *Adapter) Debt(ctx context.Context) (*big.Int, error) {
	if a == nil || a.market == nil {
		return nil, ErrMarketUnavailable
	}
	debt, err := a.market.DebtBalance(ctx, a.cfg.StableAsset, a.cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("market debt: %w", err)
	}
	return zeroIfNil(debt), nil
}

// ReserveData exposes the market's token addresses for asset.
func (a *Adapter) ReserveData(ctx context.Context, asset common.Address) (ReserveData, error) {
	if a == nil || a.market == nil {
		return ReserveData{}, ErrMarketUnavailable
	}
	return a.market.ReserveData(ctx, asset)
}

// AccountData exposes the account's aggregated market health.
func (a *Adapter) AccountData(ctx context.Context) (AccountData, error) {
	if a == nil || a.market == nil {
		return AccountData{}, ErrMarketUnavailable
	}
	return a.market.UserAccountData(ctx, a.cfg.Account)
}
