package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"cruize/core/events"
)

// Borrow draws the adapter's stable asset against the collateral supplied for
// the collateral reserve. The borrowed amount lands in the vault's custody.
func (e *Engine) Borrow(ctx context.Context, caller, collateral common.Address) (*big.Int, error) {
	if collateral == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	var borrowed *big.Int
	err := e.update(func(st State, emit func(events.Event)) error {
		cfg, err := requireOwner(st, caller)
		if err != nil {
			return err
		}
		if _, err := requireReserve(st, collateral); err != nil {
			return err
		}
		if e.adapter == nil {
			return ErrMarketUnavailable
		}
		stable := e.adapter.StableAsset()
		amount, err := e.adapter.Borrow(ctx, cfg.Vault, collateral)
		if err != nil {
			return err
		}
		if err := adjustBalance(st, stable, cfg.Vault, amount); err != nil {
			return err
		}
		borrowed = amount
		emit(events.Borrow{Collateral: collateral, Asset: stable, Amount: new(big.Int).Set(amount)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return borrowed, nil
}

// Repay settles stable debt out of the vault's custody. MaxAmount repays the
// full outstanding debt.
func (e *Engine) Repay(ctx context.Context, caller common.Address, amount *big.Int) (*big.Int, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	repaid := big.NewInt(0)
	err := e.update(func(st State, emit func(events.Event)) error {
		cfg, err := requireOwner(st, caller)
		if err != nil {
			return err
		}
		if e.adapter == nil {
			return ErrMarketUnavailable
		}
		stable := e.adapter.StableAsset()
		target := new(big.Int).Set(amount)
		if isMax(amount) {
			debt, err := e.adapter.Debt(ctx)
			if err != nil {
				return err
			}
			if debt.Sign() == 0 {
				return nil
			}
			target.Set(debt)
		}
		held, err := st.Balance(stable, cfg.Vault)
		if err != nil {
			return err
		}
		if held.Cmp(target) < 0 {
			return ErrInsufficientFunds
		}
		settled, err := e.adapter.Repay(ctx, cfg.Vault, target)
		if err != nil {
			return err
		}
		if err := adjustBalance(st, stable, cfg.Vault, new(big.Int).Neg(settled)); err != nil {
			return err
		}
		repaid = settled
		emit(events.Repay{Asset: stable, Amount: new(big.Int).Set(settled)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

// MarketData returns the vault's aggregated position in the lending market.
func (e *Engine) MarketData(ctx context.Context) (AccountData, error) {
	if e == nil || e.adapter == nil {
		return AccountData{}, ErrMarketUnavailable
	}
	return e.adapter.AccountData(ctx)
}
