package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"cruize/core/events"
)

// PayFee deducts amount from the reserve's backing and hands the underlying to
// the fee collector. Receipt supply is untouched, so every holder's
// redemption value shrinks pro rata. While receipt tokens are outstanding the
// fee must leave at least one unit of backing behind.
func (e *Engine) PayFee(ctx context.Context, caller, asset common.Address, amount *big.Int) (*big.Int, error) {
	if asset == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	var backing *big.Int
	err := e.update(func(st State, emit func(events.Event)) error {
		cfg, err := requireOwner(st, caller)
		if err != nil {
			return err
		}
		reserve, err := requireReserve(st, asset)
		if err != nil {
			return err
		}
		ledger, err := loadLedger(st, asset)
		if err != nil {
			return err
		}
		limit, err := feeLimit(st, cfg, reserve, ledger)
		if err != nil {
			return err
		}
		if amount.Cmp(limit) > 0 {
			return ErrInsufficientBacking
		}
		if err := e.deductFee(ctx, st, cfg, asset, ledger, amount); err != nil {
			return err
		}
		backing = ledger.Backing()
		emit(events.FeePaid{Asset: asset, Collector: cfg.FeeCollector, Amount: new(big.Int).Set(amount), Backing: new(big.Int).Set(backing)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return backing, nil
}

// AccrueManagementFee charges feeBps per year on the reserve's backing for the
// time elapsed since the previous accrual and returns the amount charged. The
// charge is capped like PayFee, so an accrual always advances LastFeeAt.
func (e *Engine) AccrueManagementFee(ctx context.Context, caller, asset common.Address, feeBps uint64) (*big.Int, error) {
	if asset == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if new(big.Int).SetUint64(feeBps).Cmp(basisPoints) > 0 {
		return nil, ErrInvalidFeeBps
	}
	charged := big.NewInt(0)
	err := e.update(func(st State, emit func(events.Event)) error {
		cfg, err := requireOwner(st, caller)
		if err != nil {
			return err
		}
		reserve, err := requireReserve(st, asset)
		if err != nil {
			return err
		}
		ledger, err := loadLedger(st, asset)
		if err != nil {
			return err
		}
		now := uint64(e.now().Unix())
		if now <= ledger.LastFeeAt {
			return nil
		}
		elapsed := now - ledger.LastFeeAt
		ledger.LastFeeAt = now
		fee := big.NewInt(0)
		if feeBps > 0 {
			fee = mulDiv(
				new(big.Int).Mul(ledger.Backing(), new(big.Int).SetUint64(feeBps)),
				new(big.Int).SetUint64(elapsed),
				new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear)),
			)
			limit, err := feeLimit(st, cfg, reserve, ledger)
			if err != nil {
				return err
			}
			fee = minInt(fee, limit)
		}
		if fee.Sign() > 0 {
			if err := e.deductFee(ctx, st, cfg, asset, ledger, fee); err != nil {
				return err
			}
			emit(events.FeePaid{Asset: asset, Collector: cfg.FeeCollector, Amount: new(big.Int).Set(fee), Backing: ledger.Backing()})
			charged = fee
			return nil
		}
		return st.PutLedger(asset, ledger)
	})
	if err != nil {
		return nil, err
	}
	return charged, nil
}

// feeLimit is the largest fee the reserve can pay. Outstanding receipt supply
// must keep some backing, otherwise the next deposit would mint against an
// empty reserve at 1:1.
func feeLimit(st State, cfg *Config, reserve *Reserve, ledger *Ledger) (*big.Int, error) {
	backing := ledger.Backing()
	token := receiptToken{st: st, addr: reserve.Token, owner: cfg.Vault}
	supply, err := token.totalSupply()
	if err != nil {
		return nil, err
	}
	if supply.Sign() > 0 && backing.Sign() > 0 {
		backing.Sub(backing, big.NewInt(1))
	}
	return backing, nil
}

// deductFee drains the buffer first and the market second, then persists the
// ledger and credits the collector.
func (e *Engine) deductFee(ctx context.Context, st State, cfg *Config, asset common.Address, ledger *Ledger, amount *big.Int) error {
	fromBuffer := minInt(amount, ledger.Buffer)
	fromMarket := new(big.Int).Sub(amount, fromBuffer)
	ledger.Buffer.Sub(ledger.Buffer, fromBuffer)
	ledger.Supplied.Sub(ledger.Supplied, fromMarket)
	ledger.FeesPaid.Add(ledger.FeesPaid, amount)
	if err := st.PutLedger(asset, ledger); err != nil {
		return err
	}
	if err := adjustBalance(st, asset, cfg.FeeCollector, amount); err != nil {
		return err
	}
	if fromMarket.Sign() > 0 {
		if e.adapter == nil {
			return ErrMarketUnavailable
		}
		if _, err := e.adapter.Withdraw(ctx, cfg.Vault, asset, fromMarket, cfg.Vault); err != nil {
			return err
		}
	}
	return nil
}
