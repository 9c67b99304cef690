package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cruize/core/events"
	nativecommon "cruize/native/common"
)

// ModuleName is the pause switch guarding deposits and withdrawals.
const ModuleName = "vault"

// Engine owns the reserve registry, receipt tokens and vault accounting. All
// state-changing calls are serialised and applied through a single Store
// transaction; events are emitted only once that transaction has committed.
type Engine struct {
	mu          sync.Mutex
	store       Store
	adapter     *Adapter
	oracle      PriceOracle
	emitter     events.Emitter
	pauses      nativecommon.PauseView
	now         func() time.Time
	maxPriceAge time.Duration
}

// NewEngine constructs an engine over store. The vault is inert until
// Initialize succeeds.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:   store,
		emitter: events.NoopEmitter{},
		now:     time.Now,
	}
}

// SetAdapter wires the lending adapter that receives forwarded liquidity.
func (e *Engine) SetAdapter(adapter *Adapter) {
	if e == nil {
		return
	}
	e.adapter = adapter
}

// Adapter returns the configured lending adapter.
func (e *Engine) Adapter() *Adapter {
	if e == nil {
		return nil
	}
	return e.adapter
}

// SetOracle wires the price source consulted by the withdrawal floor gate.
func (e *Engine) SetOracle(oracle PriceOracle) {
	if e == nil {
		return
	}
	e.oracle = oracle
}

// SetMaxPriceAge bounds how old an oracle answer may be. Zero disables the
// staleness check.
func (e *Engine) SetMaxPriceAge(age time.Duration) {
	if e == nil {
		return
	}
	e.maxPriceAge = age
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

func (e *Engine) guard() error {
	if e == nil || e.store == nil {
		return ErrNilState
	}
	return nativecommon.Guard(e.pauses, ModuleName)
}

func (e *Engine) update(fn func(st State, emit func(events.Event)) error) error {
	if e == nil || e.store == nil {
		return ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var pending []events.Event
	err := e.store.Update(func(st State) error {
		pending = pending[:0]
		return fn(st, func(evt events.Event) { pending = append(pending, evt) })
	})
	if err != nil {
		return err
	}
	for _, evt := range pending {
		e.emitter.Emit(evt)
	}
	return nil
}

func (e *Engine) view(fn func(st State) error) error {
	if e == nil || e.store == nil {
		return ErrNilState
	}
	return e.store.View(fn)
}

func requireActive(st State) (*Config, error) {
	cfg, err := st.Config()
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.Initialized {
		return nil, ErrNotInitialized
	}
	return cfg, nil
}

func requireOwner(st State, caller common.Address) (*Config, error) {
	cfg, err := requireActive(st)
	if err != nil {
		return nil, err
	}
	if caller != cfg.Owner {
		return nil, ErrUnauthorized
	}
	return cfg, nil
}

func requireReserve(st State, asset common.Address) (*Reserve, error) {
	reserve, ok, err := st.Reserve(asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAssetNotAllowed
	}
	return reserve, nil
}

func loadLedger(st State, asset common.Address) (*Ledger, error) {
	ledger, err := st.Ledger(asset)
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		ledger = &Ledger{}
	}
	ledger = ledger.Clone()
	ledger.normalize()
	return ledger, nil
}

func adjustBalance(st State, asset, holder common.Address, delta *big.Int) error {
	balance, err := st.Balance(asset, holder)
	if err != nil {
		return err
	}
	updated := new(big.Int).Add(balance, delta)
	if updated.Sign() < 0 {
		return ErrInsufficientFunds
	}
	return st.PutBalance(asset, holder, updated)
}

// Initialize activates the vault. It succeeds exactly once; every later call
// fails with ErrAlreadyInitialized and leaves state untouched.
func (e *Engine) Initialize(params InitParams) error {
	return e.update(func(st State, emit func(events.Event)) error {
		cfg, err := st.Config()
		if err != nil {
			return err
		}
		if cfg != nil && cfg.Initialized {
			return ErrAlreadyInitialized
		}
		if params.Vault == (common.Address{}) || params.Owner == (common.Address{}) {
			return ErrZeroAddress
		}
		if params.BufferBps > 10_000 {
			return ErrInvalidBufferBps
		}
		collector := params.FeeCollector
		if collector == (common.Address{}) {
			collector = params.Owner
		}
		next := &Config{
			Initialized:   true,
			Vault:         params.Vault,
			Owner:         params.Owner,
			FeeCollector:  collector,
			BufferBps:     params.BufferBps,
			InitializedAt: uint64(e.now().Unix()),
		}
		if err := st.PutConfig(next); err != nil {
			return err
		}
		emit(events.VaultInitialized{
			Vault:        next.Vault,
			Owner:        next.Owner,
			FeeCollector: next.FeeCollector,
			BufferBps:    next.BufferBps,
		})
		return nil
	})
}

// Config returns the activation record. Before Initialize it is the zero value.
func (e *Engine) Config() (*Config, error) {
	var out *Config
	err := e.view(func(st State) error {
		cfg, err := st.Config()
		if err != nil {
			return err
		}
		if cfg == nil {
			cfg = &Config{}
		}
		out = cfg.Clone()
		return nil
	})
	return out, err
}

// Deposit pulls amount of asset from the caller, keeps the configured buffer
// share locally, supplies the remainder to the lending market and mints
// receipt tokens. value is the native currency attached to the call and must
// equal amount for the native asset and be zero otherwise.
func (e *Engine) Deposit(ctx context.Context, caller, asset common.Address, amount, value *big.Int) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if asset == (common.Address{}) || caller == (common.Address{}) {
		return nil, ErrZeroAddress
	}

	var minted *big.Int
	err := e.update(func(st State, emit func(events.Event)) error {
		cfg, err := requireActive(st)
		if err != nil {
			return err
		}
		reserve, err := requireReserve(st, asset)
		if err != nil {
			return err
		}
		if asset == NativeAsset {
			if value == nil || value.Cmp(amount) != 0 {
				return ErrValueMismatch
			}
		} else if value != nil && value.Sign() != 0 {
			return ErrValueMismatch
		}

		if err := adjustBalance(st, asset, caller, new(big.Int).Neg(amount)); err != nil {
			return err
		}
		ledger, err := loadLedger(st, asset)
		if err != nil {
			return err
		}
		token := receiptToken{st: st, addr: reserve.Token, owner: cfg.Vault}
		supply, err := token.totalSupply()
		if err != nil {
			return err
		}
		if supply.Sign() > 0 && ledger.Backing().Sign() == 0 {
			return ErrReserveDepleted
		}
		shares := sharesForDeposit(amount, supply, ledger.Backing())
		if shares.Sign() == 0 {
			return ErrZeroAmount
		}

		keep := portionBps(amount, cfg.BufferBps)
		forward := new(big.Int).Sub(amount, keep)
		if e.adapter == nil {
			keep, forward = new(big.Int).Set(amount), big.NewInt(0)
		}
		ledger.Buffer.Add(ledger.Buffer, keep)
		ledger.Supplied.Add(ledger.Supplied, forward)
		if err := st.PutLedger(asset, ledger); err != nil {
			return err
		}
		if err := token.mint(cfg.Vault, caller, shares); err != nil {
			return err
		}
		if forward.Sign() > 0 {
			if err := e.adapter.Supply(ctx, cfg.Vault, asset, forward); err != nil {
				return err
			}
		}
		minted = shares
		emit(events.Deposit{Asset: asset, Depositor: caller, Amount: new(big.Int).Set(amount), Minted: new(big.Int).Set(shares)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Withdraw burns amount of the caller's receipt tokens and pays out the
// underlying they redeem for. MaxAmount burns the caller's entire balance.
// The reserve's oracle price must be at or above its price floor.
func (e *Engine) Withdraw(ctx context.Context, caller, asset common.Address, amount *big.Int) (*WithdrawResult, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if asset == (common.Address{}) || caller == (common.Address{}) {
		return nil, ErrZeroAddress
	}

	var result *WithdrawResult
	err := e.update(func(st State, emit func(events.Event)) error {
		cfg, err := requireActive(st)
		if err != nil {
			return err
		}
		reserve, err := requireReserve(st, asset)
		if err != nil {
			return err
		}
		token := receiptToken{st: st, addr: reserve.Token, owner: cfg.Vault}
		balance, err := token.balanceOf(caller)
		if err != nil {
			return err
		}
		shares := new(big.Int).Set(amount)
		if isMax(amount) {
			if balance.Sign() == 0 {
				return ErrZeroAmount
			}
			shares.Set(balance)
		}
		if balance.Cmp(shares) < 0 {
			return ErrBurnExceedsBalance
		}
		if err := e.checkPriceFloor(ctx, reserve); err != nil {
			return err
		}

		ledger, err := loadLedger(st, asset)
		if err != nil {
			return err
		}
		supply, err := token.totalSupply()
		if err != nil {
			return err
		}
		owed := underlyingForShares(shares, supply, ledger.Backing())
		fromBuffer := minInt(portionBps(owed, cfg.BufferBps), ledger.Buffer)
		fromMarket := new(big.Int).Sub(owed, fromBuffer)
		if fromMarket.Cmp(ledger.Supplied) > 0 {
			fromBuffer.Add(fromBuffer, new(big.Int).Sub(fromMarket, ledger.Supplied))
			fromMarket.Set(ledger.Supplied)
		}

		if err := token.burn(cfg.Vault, caller, shares); err != nil {
			return err
		}
		ledger.Buffer.Sub(ledger.Buffer, fromBuffer)
		ledger.Supplied.Sub(ledger.Supplied, fromMarket)
		if err := st.PutLedger(asset, ledger); err != nil {
			return err
		}
		if err := adjustBalance(st, asset, caller, owed); err != nil {
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
		result = &WithdrawResult{Burned: shares, Paid: owed}
		emit(events.Withdraw{Asset: asset, Withdrawer: caller, Amount: new(big.Int).Set(shares), Paid: new(big.Int).Set(owed)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) checkPriceFloor(ctx context.Context, reserve *Reserve) error {
	if reserve.PriceFloor == nil || reserve.PriceFloor.Sign() == 0 {
		return nil
	}
	if e.oracle == nil {
		return ErrOracleUnavailable
	}
	price, err := e.oracle.Price(ctx, reserve.Oracle)
	if err != nil {
		return fmt.Errorf("vault: price for %s: %w", reserve.Symbol, err)
	}
	if e.maxPriceAge > 0 && !price.UpdatedAt.IsZero() && e.now().Sub(price.UpdatedAt) > e.maxPriceAge {
		return ErrStalePrice
	}
	floor := new(big.Int).Mul(reserve.PriceFloor, pow10(price.Decimals))
	if price.Value == nil || price.Value.Cmp(floor) < 0 {
		return ErrPriceBelowFloor
	}
	return nil
}

// Position reports holder's receipt balance in the asset's reserve and the
// underlying it currently redeems for.
func (e *Engine) Position(asset, holder common.Address) (*Position, error) {
	var out *Position
	err := e.view(func(st State) error {
		reserve, err := requireReserve(st, asset)
		if err != nil {
			return err
		}
		shares, err := st.TokenBalance(reserve.Token, holder)
		if err != nil {
			return err
		}
		supply, err := st.TokenSupply(reserve.Token)
		if err != nil {
			return err
		}
		ledger, err := loadLedger(st, asset)
		if err != nil {
			return err
		}
		out = &Position{
			Asset:      asset,
			Token:      reserve.Token,
			Holder:     holder,
			Shares:     shares,
			Redeemable: underlyingForShares(shares, supply, ledger.Backing()),
		}
		return nil
	})
	return out, err
}

// ReserveState returns the reserve's ledger.
func (e *Engine) ReserveState(asset common.Address) (*Ledger, error) {
	var out *Ledger
	err := e.view(func(st State) error {
		if _, err := requireReserve(st, asset); err != nil {
			return err
		}
		ledger, err := loadLedger(st, asset)
		if err != nil {
			return err
		}
		out = ledger
		return nil
	})
	return out, err
}

// Credit funds holder's custody balance. Only the owner may credit.
func (e *Engine) Credit(caller, asset, holder common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if asset == (common.Address{}) || holder == (common.Address{}) {
		return ErrZeroAddress
	}
	return e.update(func(st State, _ func(events.Event)) error {
		if _, err := requireOwner(st, caller); err != nil {
			return err
		}
		return adjustBalance(st, asset, holder, amount)
	})
}

// CustodyBalance returns holder's custody balance in asset.
func (e *Engine) CustodyBalance(asset, holder common.Address) (*big.Int, error) {
	var out *big.Int
	err := e.view(func(st State) error {
		balance, err := st.Balance(asset, holder)
		out = balance
		return err
	})
	return out, err
}
