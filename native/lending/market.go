package lending

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cruize/native/vault"
)

type reserveState struct {
	cfg            ReserveConfig
	model          *InterestModel
	cash           *big.Int
	scaledSupply   *big.Int
	scaledDebt     *big.Int
	liquidityIndex *big.Int
	borrowIndex    *big.Int
	lastUpdate     time.Time
	supplies       map[common.Address]*big.Int
	debts          map[common.Address]*big.Int
	aToken         common.Address
	debtToken      common.Address
}

// SimMarket is an in-process lending market with interest-indexed supply and
// debt positions. Withdrawals and repayments are funded by the sender account,
// mirroring a market client bound to a single signing key.
type SimMarket struct {
	mu       sync.Mutex
	sender   common.Address
	oracle   vault.PriceOracle
	reserves map[common.Address]*reserveState
	now      func() time.Time
}

var _ vault.Market = (*SimMarket)(nil)

// NewSimMarket constructs an empty market whose outgoing calls act for sender.
func NewSimMarket(sender common.Address, oracle vault.PriceOracle) *SimMarket {
	return &SimMarket{
		sender:   sender,
		oracle:   oracle,
		reserves: make(map[common.Address]*reserveState),
		now:      time.Now,
	}
}

// SetClock overrides the accrual clock.
func (m *SimMarket) SetClock(now func() time.Time) {
	if m == nil || now == nil {
		return
	}
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Sender returns the account funding withdrawals and repayments.
func (m *SimMarket) Sender() common.Address {
	if m == nil {
		return common.Address{}
	}
	return m.sender
}

// ListReserve adds an asset to the market.
func (m *SimMarket) ListReserve(cfg ReserveConfig) error {
	if m == nil {
		return errNilMarket
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reserves[cfg.Asset]; ok {
		return errReserveAlreadyListed
	}
	model := cfg.Model.Clone()
	if model == nil {
		model = DefaultInterestModel.Clone()
	}
	m.reserves[cfg.Asset] = &reserveState{
		cfg:            cfg,
		model:          model,
		cash:           big.NewInt(0),
		scaledSupply:   big.NewInt(0),
		scaledDebt:     big.NewInt(0),
		liquidityIndex: new(big.Int).Set(ray),
		borrowIndex:    new(big.Int).Set(ray),
		lastUpdate:     m.now(),
		supplies:       make(map[common.Address]*big.Int),
		debts:          make(map[common.Address]*big.Int),
		aToken:         derivedToken("aToken", cfg.Asset),
		debtToken:      derivedToken("variableDebtToken", cfg.Asset),
	}
	return nil
}

func (m *SimMarket) reserve(asset common.Address) (*reserveState, error) {
	rs, ok := m.reserves[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errReserveNotListed, asset.Hex())
	}
	m.accrue(rs)
	return rs, nil
}

// accrue grows both indices by the rates implied by current utilisation.
func (m *SimMarket) accrue(rs *reserveState) {
	now := m.now()
	if !now.After(rs.lastUpdate) {
		return
	}
	elapsed := uint64(now.Sub(rs.lastUpdate) / time.Second)
	if elapsed == 0 {
		return
	}
	rs.lastUpdate = now
	if rs.scaledDebt.Sign() == 0 {
		return
	}
	borrowed := debtFromScaled(rs.scaledDebt, rs.borrowIndex)
	supplied := liquidityFromShares(rs.scaledSupply, rs.liquidityIndex)
	borrowRate := rs.model.BorrowAPR(borrowed, supplied)
	supplyRate := rs.model.SupplyAPY(borrowed, supplied, rs.cfg.ReserveFactorBps)
	rs.borrowIndex = rayMul(rs.borrowIndex, rateFactor(borrowRate, elapsed))
	rs.liquidityIndex = rayMul(rs.liquidityIndex, rateFactor(supplyRate, elapsed))
}

func checkPositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	return nil
}

func balanceOf(book map[common.Address]*big.Int, account common.Address) *big.Int {
	if v, ok := book[account]; ok && v != nil {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// Supply credits amount of asset to onBehalfOf.
func (m *SimMarket) Supply(_ context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	if m == nil {
		return errNilMarket
	}
	if err := checkPositive(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, err := m.reserve(asset)
	if err != nil {
		return err
	}
	if limit := rs.cfg.SupplyCap; limit != nil && limit.Sign() > 0 {
		total := new(big.Int).Add(liquidityFromShares(rs.scaledSupply, rs.liquidityIndex), amount)
		if total.Cmp(limit) > 0 {
			return errSupplyCapExceeded
		}
	}
	shares := sharesFromLiquidity(amount, rs.liquidityIndex)
	rs.supplies[onBehalfOf] = new(big.Int).Add(balanceOf(rs.supplies, onBehalfOf), shares)
	rs.scaledSupply.Add(rs.scaledSupply, shares)
	rs.cash.Add(rs.cash, amount)
	return nil
}

// Withdraw redeems the sender's supply. vault.MaxAmount withdraws the full
// balance.
func (m *SimMarket) Withdraw(ctx context.Context, asset common.Address, amount *big.Int, _ common.Address) (*big.Int, error) {
	if m == nil {
		return nil, errNilMarket
	}
	if err := checkPositive(amount); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, err := m.reserve(asset)
	if err != nil {
		return nil, err
	}
	shares := balanceOf(rs.supplies, m.sender)
	balance := liquidityFromShares(shares, rs.liquidityIndex)
	if amount.Cmp(vault.MaxAmount) == 0 {
		amount = balance
	}
	if amount.Sign() == 0 || amount.Cmp(balance) > 0 {
		return nil, errInsufficientSupply
	}
	if amount.Cmp(rs.cash) > 0 {
		return nil, errInsufficientLiquidity
	}
	burn := sharesFromLiquidity(amount, rs.liquidityIndex)
	if burn.Cmp(shares) > 0 || amount.Cmp(balance) == 0 {
		burn = shares
	}

	rs.supplies[m.sender] = new(big.Int).Sub(shares, burn)
	rs.scaledSupply.Sub(rs.scaledSupply, burn)
	rs.cash.Sub(rs.cash, amount)

	if err := m.checkHealth(ctx, m.sender); err != nil {
		rs.supplies[m.sender] = shares
		rs.scaledSupply.Add(rs.scaledSupply, burn)
		rs.cash.Add(rs.cash, amount)
		return nil, err
	}
	return new(big.Int).Set(amount), nil
}

// Borrow draws amount of asset as variable debt of onBehalfOf.
func (m *SimMarket) Borrow(ctx context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) error {
	if m == nil {
		return errNilMarket
	}
	if err := checkPositive(amount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, err := m.reserve(asset)
	if err != nil {
		return err
	}
	if !rs.cfg.BorrowingEnabled {
		return errBorrowingDisabled
	}
	if amount.Cmp(rs.cash) > 0 {
		return errInsufficientLiquidity
	}
	if limit := rs.cfg.BorrowCap; limit != nil && limit.Sign() > 0 {
		total := new(big.Int).Add(debtFromScaled(rs.scaledDebt, rs.borrowIndex), amount)
		if total.Cmp(limit) > 0 {
			return errBorrowCapExceeded
		}
	}
	data, err := m.accountData(ctx, onBehalfOf)
	if err != nil {
		return err
	}
	price, err := m.price(ctx, rs)
	if err != nil {
		return err
	}
	if toBase(amount, rs.cfg.Decimals, price.Value, price.Decimals).Cmp(data.AvailableBorrowsBase) > 0 {
		return errBorrowExceedsCapacity
	}
	scaled := scaledDebtFromAmount(amount, rs.borrowIndex)
	rs.debts[onBehalfOf] = new(big.Int).Add(balanceOf(rs.debts, onBehalfOf), scaled)
	rs.scaledDebt.Add(rs.scaledDebt, scaled)
	rs.cash.Sub(rs.cash, amount)
	return nil
}

// Repay settles up to amount of onBehalfOf's debt and returns what was repaid.
func (m *SimMarket) Repay(_ context.Context, asset common.Address, amount *big.Int, onBehalfOf common.Address) (*big.Int, error) {
	if m == nil {
		return nil, errNilMarket
	}
	if err := checkPositive(amount); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, err := m.reserve(asset)
	if err != nil {
		return nil, err
	}
	scaled := balanceOf(rs.debts, onBehalfOf)
	debt := debtFromScaled(scaled, rs.borrowIndex)
	if debt.Sign() == 0 {
		return nil, errNoDebtToRepay
	}
	paid := new(big.Int).Set(amount)
	if paid.Cmp(debt) > 0 {
		paid.Set(debt)
	}
	burn := scaledDebtFromAmount(paid, rs.borrowIndex)
	if paid.Cmp(debt) == 0 || burn.Cmp(scaled) > 0 {
		burn = scaled
	}
	rs.debts[onBehalfOf] = new(big.Int).Sub(scaled, burn)
	rs.scaledDebt.Sub(rs.scaledDebt, burn)
	rs.cash.Add(rs.cash, paid)
	return paid, nil
}

// ReserveData returns the derived token addresses for asset.
func (m *SimMarket) ReserveData(_ context.Context, asset common.Address) (vault.ReserveData, error) {
	if m == nil {
		return vault.ReserveData{}, errNilMarket
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.reserves[asset]
	if !ok {
		return vault.ReserveData{}, fmt.Errorf("%w: %s", errReserveNotListed, asset.Hex())
	}
	return vault.ReserveData{ATokenAddress: rs.aToken, VariableDebtTokenAddress: rs.debtToken}, nil
}

// UserAccountData aggregates the account's collateral and debt in 8-decimal
// base units.
func (m *SimMarket) UserAccountData(ctx context.Context, account common.Address) (vault.AccountData, error) {
	if m == nil {
		return vault.AccountData{}, errNilMarket
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rs := range m.reserves {
		m.accrue(rs)
	}
	return m.accountData(ctx, account)
}

// DebtBalance returns account's accrued debt in asset.
func (m *SimMarket) DebtBalance(_ context.Context, asset, account common.Address) (*big.Int, error) {
	if m == nil {
		return nil, errNilMarket
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, err := m.reserve(asset)
	if err != nil {
		return nil, err
	}
	return debtFromScaled(balanceOf(rs.debts, account), rs.borrowIndex), nil
}

// SupplyBalance returns account's accrued supply in asset.
func (m *SimMarket) SupplyBalance(_ context.Context, asset, account common.Address) (*big.Int, error) {
	if m == nil {
		return nil, errNilMarket
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, err := m.reserve(asset)
	if err != nil {
		return nil, err
	}
	return liquidityFromShares(balanceOf(rs.supplies, account), rs.liquidityIndex), nil
}

// Snapshot reports every listed reserve ordered by asset address.
func (m *SimMarket) Snapshot() []ReserveSnapshot {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReserveSnapshot, 0, len(m.reserves))
	for _, rs := range m.sorted() {
		m.accrue(rs)
		borrowed := debtFromScaled(rs.scaledDebt, rs.borrowIndex)
		supplied := liquidityFromShares(rs.scaledSupply, rs.liquidityIndex)
		out = append(out, ReserveSnapshot{
			Asset:            rs.cfg.Asset,
			Cash:             new(big.Int).Set(rs.cash),
			TotalSupplied:    supplied,
			TotalBorrowed:    borrowed,
			LiquidityIndex:   new(big.Int).Set(rs.liquidityIndex),
			BorrowIndex:      new(big.Int).Set(rs.borrowIndex),
			BorrowAPR:        rs.model.BorrowAPR(borrowed, supplied),
			SupplyAPY:        rs.model.SupplyAPY(borrowed, supplied, rs.cfg.ReserveFactorBps),
			ATokenAddress:    rs.aToken,
			DebtTokenAddress: rs.debtToken,
		})
	}
	return out
}

func (m *SimMarket) sorted() []*reserveState {
	list := make([]*reserveState, 0, len(m.reserves))
	for _, rs := range m.reserves {
		list = append(list, rs)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].cfg.Asset.Hex() < list[j].cfg.Asset.Hex()
	})
	return list
}

func (m *SimMarket) checkHealth(ctx context.Context, account common.Address) error {
	indebted := false
	for _, rs := range m.reserves {
		if balanceOf(rs.debts, account).Sign() > 0 {
			indebted = true
			break
		}
	}
	if !indebted {
		return nil
	}
	data, err := m.accountData(ctx, account)
	if err != nil {
		return err
	}
	if data.HealthFactor.Cmp(wad) < 0 {
		return errHealthFactorViolation
	}
	return nil
}

func (m *SimMarket) price(ctx context.Context, rs *reserveState) (vault.Price, error) {
	if m.oracle == nil {
		return vault.Price{}, errPriceOracleUnavailable
	}
	price, err := m.oracle.Price(ctx, rs.cfg.Oracle)
	if err != nil {
		return vault.Price{}, fmt.Errorf("lending market: price %s: %w", rs.cfg.Asset.Hex(), err)
	}
	if price.Value == nil || price.Value.Sign() <= 0 {
		return vault.Price{}, errPriceOracleUnavailable
	}
	return price, nil
}

// accountData expects m.mu to be held and indices to be current.
func (m *SimMarket) accountData(ctx context.Context, account common.Address) (vault.AccountData, error) {
	collateral := big.NewInt(0)
	debt := big.NewInt(0)
	weightedLTV := big.NewInt(0)
	weightedThreshold := big.NewInt(0)
	for _, rs := range m.sorted() {
		supplied := liquidityFromShares(balanceOf(rs.supplies, account), rs.liquidityIndex)
		owed := debtFromScaled(balanceOf(rs.debts, account), rs.borrowIndex)
		if supplied.Sign() == 0 && owed.Sign() == 0 {
			continue
		}
		price, err := m.price(ctx, rs)
		if err != nil {
			return vault.AccountData{}, err
		}
		suppliedBase := toBase(supplied, rs.cfg.Decimals, price.Value, price.Decimals)
		collateral.Add(collateral, suppliedBase)
		weightedLTV.Add(weightedLTV, new(big.Int).Mul(suppliedBase, new(big.Int).SetUint64(rs.cfg.LTVBps)))
		weightedThreshold.Add(weightedThreshold, new(big.Int).Mul(suppliedBase, new(big.Int).SetUint64(rs.cfg.LiquidationThresholdBps)))
		debt.Add(debt, toBase(owed, rs.cfg.Decimals, price.Value, price.Decimals))
	}

	ltv := big.NewInt(0)
	threshold := big.NewInt(0)
	if collateral.Sign() > 0 {
		ltv.Quo(weightedLTV, collateral)
		threshold.Quo(weightedThreshold, collateral)
	}
	available := new(big.Int).Mul(collateral, ltv)
	available.Quo(available, basisPoints)
	available.Sub(available, debt)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	health := new(big.Int).Set(maxUint)
	if debt.Sign() > 0 {
		health = new(big.Int).Mul(weightedThreshold, wad)
		health.Quo(health, basisPoints)
		health.Quo(health, debt)
	}
	return vault.AccountData{
		TotalCollateralBase:         collateral,
		TotalDebtBase:               debt,
		AvailableBorrowsBase:        available,
		CurrentLiquidationThreshold: threshold,
		LTV:                         ltv,
		HealthFactor:                health,
	}, nil
}
