package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cruize/core/events"
)

type memState struct {
	cfg      *Config
	reserves map[common.Address]*Reserve
	order    []common.Address
	tokens   map[common.Address]common.Address
	ledgers  map[common.Address]*Ledger
	ints     map[string]*big.Int
}

func newMemState() *memState {
	return &memState{
		reserves: make(map[common.Address]*Reserve),
		tokens:   make(map[common.Address]common.Address),
		ledgers:  make(map[common.Address]*Ledger),
		ints:     make(map[string]*big.Int),
	}
}

func (m *memState) clone() *memState {
	out := newMemState()
	out.cfg = m.cfg.Clone()
	for k, v := range m.reserves {
		out.reserves[k] = v.Clone()
	}
	out.order = append(out.order, m.order...)
	for k, v := range m.tokens {
		out.tokens[k] = v
	}
	for k, v := range m.ledgers {
		out.ledgers[k] = v.Clone()
	}
	for k, v := range m.ints {
		out.ints[k] = new(big.Int).Set(v)
	}
	return out
}

func (m *memState) Config() (*Config, error) {
	if m.cfg == nil {
		return &Config{}, nil
	}
	return m.cfg.Clone(), nil
}

func (m *memState) PutConfig(cfg *Config) error {
	m.cfg = cfg.Clone()
	return nil
}

func (m *memState) Reserve(asset common.Address) (*Reserve, bool, error) {
	r, ok := m.reserves[asset]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *memState) PutReserve(reserve *Reserve) error {
	if _, ok := m.reserves[reserve.Asset]; !ok {
		m.order = append(m.order, reserve.Asset)
	}
	m.reserves[reserve.Asset] = reserve.Clone()
	m.tokens[reserve.Token] = reserve.Asset
	return nil
}

func (m *memState) ReserveAssets() ([]common.Address, error) {
	return append([]common.Address(nil), m.order...), nil
}

func (m *memState) AssetForToken(token common.Address) (common.Address, bool, error) {
	asset, ok := m.tokens[token]
	return asset, ok, nil
}

func (m *memState) Ledger(asset common.Address) (*Ledger, error) {
	if l, ok := m.ledgers[asset]; ok {
		return l.Clone(), nil
	}
	return &Ledger{}, nil
}

func (m *memState) PutLedger(asset common.Address, ledger *Ledger) error {
	m.ledgers[asset] = ledger.Clone()
	return nil
}

func (m *memState) getInt(key string) (*big.Int, error) {
	if v, ok := m.ints[key]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m *memState) putInt(key string, v *big.Int) error {
	if v.Sign() < 0 {
		return fmt.Errorf("negative value for %s", key)
	}
	m.ints[key] = new(big.Int).Set(v)
	return nil
}

func (m *memState) TokenBalance(token, holder common.Address) (*big.Int, error) {
	return m.getInt("bal/" + token.Hex() + "/" + holder.Hex())
}

func (m *memState) PutTokenBalance(token, holder common.Address, amount *big.Int) error {
	return m.putInt("bal/"+token.Hex()+"/"+holder.Hex(), amount)
}

func (m *memState) TokenSupply(token common.Address) (*big.Int, error) {
	return m.getInt("supply/" + token.Hex())
}

func (m *memState) PutTokenSupply(token common.Address, amount *big.Int) error {
	return m.putInt("supply/"+token.Hex(), amount)
}

func (m *memState) Allowance(token, owner, spender common.Address) (*big.Int, error) {
	return m.getInt("allow/" + token.Hex() + "/" + owner.Hex() + "/" + spender.Hex())
}

func (m *memState) PutAllowance(token, owner, spender common.Address, amount *big.Int) error {
	return m.putInt("allow/"+token.Hex()+"/"+owner.Hex()+"/"+spender.Hex(), amount)
}

func (m *memState) Balance(asset, holder common.Address) (*big.Int, error) {
	return m.getInt("custody/" + asset.Hex() + "/" + holder.Hex())
}

func (m *memState) PutBalance(asset, holder common.Address, amount *big.Int) error {
	return m.putInt("custody/"+asset.Hex()+"/"+holder.Hex(), amount)
}

type memStore struct {
	mu sync.Mutex
	st *memState
}

func newMemStore() *memStore { return &memStore{st: newMemState()} }

func (s *memStore) View(fn func(State) error) error {
	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()
	return fn(snapshot)
}

func (s *memStore) Update(fn func(State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.st.clone()
	if err := fn(staged); err != nil {
		return err
	}
	s.st = staged
	return nil
}

type fakeMarket struct {
	supplied      map[common.Address]*big.Int
	debt          map[common.Address]*big.Int
	availableBase *big.Int
	failSupply    error
	failWithdraw  error
	shortWithdraw bool
	supplyCalls   int
	withdrawCalls int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		supplied:      make(map[common.Address]*big.Int),
		debt:          make(map[common.Address]*big.Int),
		availableBase: big.NewInt(0),
	}
}

func (m *fakeMarket) Supply(_ context.Context, asset common.Address, amount *big.Int, _ common.Address) error {
	m.supplyCalls++
	if m.failSupply != nil {
		return m.failSupply
	}
	current := zeroIfNil(m.supplied[asset])
	m.supplied[asset] = new(big.Int).Add(current, amount)
	return nil
}

func (m *fakeMarket) Withdraw(_ context.Context, asset common.Address, amount *big.Int, _ common.Address) (*big.Int, error) {
	m.withdrawCalls++
	if m.failWithdraw != nil {
		return nil, m.failWithdraw
	}
	current := zeroIfNil(m.supplied[asset])
	if current.Cmp(amount) < 0 {
		return nil, errors.New("fake market: insufficient supply")
	}
	m.supplied[asset] = new(big.Int).Sub(current, amount)
	if m.shortWithdraw {
		return new(big.Int).Sub(amount, big.NewInt(1)), nil
	}
	return new(big.Int).Set(amount), nil
}

func (m *fakeMarket) Borrow(_ context.Context, asset common.Address, amount *big.Int, _ common.Address) error {
	current := zeroIfNil(m.debt[asset])
	m.debt[asset] = new(big.Int).Add(current, amount)
	return nil
}

func (m *fakeMarket) Repay(_ context.Context, asset common.Address, amount *big.Int, _ common.Address) (*big.Int, error) {
	current := zeroIfNil(m.debt[asset])
	repaid := minInt(current, amount)
	m.debt[asset] = new(big.Int).Sub(current, repaid)
	return repaid, nil
}

func (m *fakeMarket) ReserveData(_ context.Context, asset common.Address) (ReserveData, error) {
	return ReserveData{
		ATokenAddress:            common.BytesToAddress(append([]byte{0xa0}, asset.Bytes()[1:]...)),
		VariableDebtTokenAddress: common.BytesToAddress(append([]byte{0xd0}, asset.Bytes()[1:]...)),
	}, nil
}

func (m *fakeMarket) UserAccountData(context.Context, common.Address) (AccountData, error) {
	return AccountData{AvailableBorrowsBase: new(big.Int).Set(m.availableBase)}, nil
}

func (m *fakeMarket) DebtBalance(_ context.Context, asset, _ common.Address) (*big.Int, error) {
	return new(big.Int).Set(zeroIfNil(m.debt[asset])), nil
}

type staticOracle struct {
	prices map[common.Address]Price
}

func (o *staticOracle) Price(_ context.Context, feed common.Address) (Price, error) {
	price, ok := o.prices[feed]
	if !ok {
		return Price{}, errors.New("static oracle: unknown feed")
	}
	return price, nil
}

func makeAddress(b byte) common.Address {
	var addr common.Address
	addr[common.AddressLength-1] = b
	return addr
}

func ether(whole int64, tenths int64) *big.Int {
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	v := new(big.Int).Mul(big.NewInt(whole*10+tenths), unit)
	return v
}

func units(value int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(value), pow10(decimals))
}

var (
	vaultAddr  = makeAddress(0xAA)
	ownerAddr  = makeAddress(0x01)
	userAddr   = makeAddress(0x02)
	otherAddr  = makeAddress(0x03)
	feeAddr    = makeAddress(0x04)
	ethOracle  = common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
	wbtcAsset  = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	wbtcOracle = common.HexToAddress("0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c")
	usdcAsset  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

type harness struct {
	engine   *Engine
	store    *memStore
	market   *fakeMarket
	adapter  *Adapter
	oracle   *staticOracle
	recorder *events.Recorder
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		market:   newFakeMarket(),
		oracle:   &staticOracle{prices: map[common.Address]Price{}},
		recorder: &events.Recorder{},
		now:      time.Unix(1_700_000_000, 0),
	}
	h.adapter = NewAdapter(ownerAddr, h.market, AdapterConfig{
		Account:        vaultAddr,
		StableAsset:    usdcAsset,
		StableDecimals: 6,
		BorrowBps:      5_000,
	})
	if err := h.adapter.TransferOwnership(ownerAddr, vaultAddr); err != nil {
		t.Fatalf("transfer adapter ownership: %v", err)
	}
	h.engine = NewEngine(h.store)
	h.engine.SetAdapter(h.adapter)
	h.engine.SetOracle(h.oracle)
	h.engine.SetEmitter(h.recorder)
	h.engine.SetClock(func() time.Time { return h.now })
	if err := h.engine.Initialize(InitParams{Vault: vaultAddr, Owner: ownerAddr, FeeCollector: feeAddr, BufferBps: 1_000}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h.oracle.prices[ethOracle] = Price{Value: units(2_000, 8), Decimals: 8, UpdatedAt: h.now}
	h.oracle.prices[wbtcOracle] = Price{Value: units(30_000, 8), Decimals: 8, UpdatedAt: h.now}
	h.recorder.Reset()
	return h
}

func (h *harness) createETH(t *testing.T) *Reserve {
	t.Helper()
	reserve, err := h.engine.CreateReserve(ownerAddr, ReserveParams{
		Name: "Cruize ETH", Symbol: "crETH", Asset: NativeAsset, Oracle: ethOracle,
		Decimals: 18, PriceFloor: big.NewInt(100),
	})
	if err != nil {
		t.Fatalf("create ETH reserve: %v", err)
	}
	return reserve
}

func (h *harness) createWBTC(t *testing.T) *Reserve {
	t.Helper()
	reserve, err := h.engine.CreateReserve(ownerAddr, ReserveParams{
		Name: "Cruize WBTC", Symbol: "crWBTC", Asset: wbtcAsset, Oracle: wbtcOracle,
		Decimals: 8, PriceFloor: big.NewInt(3_000),
	})
	if err != nil {
		t.Fatalf("create WBTC reserve: %v", err)
	}
	return reserve
}

func (h *harness) fund(t *testing.T, asset, holder common.Address, amount *big.Int) {
	t.Helper()
	if err := h.engine.Credit(ownerAddr, asset, holder, amount); err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func (h *harness) ledger(t *testing.T, asset common.Address) *Ledger {
	t.Helper()
	ledger, err := h.engine.ReserveState(asset)
	if err != nil {
		t.Fatalf("reserve state: %v", err)
	}
	return ledger
}

func (h *harness) balanceOf(t *testing.T, token, holder common.Address) *big.Int {
	t.Helper()
	balance, err := h.engine.BalanceOf(token, holder)
	if err != nil {
		t.Fatalf("balance of: %v", err)
	}
	return balance
}

func (h *harness) custody(t *testing.T, asset, holder common.Address) *big.Int {
	t.Helper()
	balance, err := h.engine.CustodyBalance(asset, holder)
	if err != nil {
		t.Fatalf("custody balance: %v", err)
	}
	return balance
}

func expectInt(t *testing.T, label string, got, want *big.Int) {
	t.Helper()
	if got == nil || got.Cmp(want) != 0 {
		t.Fatalf("%s: want %s, got %v", label, want, got)
	}
}
