package lending

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cruize/native/vault"
)

var (
	vaultAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	lpAccount    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	usdcAsset    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	wbtcAsset    = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	ethFeed      = common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
	usdcFeed     = common.HexToAddress("0x8fFfFfd4AfB6115b954Bd326cbe7B4BA576818f6")
	wbtcFeed     = common.HexToAddress("0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c")
)

type fixedOracle map[common.Address]*big.Int

func (o fixedOracle) Price(_ context.Context, feed common.Address) (vault.Price, error) {
	value, ok := o[feed]
	if !ok {
		return vault.Price{}, errors.New("unknown feed")
	}
	return vault.Price{Value: new(big.Int).Set(value), Decimals: 8, UpdatedAt: time.Unix(1_700_000_000, 0)}, nil
}

func units(value int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(value), pow10(decimals))
}

type testMarket struct {
	*SimMarket
	now time.Time
}

func newTestMarket(t *testing.T) *testMarket {
	t.Helper()
	oracle := fixedOracle{
		ethFeed:  units(2_000, 8),
		usdcFeed: units(1, 8),
		wbtcFeed: units(30_000, 8),
	}
	tm := &testMarket{SimMarket: NewSimMarket(vaultAccount, oracle), now: time.Unix(1_700_000_000, 0)}
	tm.SetClock(func() time.Time { return tm.now })
	listings := []ReserveConfig{
		{Asset: vault.NativeAsset, Oracle: ethFeed, Decimals: 18, LTVBps: 8_000, LiquidationThresholdBps: 8_500, ReserveFactorBps: 1_000, BorrowingEnabled: true},
		{Asset: usdcAsset, Oracle: usdcFeed, Decimals: 6, LTVBps: 7_500, LiquidationThresholdBps: 8_000, ReserveFactorBps: 1_000, BorrowingEnabled: true},
		{Asset: wbtcAsset, Oracle: wbtcFeed, Decimals: 8, LTVBps: 7_000, LiquidationThresholdBps: 7_500, ReserveFactorBps: 2_000},
	}
	for _, cfg := range listings {
		if err := tm.ListReserve(cfg); err != nil {
			t.Fatalf("list reserve %s: %v", cfg.Asset.Hex(), err)
		}
	}
	return tm
}

func expectAmount(t *testing.T, label string, got, want *big.Int) {
	t.Helper()
	if got == nil || got.Cmp(want) != 0 {
		t.Fatalf("%s: expected %s, got %v", label, want, got)
	}
}

func TestListReserveValidation(t *testing.T) {
	tm := newTestMarket(t)
	if err := tm.ListReserve(ReserveConfig{Asset: usdcAsset, LTVBps: 1, LiquidationThresholdBps: 1}); !errors.Is(err, errReserveAlreadyListed) {
		t.Fatalf("expected errReserveAlreadyListed, got %v", err)
	}
	bad := ReserveConfig{Asset: common.HexToAddress("0x01"), LTVBps: 9_000, LiquidationThresholdBps: 8_000}
	if err := tm.ListReserve(bad); !errors.Is(err, errInvalidConfig) {
		t.Fatalf("expected errInvalidConfig, got %v", err)
	}
	if err := tm.Supply(context.Background(), common.HexToAddress("0x02"), big.NewInt(1), vaultAccount); !errors.Is(err, errReserveNotListed) {
		t.Fatalf("expected errReserveNotListed, got %v", err)
	}
	if err := tm.Supply(context.Background(), usdcAsset, big.NewInt(0), vaultAccount); !errors.Is(err, errInvalidAmount) {
		t.Fatalf("expected errInvalidAmount, got %v", err)
	}
}

func TestSupplyAndWithdraw(t *testing.T) {
	tm := newTestMarket(t)
	ctx := context.Background()
	if err := tm.Supply(ctx, vault.NativeAsset, units(10, 18), vaultAccount); err != nil {
		t.Fatalf("supply: %v", err)
	}
	released, err := tm.Withdraw(ctx, vault.NativeAsset, units(4, 18), vaultAccount)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	expectAmount(t, "released", released, units(4, 18))
	balance, err := tm.SupplyBalance(ctx, vault.NativeAsset, vaultAccount)
	if err != nil {
		t.Fatalf("supply balance: %v", err)
	}
	expectAmount(t, "remaining supply", balance, units(6, 18))

	released, err = tm.Withdraw(ctx, vault.NativeAsset, vault.MaxAmount, vaultAccount)
	if err != nil {
		t.Fatalf("withdraw all: %v", err)
	}
	expectAmount(t, "withdraw all", released, units(6, 18))
	if _, err := tm.Withdraw(ctx, vault.NativeAsset, big.NewInt(1), vaultAccount); !errors.Is(err, errInsufficientSupply) {
		t.Fatalf("expected errInsufficientSupply, got %v", err)
	}
}

func TestSupplyCap(t *testing.T) {
	tm := newTestMarket(t)
	capped := common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	if err := tm.ListReserve(ReserveConfig{Asset: capped, Oracle: usdcFeed, Decimals: 18, LTVBps: 7_000, LiquidationThresholdBps: 8_000, SupplyCap: units(100, 18)}); err != nil {
		t.Fatalf("list: %v", err)
	}
	ctx := context.Background()
	if err := tm.Supply(ctx, capped, units(100, 18), lpAccount); err != nil {
		t.Fatalf("supply to cap: %v", err)
	}
	if err := tm.Supply(ctx, capped, big.NewInt(1), lpAccount); !errors.Is(err, errSupplyCapExceeded) {
		t.Fatalf("expected errSupplyCapExceeded, got %v", err)
	}
}

func TestBorrowAgainstCollateral(t *testing.T) {
	tm := newTestMarket(t)
	ctx := context.Background()
	if err := tm.Supply(ctx, usdcAsset, units(50_000, 6), lpAccount); err != nil {
		t.Fatalf("lp supply: %v", err)
	}
	if err := tm.Supply(ctx, vault.NativeAsset, units(10, 18), vaultAccount); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	data, err := tm.UserAccountData(ctx, vaultAccount)
	if err != nil {
		t.Fatalf("account data: %v", err)
	}
	expectAmount(t, "collateral", data.TotalCollateralBase, units(20_000, 8))
	expectAmount(t, "available", data.AvailableBorrowsBase, units(16_000, 8))
	expectAmount(t, "ltv", data.LTV, big.NewInt(8_000))
	expectAmount(t, "health without debt", data.HealthFactor, vault.MaxAmount)

	if err := tm.Borrow(ctx, usdcAsset, units(10_000, 6), vaultAccount); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	data, err = tm.UserAccountData(ctx, vaultAccount)
	if err != nil {
		t.Fatalf("account data: %v", err)
	}
	expectAmount(t, "debt", data.TotalDebtBase, units(10_000, 8))
	expectAmount(t, "available after borrow", data.AvailableBorrowsBase, units(6_000, 8))
	expectAmount(t, "health", data.HealthFactor, mustBigInt("1700000000000000000"))

	if err := tm.Borrow(ctx, usdcAsset, units(7_000, 6), vaultAccount); !errors.Is(err, errBorrowExceedsCapacity) {
		t.Fatalf("expected errBorrowExceedsCapacity, got %v", err)
	}
	if err := tm.Borrow(ctx, wbtcAsset, big.NewInt(1), vaultAccount); !errors.Is(err, errBorrowingDisabled) {
		t.Fatalf("expected errBorrowingDisabled, got %v", err)
	}
	if _, err := tm.Withdraw(ctx, vault.NativeAsset, vault.MaxAmount, vaultAccount); !errors.Is(err, errHealthFactorViolation) {
		t.Fatalf("expected errHealthFactorViolation, got %v", err)
	}
	balance, err := tm.SupplyBalance(ctx, vault.NativeAsset, vaultAccount)
	if err != nil {
		t.Fatalf("supply balance: %v", err)
	}
	expectAmount(t, "collateral restored", balance, units(10, 18))
}

func TestDebtAccruesAndRepays(t *testing.T) {
	tm := newTestMarket(t)
	ctx := context.Background()
	if err := tm.Supply(ctx, usdcAsset, units(50_000, 6), lpAccount); err != nil {
		t.Fatalf("lp supply: %v", err)
	}
	if err := tm.Supply(ctx, vault.NativeAsset, units(10, 18), vaultAccount); err != nil {
		t.Fatalf("collateral supply: %v", err)
	}
	if err := tm.Borrow(ctx, usdcAsset, units(10_000, 6), vaultAccount); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	tm.now = tm.now.Add(365 * 24 * time.Hour)
	debt, err := tm.DebtBalance(ctx, usdcAsset, vaultAccount)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	// 20% utilisation on the default curve borrows at roughly 5% APR.
	if debt.Cmp(units(10_499, 6)) < 0 || debt.Cmp(units(10_501, 6)) > 0 {
		t.Fatalf("expected about 10500 USDC of debt, got %s", debt)
	}
	lpBalance, err := tm.SupplyBalance(ctx, usdcAsset, lpAccount)
	if err != nil {
		t.Fatalf("lp balance: %v", err)
	}
	if lpBalance.Cmp(units(50_000, 6)) <= 0 {
		t.Fatalf("expected supplier interest, got %s", lpBalance)
	}

	paid, err := tm.Repay(ctx, usdcAsset, vault.MaxAmount, vaultAccount)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	expectAmount(t, "repaid", paid, debt)
	remaining, err := tm.DebtBalance(ctx, usdcAsset, vaultAccount)
	if err != nil {
		t.Fatalf("debt after repay: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Fatalf("expected debt cleared, got %s", remaining)
	}
	if _, err := tm.Repay(ctx, usdcAsset, big.NewInt(1), vaultAccount); !errors.Is(err, errNoDebtToRepay) {
		t.Fatalf("expected errNoDebtToRepay, got %v", err)
	}

	snapshot := tm.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected three reserves, got %d", len(snapshot))
	}
	for _, rs := range snapshot {
		if rs.Asset == usdcAsset && rs.TotalBorrowed.Sign() != 0 {
			t.Fatalf("expected no outstanding USDC borrows, got %s", rs.TotalBorrowed)
		}
	}
}

func TestReserveDataDerivesTokens(t *testing.T) {
	tm := newTestMarket(t)
	data, err := tm.ReserveData(context.Background(), wbtcAsset)
	if err != nil {
		t.Fatalf("reserve data: %v", err)
	}
	if data.ATokenAddress == data.VariableDebtTokenAddress || data.ATokenAddress == (common.Address{}) {
		t.Fatalf("unexpected token addresses: %+v", data)
	}
	again, _ := tm.ReserveData(context.Background(), wbtcAsset)
	if again != data {
		t.Fatalf("token addresses must be stable")
	}
}
