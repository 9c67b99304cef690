package scheduler

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cruize/core/state"
	"cruize/native/vault"
	"cruize/storage"
)

var (
	owner  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	holder = common.HexToAddress("0x0000000000000000000000000000000000000002")
	vaultA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	asset  = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")
	feed   = common.HexToAddress("0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c")
)

func newEngine(t *testing.T, now *time.Time) *vault.Engine {
	t.Helper()
	engine := vault.NewEngine(state.NewVaultStore(storage.NewMemDB()))
	engine.SetClock(func() time.Time { return *now })
	require.NoError(t, engine.Initialize(vault.InitParams{Vault: vaultA, Owner: owner, BufferBps: 10_000}))
	_, err := engine.CreateReserve(owner, vault.ReserveParams{
		Name: "Cruize WBTC", Symbol: "crWBTC", Asset: asset, Oracle: feed, Decimals: 8,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Credit(owner, asset, holder, big.NewInt(1_000_000)))
	_, err = engine.Deposit(context.Background(), holder, asset, big.NewInt(1_000_000), nil)
	require.NoError(t, err)
	return engine
}

func TestTickChargesElapsedFee(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	engine := newEngine(t, &now)
	sched, err := NewFeeScheduler(engine, owner, 200, time.Hour)
	require.NoError(t, err)

	now = now.Add(365 * 24 * time.Hour)
	charged, err := sched.Tick(context.Background())
	require.NoError(t, err)
	require.Contains(t, charged, asset)
	assert.Equal(t, "20000", charged[asset].String())

	ledger, err := engine.ReserveState(asset)
	require.NoError(t, err)
	assert.Equal(t, "980000", ledger.Backing().String())
	assert.Equal(t, "20000", ledger.FeesPaid.String())

	// Same instant: nothing further accrues.
	charged, err = sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, charged[asset].Sign())
}

type failingVault struct {
	Vault
	reserves []*vault.Reserve
	calls    int
}

func (f *failingVault) Reserves() ([]*vault.Reserve, error) { return f.reserves, nil }

func (f *failingVault) AccrueManagementFee(context.Context, common.Address, common.Address, uint64) (*big.Int, error) {
	f.calls++
	if f.calls == 1 {
		return nil, vault.ErrUnauthorized
	}
	return big.NewInt(0), nil
}

func (f *failingVault) ReserveState(common.Address) (*vault.Ledger, error) {
	return &vault.Ledger{}, nil
}

func TestTickAttemptsEveryReserve(t *testing.T) {
	fv := &failingVault{reserves: []*vault.Reserve{
		{Asset: asset, Symbol: "crWBTC"},
		{Asset: vault.NativeAsset, Symbol: "crETH"},
	}}
	sched, err := NewFeeScheduler(fv, owner, 100, time.Minute)
	require.NoError(t, err)

	charged, err := sched.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, vault.ErrUnauthorized))
	assert.Equal(t, 2, fv.calls)
	assert.Contains(t, charged, vault.NativeAsset)
	assert.NotContains(t, charged, asset)
}

func TestNewFeeSchedulerValidates(t *testing.T) {
	_, err := NewFeeScheduler(nil, owner, 0, time.Minute)
	assert.Error(t, err)
	_, err = NewFeeScheduler(&failingVault{}, common.Address{}, 0, time.Minute)
	assert.Error(t, err)
	_, err = NewFeeScheduler(&failingVault{}, owner, 10_001, time.Minute)
	assert.Error(t, err)
	_, err = NewFeeScheduler(&failingVault{}, owner, 0, 0)
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	sched, err := NewFeeScheduler(&failingVault{}, owner, 0, time.Millisecond)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
