package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"cruize/core/events"
)

func TestPayFeeDilutesHolders(t *testing.T) {
	h := newHarness(t)
	reserve := h.createETH(t)
	h.fund(t, NativeAsset, userAddr, ether(10, 0))
	h.fund(t, NativeAsset, otherAddr, ether(10, 0))
	ctx := context.Background()

	if _, err := h.engine.Deposit(ctx, userAddr, NativeAsset, ether(1, 0), ether(1, 0)); err != nil {
		t.Fatalf("deposit user: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, otherAddr, NativeAsset, ether(1, 0), ether(1, 0)); err != nil {
		t.Fatalf("deposit other: %v", err)
	}
	h.now = h.now.Add(10 * 24 * time.Hour)
	h.recorder.Reset()

	backing, err := h.engine.PayFee(ctx, ownerAddr, NativeAsset, ether(0, 2))
	if err != nil {
		t.Fatalf("pay fee: %v", err)
	}
	expectInt(t, "backing", backing, ether(1, 8))
	supply, err := h.engine.TotalSupply(reserve.Token)
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	expectInt(t, "supply unchanged", supply, ether(2, 0))
	expectInt(t, "collector custody", h.custody(t, NativeAsset, feeAddr), ether(0, 2))

	ledger := h.ledger(t, NativeAsset)
	expectInt(t, "buffer drained first", ledger.Buffer, big.NewInt(0))
	expectInt(t, "fees paid", ledger.FeesPaid, ether(0, 2))

	pos, err := h.engine.Position(NativeAsset, userAddr)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	expectInt(t, "user redeemable", pos.Redeemable, ether(0, 9))

	fees := h.recorder.OfType(events.TypeFeePaid)
	if len(fees) != 1 {
		t.Fatalf("expected one fee event, got %d", len(fees))
	}

	// New deposits are priced against the diluted backing.
	minted, err := h.engine.Deposit(ctx, userAddr, NativeAsset, ether(0, 9), ether(0, 9))
	if err != nil {
		t.Fatalf("deposit after fee: %v", err)
	}
	expectInt(t, "minted after fee", minted, ether(1, 0))

	result, err := h.engine.Withdraw(ctx, otherAddr, NativeAsset, ether(1, 0))
	if err != nil {
		t.Fatalf("withdraw after fee: %v", err)
	}
	expectInt(t, "paid after fee", result.Paid, ether(0, 9))
}

func TestPayFeeValidation(t *testing.T) {
	h := newHarness(t)
	h.createETH(t)
	h.fund(t, NativeAsset, userAddr, ether(1, 0))
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, userAddr, NativeAsset, ether(1, 0), ether(1, 0)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := h.engine.PayFee(ctx, userAddr, NativeAsset, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.PayFee(ctx, ownerAddr, NativeAsset, big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	if _, err := h.engine.PayFee(ctx, ownerAddr, usdcAsset, big.NewInt(1)); !errors.Is(err, ErrAssetNotAllowed) {
		t.Fatalf("expected ErrAssetNotAllowed, got %v", err)
	}
	if _, err := h.engine.PayFee(ctx, ownerAddr, NativeAsset, ether(2, 0)); !errors.Is(err, ErrInsufficientBacking) {
		t.Fatalf("expected ErrInsufficientBacking, got %v", err)
	}
	expectInt(t, "backing untouched", h.ledger(t, NativeAsset).Backing(), ether(1, 0))
}

func TestAccrueManagementFee(t *testing.T) {
	h := newHarness(t)
	h.createETH(t)
	h.fund(t, NativeAsset, userAddr, ether(10, 0))
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, userAddr, NativeAsset, ether(10, 0), ether(10, 0)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	h.now = h.now.Add(365 * 24 * time.Hour)
	charged, err := h.engine.AccrueManagementFee(ctx, ownerAddr, NativeAsset, 200)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	expectInt(t, "annual fee", charged, ether(0, 2))
	expectInt(t, "backing after fee", h.ledger(t, NativeAsset).Backing(), ether(9, 8))

	// A second accrual at the same instant charges nothing.
	charged, err = h.engine.AccrueManagementFee(ctx, ownerAddr, NativeAsset, 200)
	if err != nil {
		t.Fatalf("repeat accrue: %v", err)
	}
	if charged.Sign() != 0 {
		t.Fatalf("expected zero repeat charge, got %s", charged)
	}
	if _, err := h.engine.AccrueManagementFee(ctx, userAddr, NativeAsset, 200); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPayFeeKeepsBackingWhileSharesOutstanding(t *testing.T) {
	h := newHarness(t)
	h.createETH(t)
	h.fund(t, NativeAsset, userAddr, ether(1, 0))
	h.fund(t, NativeAsset, otherAddr, ether(1, 0))
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, userAddr, NativeAsset, ether(1, 0), ether(1, 0)); err != nil {
		t.Fatalf("deposit user: %v", err)
	}

	if _, err := h.engine.PayFee(ctx, ownerAddr, NativeAsset, ether(1, 0)); !errors.Is(err, ErrInsufficientBacking) {
		t.Fatalf("expected ErrInsufficientBacking for a full sweep, got %v", err)
	}
	expectInt(t, "backing untouched", h.ledger(t, NativeAsset).Backing(), ether(1, 0))

	almostAll := new(big.Int).Sub(ether(1, 0), big.NewInt(1))
	backing, err := h.engine.PayFee(ctx, ownerAddr, NativeAsset, almostAll)
	if err != nil {
		t.Fatalf("pay fee: %v", err)
	}
	expectInt(t, "residual backing", backing, big.NewInt(1))

	if _, err := h.engine.Deposit(ctx, otherAddr, NativeAsset, ether(1, 0), ether(1, 0)); err != nil {
		t.Fatalf("deposit other: %v", err)
	}
	pos, err := h.engine.Position(NativeAsset, otherAddr)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	expectInt(t, "new depositor keeps their deposit", pos.Redeemable, ether(1, 0))
}

func TestDepositRejectsUnbackedSupply(t *testing.T) {
	h := newHarness(t)
	h.createETH(t)
	h.fund(t, NativeAsset, userAddr, ether(1, 0))
	h.fund(t, NativeAsset, otherAddr, ether(1, 0))
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, userAddr, NativeAsset, ether(1, 0), ether(1, 0)); err != nil {
		t.Fatalf("deposit user: %v", err)
	}
	h.store.st.ledgers[NativeAsset] = &Ledger{Buffer: big.NewInt(0), Supplied: big.NewInt(0), FeesPaid: ether(1, 0)}

	if _, err := h.engine.Deposit(ctx, otherAddr, NativeAsset, ether(1, 0), ether(1, 0)); !errors.Is(err, ErrReserveDepleted) {
		t.Fatalf("expected ErrReserveDepleted, got %v", err)
	}
	expectInt(t, "custody untouched", h.custody(t, NativeAsset, otherAddr), ether(1, 0))
	if Reason(ErrReserveDepleted) != "ReserveDepleted" {
		t.Fatalf("unexpected reason %q", Reason(ErrReserveDepleted))
	}
}

func TestAccrueManagementFeeCapsAtBacking(t *testing.T) {
	h := newHarness(t)
	h.createETH(t)
	h.fund(t, NativeAsset, userAddr, ether(1, 0))
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, userAddr, NativeAsset, ether(1, 0), ether(1, 0)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	h.now = h.now.Add(2 * 365 * 24 * time.Hour)
	charged, err := h.engine.AccrueManagementFee(ctx, ownerAddr, NativeAsset, 10_000)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	expectInt(t, "capped fee", charged, new(big.Int).Sub(ether(1, 0), big.NewInt(1)))
	ledger := h.ledger(t, NativeAsset)
	expectInt(t, "residual backing", ledger.Backing(), big.NewInt(1))
	if ledger.LastFeeAt != uint64(h.now.Unix()) {
		t.Fatalf("last fee at: want %d, got %d", h.now.Unix(), ledger.LastFeeAt)
	}

	// Nothing left to charge, but the accrual clock still moves.
	h.now = h.now.Add(365 * 24 * time.Hour)
	charged, err = h.engine.AccrueManagementFee(ctx, ownerAddr, NativeAsset, 10_000)
	if err != nil {
		t.Fatalf("accrue on residual backing: %v", err)
	}
	if charged.Sign() != 0 {
		t.Fatalf("expected zero charge, got %s", charged)
	}
	if got := h.ledger(t, NativeAsset).LastFeeAt; got != uint64(h.now.Unix()) {
		t.Fatalf("last fee at: want %d, got %d", h.now.Unix(), got)
	}
}

func TestAccrueManagementFeeRejectsRateAboveFull(t *testing.T) {
	h := newHarness(t)
	h.createETH(t)
	h.fund(t, NativeAsset, userAddr, ether(1, 0))
	ctx := context.Background()
	if _, err := h.engine.Deposit(ctx, userAddr, NativeAsset, ether(1, 0), ether(1, 0)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	created := h.ledger(t, NativeAsset).LastFeeAt
	h.now = h.now.Add(24 * time.Hour)
	if _, err := h.engine.AccrueManagementFee(ctx, ownerAddr, NativeAsset, 10_001); !errors.Is(err, ErrInvalidFeeBps) {
		t.Fatalf("expected ErrInvalidFeeBps, got %v", err)
	}
	ledger := h.ledger(t, NativeAsset)
	if ledger.LastFeeAt != created {
		t.Fatalf("rejected accrual moved last fee at from %d to %d", created, ledger.LastFeeAt)
	}
	expectInt(t, "backing untouched", ledger.Backing(), ether(1, 0))
}
