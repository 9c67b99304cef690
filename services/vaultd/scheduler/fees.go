package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cruize/native/vault"
	"cruize/observability"
)

// Vault is the subset of the engine the fee scheduler drives.
type Vault interface {
	Reserves() ([]*vault.Reserve, error)
	ReserveState(asset common.Address) (*vault.Ledger, error)
	AccrueManagementFee(ctx context.Context, caller, asset common.Address, feeBps uint64) (*big.Int, error)
}

// FeeScheduler periodically accrues the management fee on every reserve and
// publishes the resulting ledgers.
type FeeScheduler struct {
	vault    Vault
	owner    common.Address
	feeBps   uint64
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.VaultMetrics
}

// Option configures a FeeScheduler.
type Option func(*FeeScheduler)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *FeeScheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records accrual outcomes and ledger gauges.
func WithMetrics(m *observability.VaultMetrics) Option {
	return func(s *FeeScheduler) { s.metrics = m }
}

// NewFeeScheduler builds a scheduler acting as owner. A zero feeBps still
// runs, refreshing ledger gauges and the accrual checkpoint.
func NewFeeScheduler(v Vault, owner common.Address, feeBps uint64, interval time.Duration, opts ...Option) (*FeeScheduler, error) {
	if v == nil {
		return nil, fmt.Errorf("scheduler: vault required")
	}
	if owner == (common.Address{}) {
		return nil, fmt.Errorf("scheduler: owner required")
	}
	if feeBps > 10_000 {
		return nil, fmt.Errorf("scheduler: fee %d bps exceeds 100%%", feeBps)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive")
	}
	s := &FeeScheduler{
		vault:    v,
		owner:    owner,
		feeBps:   feeBps,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Run accrues on every interval until ctx is cancelled.
func (s *FeeScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("fee scheduler started",
		slog.Uint64("fee_bps", s.feeBps),
		slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("fee accrual failed", slog.Any("error", err))
			}
		}
	}
}

// Tick accrues once across all reserves and returns the total charged per
// asset. Every reserve is attempted; the first failure is returned.
func (s *FeeScheduler) Tick(ctx context.Context) (map[common.Address]*big.Int, error) {
	reserves, err := s.vault.Reserves()
	if err != nil {
		return nil, fmt.Errorf("scheduler: list reserves: %w", err)
	}
	charged := make(map[common.Address]*big.Int, len(reserves))
	var firstErr error
	for _, reserve := range reserves {
		if ctx.Err() != nil {
			return charged, ctx.Err()
		}
		start := time.Now()
		fee, err := s.vault.AccrueManagementFee(ctx, s.owner, reserve.Asset, s.feeBps)
		s.metrics.Observe("accrue_fee", time.Since(start), err)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("scheduler: accrue %s: %w", reserve.Symbol, err)
			}
			continue
		}
		charged[reserve.Asset] = fee
		if fee.Sign() > 0 {
			s.logger.Info("management fee accrued",
				slog.String("asset", reserve.Asset.Hex()),
				slog.String("symbol", reserve.Symbol),
				slog.String("amount", fee.String()))
		}
		ledger, err := s.vault.ReserveState(reserve.Asset)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("scheduler: ledger %s: %w", reserve.Symbol, err)
			}
			continue
		}
		s.metrics.RecordLedger(reserve.Asset.Hex(), ledger.Buffer, ledger.Supplied, ledger.FeesPaid)
	}
	return charged, firstErr
}
