package oracle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"

	"cruize/native/vault"
	"cruize/observability"
)

// futureSkew tolerates sources whose clocks run slightly ahead.
const futureSkew = 5 * time.Second

// ErrUnknownFeed is returned for feeds the manager does not aggregate.
var ErrUnknownFeed = errors.New("oracle: unknown feed")

// Feed is a price feed answered by the median of its sources.
type Feed struct {
	Address  common.Address
	Decimals uint8
	Sources  []Source
}

// Manager orchestrates periodic aggregation across configured feeds and
// serves the latest medians to the vault.
type Manager struct {
	logger   *slog.Logger
	store    *Store
	metrics  *observability.VaultMetrics
	feeds    []Feed
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	once     sync.Once

	mu     sync.RWMutex
	latest map[common.Address]vault.Price
}

var _ vault.PriceOracle = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records every published median.
func WithMetrics(metrics *observability.VaultMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a manager instance.
func New(store *Store, feeds []Feed, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("oracle: storage required")
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("oracle: at least one feed required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("oracle: interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	for _, feed := range feeds {
		if len(feed.Sources) == 0 {
			return nil, fmt.Errorf("oracle: feed %s has no sources", feed.Address.Hex())
		}
	}
	mgr := &Manager{
		logger:   slog.Default(),
		store:    store,
		feeds:    append([]Feed{}, feeds...),
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		now:      time.Now,
		latest:   make(map[common.Address]vault.Price),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Run blocks, periodically polling sources until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("oracle: manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", slog.Int("feeds", len(m.feeds)))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle. Every feed is attempted; the
// first failure is returned.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("oracle: manager not configured")
	}
	var first error
	for _, feed := range m.feeds {
		if err := m.processFeed(ctx, feed); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) processFeed(ctx context.Context, feed Feed) error {
	now := m.now()
	values := make([]*big.Int, 0, len(feed.Sources))
	feeders := make([]string, 0, len(feed.Sources))
	var newest time.Time
	for _, src := range feed.Sources {
		if src == nil {
			continue
		}
		log := m.logger.With(slog.String("feed", feed.Address.Hex()), slog.String("source", src.Name()))
		quote, err := src.Fetch(ctx)
		if err != nil {
			log.Warn("oracle source failed", slog.Any("error", err))
			continue
		}
		if quote.Value == nil || quote.Value.Sign() <= 0 {
			log.Warn("oracle source returned invalid value")
			continue
		}
		if quote.Timestamp.After(now.Add(futureSkew)) {
			log.Warn("oracle source produced future timestamp")
			continue
		}
		if quote.Timestamp.Before(now.Add(-m.maxAge)) {
			log.Warn("oracle source quote expired", slog.Time("observed_at", quote.Timestamp))
			continue
		}
		if err := m.store.RecordSample(ctx, feed.Address.Hex(), src.Name(), quote, now); err != nil {
			log.Warn("record oracle sample failed", slog.Any("error", err))
		}
		values = append(values, rescale(quote.Value, quote.Decimals, feed.Decimals))
		feeders = append(feeders, src.Name())
		if quote.Timestamp.After(newest) {
			newest = quote.Timestamp
		}
	}
	if len(values) < m.minFeeds {
		return fmt.Errorf("oracle: insufficient feeds for %s: %d of %d", feed.Address.Hex(), len(values), m.minFeeds)
	}
	median := computeMedian(values)
	if median == nil || median.Sign() <= 0 {
		return fmt.Errorf("oracle: median computation failed for %s", feed.Address.Hex())
	}
	snap := Snapshot{
		Feed:       feed.Address.Hex(),
		Median:     median.String(),
		Decimals:   feed.Decimals,
		Feeders:    strings.Join(feeders, ","),
		ProofID:    proofID(feed.Address, median, feeders, newest),
		ObservedAt: newest.UTC(),
	}
	if err := m.store.RecordSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("oracle: record snapshot: %w", err)
	}
	price := vault.Price{Value: median, Decimals: feed.Decimals, UpdatedAt: newest}
	m.mu.Lock()
	m.latest[feed.Address] = price
	m.mu.Unlock()
	m.metrics.RecordPrice(feed.Address.Hex(), median, feed.Decimals, now.Sub(newest))
	return nil
}

// Price returns the latest median for feed. Before the first aggregation in
// this process the persisted snapshot is served.
func (m *Manager) Price(ctx context.Context, feed common.Address) (vault.Price, error) {
	if m == nil {
		return vault.Price{}, vault.ErrOracleUnavailable
	}
	m.mu.RLock()
	price, ok := m.latest[feed]
	m.mu.RUnlock()
	if ok {
		return vault.Price{Value: new(big.Int).Set(price.Value), Decimals: price.Decimals, UpdatedAt: price.UpdatedAt}, nil
	}
	if !m.knows(feed) {
		return vault.Price{}, fmt.Errorf("%w: %s", ErrUnknownFeed, feed.Hex())
	}
	snap, err := m.store.LatestSnapshot(ctx, feed.Hex())
	if err != nil {
		return vault.Price{}, err
	}
	value, ok := new(big.Int).SetString(snap.Median, 10)
	if !ok {
		return vault.Price{}, fmt.Errorf("oracle: corrupt snapshot %d", snap.ID)
	}
	return vault.Price{Value: value, Decimals: snap.Decimals, UpdatedAt: snap.ObservedAt}, nil
}

func (m *Manager) knows(feed common.Address) bool {
	for _, f := range m.feeds {
		if f.Address == feed {
			return true
		}
	}
	return false
}

func computeMedian(values []*big.Int) *big.Int {
	if len(values) == 0 {
		return nil
	}
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewInt(2))
}

func proofID(feed common.Address, median *big.Int, feeders []string, ts time.Time) string {
	digest := blake3.New(32, nil)
	digest.Write(feed.Bytes())
	digest.Write([]byte(median.String()))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
