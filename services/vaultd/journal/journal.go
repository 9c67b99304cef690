package journal

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"cruize/core/events"
	"cruize/core/types"
	"cruize/observability"
)

var (
	// ErrChainBroken is returned by Verify when an entry's hash does not
	// follow from its predecessor.
	ErrChainBroken = errors.New("journal: hash chain broken")
	// ErrUnknownDriver is returned by Open for unsupported databases.
	ErrUnknownDriver = errors.New("journal: unknown driver")
)

// genesisHash seeds the chain.
var genesisHash = strings.Repeat("0", 64)

// Entry is one committed vault event.
type Entry struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement:false" json:"seq"`
	ID         string    `gorm:"size:36;uniqueIndex" json:"id"`
	Type       string    `gorm:"size:64;index" json:"type"`
	Attributes string    `json:"attributes"`
	PrevHash   string    `gorm:"size:64" json:"prevHash"`
	Hash       string    `gorm:"size:64;uniqueIndex" json:"hash"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// TableName pins the table name across drivers.
func (Entry) TableName() string { return "vault_journal" }

// Event decodes the entry back into its attribute form.
func (e Entry) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if e.Attributes != "" {
		if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("journal: decode entry %d: %w", e.Seq, err)
		}
	}
	return &types.Event{Type: e.Type, Attributes: attrs}, nil
}

// Open connects to the journal database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates the journal table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}

// Journal appends vault events to a hash-chained table. It implements
// events.Emitter so it can be attached to the engine directly.
type Journal struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *observability.VaultMetrics
	now     func() time.Time

	mu       sync.Mutex
	headSeq  uint64
	headHash string
}

var _ events.Emitter = (*Journal)(nil)

// Option configures a Journal.
type Option func(*Journal)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithMetrics counts appends.
func WithMetrics(m *observability.VaultMetrics) Option {
	return func(j *Journal) { j.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

// New migrates the schema and resumes the chain from the last entry.
func New(ctx context.Context, db *gorm.DB, opts ...Option) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: slog.Default(), now: time.Now, headHash: genesisHash}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	var last Entry
	err := db.WithContext(ctx).Order("seq DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("journal: load head: %w", err)
	}
	if last.Seq > 0 {
		j.headSeq, j.headHash = last.Seq, last.Hash
	}
	return j, nil
}

// Head returns the sequence and hash of the last entry.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.headSeq, j.headHash
}

// Emit appends evt. Failures are logged and counted; the engine has already
// committed and cannot be unwound.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	_, err := j.Append(context.Background(), events.Render(evt))
	j.metrics.RecordJournalAppend(err)
	if err != nil {
		j.logger.Error("journal append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Append links evt to the chain and persists it.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (Entry, error) {
	if evt == nil {
		return Entry{}, fmt.Errorf("journal: nil event")
	}
	attrs, err := encodeAttributes(evt.Attributes)
	if err != nil {
		return Entry{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	entry := Entry{
		Seq:        j.headSeq + 1,
		ID:         uuid.NewString(),
		Type:       evt.Type,
		Attributes: attrs,
		PrevHash:   j.headHash,
		CreatedAt:  j.now().UTC(),
	}
	entry.Hash = chainHash(entry.PrevHash, entry.Type, entry.Attributes)
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return Entry{}, fmt.Errorf("journal: insert: %w", err)
	}
	j.headSeq, j.headHash = entry.Seq, entry.Hash
	return entry, nil
}

// List returns up to limit entries with Seq greater than after.
func (j *Journal) List(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var entries []Entry
	err := j.db.WithContext(ctx).Where("seq > ?", after).Order("seq ASC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return entries, nil
}

// Range returns entries created in [from, to).
func (j *Journal) Range(ctx context.Context, from, to time.Time) ([]Entry, error) {
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Order("seq ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: range: %w", err)
	}
	return entries, nil
}

// Verify walks the chain from genesis and returns the number of entries
// checked.
func (j *Journal) Verify(ctx context.Context) (int, error) {
	const batch = 500
	prev := genesisHash
	var (
		after   uint64
		checked int
	)
	for {
		entries, err := j.List(ctx, after, batch)
		if err != nil {
			return checked, err
		}
		for _, e := range entries {
			if e.Seq != after+1 {
				return checked, fmt.Errorf("%w: gap before seq %d", ErrChainBroken, e.Seq)
			}
			if e.PrevHash != prev {
				return checked, fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, e.Seq)
			}
			if chainHash(e.PrevHash, e.Type, e.Attributes) != e.Hash {
				return checked, fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, e.Seq)
			}
			prev, after = e.Hash, e.Seq
			checked++
		}
		if len(entries) < batch {
			return checked, nil
		}
	}
}

func chainHash(prev, typ, attrs string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write([]byte(typ))
	h.Write([]byte{0})
	h.Write([]byte(attrs))
	return hex.EncodeToString(h.Sum(nil))
}

// encodeAttributes produces a canonical encoding; map keys are sorted by
// encoding/json.
func encodeAttributes(attrs map[string]string) (string, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("journal: encode attributes: %w", err)
	}
	return string(raw), nil
}
