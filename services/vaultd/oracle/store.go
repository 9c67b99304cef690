package oracle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultFilePragmas = "mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("oracle: storage path must be configured")
	// ErrNoSnapshot is returned before the first successful aggregation.
	ErrNoSnapshot = errors.New("oracle: snapshot not found")
)

// Sample is a raw answer from one source.
type Sample struct {
	ID         uint   `gorm:"primaryKey"`
	Feed       string `gorm:"size:42;index"`
	Source     string `gorm:"size:64"`
	Answer     string
	Decimals   uint8
	ObservedAt time.Time
	RecordedAt time.Time
}

// Snapshot is the aggregated median for a feed.
type Snapshot struct {
	ID         uint   `gorm:"primaryKey"`
	Feed       string `gorm:"size:42;index"`
	Median     string
	Decimals   uint8
	Feeders    string
	ProofID    string `gorm:"size:64"`
	ObservedAt time.Time
	RecordedAt time.Time
}

// Store persists oracle samples and snapshots.
type Store struct {
	db *gorm.DB
}

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// OpenStore opens the sqlite database at dsn and migrates the schema.
func OpenStore(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrPathRequired
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Sample{}, &Snapshot{}); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordSample persists a raw quote.
func (s *Store) RecordSample(ctx context.Context, feed, source string, q Quote, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if q.Value == nil {
		return fmt.Errorf("quote missing value")
	}
	row := Sample{
		Feed:       strings.ToLower(feed),
		Source:     strings.ToLower(source),
		Answer:     q.Value.String(),
		Decimals:   q.Decimals,
		ObservedAt: q.Timestamp.UTC(),
		RecordedAt: recorded.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// RecordSnapshot stores the aggregated median.
func (s *Store) RecordSnapshot(ctx context.Context, snap Snapshot) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	snap.Feed = strings.ToLower(snap.Feed)
	snap.RecordedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(&snap).Error; err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent median for feed.
func (s *Store) LatestSnapshot(ctx context.Context, feed string) (Snapshot, error) {
	var snap Snapshot
	if s == nil {
		return snap, fmt.Errorf("storage not configured")
	}
	err := s.db.WithContext(ctx).
		Where("feed = ?", strings.ToLower(feed)).
		Order("id DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return snap, ErrNoSnapshot
	}
	if err != nil {
		return snap, fmt.Errorf("query snapshot: %w", err)
	}
	return snap, nil
}

// PruneSamples deletes samples recorded before cutoff.
func (s *Store) PruneSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	res := s.db.WithContext(ctx).Where("recorded_at < ?", cutoff.UTC()).Delete(&Sample{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune samples: %w", res.Error)
	}
	return res.RowsAffected, nil
}
