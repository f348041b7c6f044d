package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// FlushAttempt is one journaled ledger submission.
type FlushAttempt struct {
	ID        uint64 `gorm:"primaryKey"`
	BatchID   string `gorm:"size:36;index"`
	TrackID   uint64 `gorm:"index:idx_attempt_track_seq"`
	Seq       uint64 `gorm:"index:idx_attempt_track_seq"`
	Delta     uint64
	Outcome   string `gorm:"size:16;index"`
	TxRef     string `gorm:"size:80"`
	Error     string
	CreatedAt time.Time
}

// TrackCursor stores the last sequence confirmed per track for ledgers that
// cannot track sequences themselves.
type TrackCursor struct {
	TrackID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	LastSeq   uint64
	TxRef     string `gorm:"size:80"`
	UpdatedAt time.Time
}

// Journal records every flush submission in a SQL database.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenJournal opens driver ("sqlite" or "postgres") at dsn and migrates the
// schema.
func OpenJournal(driver, dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return NewJournal(db)
}

// NewJournal wraps an open database handle and migrates the schema.
func NewJournal(db *gorm.DB) (*Journal, error) {
	if err := db.AutoMigrate(&FlushAttempt{}, &TrackCursor{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record appends an attempt.
func (j *Journal) Record(ctx context.Context, attempt FlushAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = j.now().UTC()
	}
	return j.db.WithContext(ctx).Create(&attempt).Error
}

// Batch returns the attempts of one flush cycle in insertion order.
func (j *Journal) Batch(ctx context.Context, batchID string) ([]FlushAttempt, error) {
	var out []FlushAttempt
	err := j.db.WithContext(ctx).Where("batch_id = ?", batchID).Order("id").Find(&out).Error
	return out, err
}

// TrackHistory returns the latest attempts for trackID, newest first.
func (j *Journal) TrackHistory(ctx context.Context, trackID uint64, limit int) ([]FlushAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []FlushAttempt
	err := j.db.WithContext(ctx).Where("track_id = ?", trackID).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// LastSequence implements ledgerclient.Cursor.
func (j *Journal) LastSequence(ctx context.Context, trackID uint64) (uint64, error) {
	var cursor TrackCursor
	err := j.db.WithContext(ctx).First(&cursor, "track_id = ?", trackID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cursor.LastSeq, nil
}

// RecordSequence implements ledgerclient.Cursor. The cursor never moves
// backwards.
func (j *Journal) RecordSequence(ctx context.Context, trackID, seq uint64, txRef string) error {
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cursor TrackCursor
		err := tx.First(&cursor, "track_id = ?", trackID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&TrackCursor{TrackID: trackID, LastSeq: seq, TxRef: txRef, UpdatedAt: j.now().UTC()}).Error
		case err != nil:
			return err
		}
		if seq <= cursor.LastSeq {
			return nil
		}
		return tx.Model(&cursor).Updates(map[string]interface{}{
			"last_seq":   seq,
			"tx_ref":     txRef,
			"updated_at": j.now().UTC(),
		}).Error
	})
}
