// Package ledgerclient adapts the revenue ledger backends consumed by the play
// aggregator flush job.
package ledgerclient

import (
	"context"
	"errors"
	"math"
)

// Status reports how the ledger handled a submitted increment.
type Status string

const (
	// StatusApplied means the increment changed ledger state.
	StatusApplied Status = "applied"
	// StatusDuplicate means the sequence was already applied earlier.
	StatusDuplicate Status = "duplicate"
	// StatusRejected means the ledger refused the entry.
	StatusRejected Status = "rejected"
	// StatusFailed means the outcome is unknown, typically a transport error.
	StatusFailed Status = "failed"
)

// Confirmed reports whether the increment is reflected on the ledger.
func (s Status) Confirmed() bool {
	return s == StatusApplied || s == StatusDuplicate
}

// ErrDeltaTooLarge is returned when a delta does not fit the ledger's signed
// play counter.
var ErrDeltaTooLarge = errors.New("ledgerclient: delta exceeds ledger range")

// Increment is one sequenced per-track play delta.
type Increment struct {
	TrackID uint64
	Seq     uint64
	Delta   uint64
}

// Result is the per-entry outcome of a submission.
type Result struct {
	TrackID uint64
	Seq     uint64
	Status  Status
	TxRef   string
	Reason  string
}

// Ledger is the subset of the revenue ledger the aggregator depends on.
type Ledger interface {
	IncrementPlayCounts(ctx context.Context, increments []Increment) ([]Result, error)
	TrackSequence(ctx context.Context, trackID uint64) (uint64, error)
	TotalConfirmedPlays(ctx context.Context) (uint64, error)
	// BatchSize is the largest number of increments accepted per call.
	BatchSize() int
}

// Cursor persists the last sequence applied per track for backends that
// cannot store sequences themselves.
type Cursor interface {
	LastSequence(ctx context.Context, trackID uint64) (uint64, error)
	RecordSequence(ctx context.Context, trackID, seq uint64, txRef string) error
}

func signedDelta(delta uint64) (int64, error) {
	if delta == 0 || delta > math.MaxInt64 {
		return 0, ErrDeltaTooLarge
	}
	return int64(delta), nil
}

func normaliseBatch(size, fallback int) int {
	if size <= 0 {
		return fallback
	}
	return size
}
