package aggregator

import (
	"errors"
	"time"
)

var (
	// ErrInvalidRequest marks caller errors such as missing fields.
	ErrInvalidRequest = errors.New("aggregator: invalid request")
	// ErrTransientInfra wraps counter store failures. Callers may retry.
	ErrTransientInfra = errors.New("aggregator: storage unavailable")
	// ErrLedgerSubmissionFailed marks a per-track submission the ledger did
	// not confirm. The entry is resent on the next flush.
	ErrLedgerSubmissionFailed = errors.New("aggregator: ledger submission failed")
	// ErrFlushInProgress is returned when another flush holds the guard.
	ErrFlushInProgress = errors.New("aggregator: flush already running")
)

// PlayEvent is a single listen reported by a client.
type PlayEvent struct {
	TrackID   uint64    `json:"trackId"`
	Listener  string    `json:"listenerAddress"`
	Timestamp time.Time `json:"timestamp"`
}

// PlayTotals is returned after a play has been recorded.
type PlayTotals struct {
	TrackID      uint64 `json:"trackId"`
	TotalPlays   uint64 `json:"totalPlays"`
	PendingPlays uint64 `json:"pendingPlays"`
}

// Submission is a sequenced delta sent, or about to be sent, to the ledger.
type Submission struct {
	TrackID   uint64    `json:"trackId"`
	Seq       uint64    `json:"seq"`
	Delta     uint64    `json:"delta"`
	BatchID   string    `json:"batchId"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlayCounter is the aggregator's view of one track. Confirmed mirrors what
// the ledger acknowledged; Confirmed+Pending is every play ever accepted.
type PlayCounter struct {
	TrackID       uint64      `json:"trackId"`
	Confirmed     uint64      `json:"confirmed"`
	Pending       uint64      `json:"pending"`
	Inflight      *Submission `json:"inflight,omitempty"`
	NextSeq       uint64      `json:"nextSeq"`
	LastPlayedAt  time.Time   `json:"lastPlayedAt"`
	LastFlushedAt time.Time   `json:"lastFlushedAt"`
}

// Total returns confirmed plus pending plays.
func (c PlayCounter) Total() uint64 { return c.Confirmed + c.Pending }

// PendingBatch groups the submissions of one flush cycle.
type PendingBatch struct {
	BatchID   string       `json:"batchId"`
	Entries   []Submission `json:"entries"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Stats summarises every counter.
type Stats struct {
	TotalPlays   uint64    `json:"totalPlays"`
	PendingPlays uint64    `json:"pendingPlays"`
	TotalTracks  uint64    `json:"totalTracks"`
	LastUpdate   time.Time `json:"lastUpdate"`
}

// TrackOutcome records what happened to one submission during a flush.
type TrackOutcome struct {
	TrackID uint64 `json:"trackId"`
	Seq     uint64 `json:"seq"`
	Delta   uint64 `json:"delta"`
	Status  string `json:"status"`
	TxRef   string `json:"txRef,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FlushReport summarises one flush cycle.
type FlushReport struct {
	BatchID      string         `json:"batchId"`
	StartedAt    time.Time      `json:"startedAt"`
	FinishedAt   time.Time      `json:"finishedAt"`
	Submitted    int            `json:"submitted"`
	Settled      int            `json:"settled"`
	Failed       int            `json:"failed"`
	Reconciled   int            `json:"reconciled"`
	SettledPlays uint64         `json:"settledPlays"`
	Tracks       []TrackOutcome `json:"tracks"`
}

// Outcome classifies the cycle for metrics and logs.
func (r *FlushReport) Outcome() string {
	switch {
	case r.Failed > 0 && r.Settled == 0 && r.Reconciled == 0:
		return "failed"
	case r.Failed > 0:
		return "partial"
	case r.Submitted == 0 && r.Reconciled == 0:
		return "empty"
	default:
		return "ok"
	}
}

// Err returns ErrLedgerSubmissionFailed when any track failed.
func (r *FlushReport) Err() error {
	if r == nil || r.Failed == 0 {
		return nil
	}
	return ErrLedgerSubmissionFailed
}
