package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"blockmusic/storage"
)

const (
	pendingPrefix  = "pending:"
	confirmedKey   = "play:%d"
	inflightPrefix = "inflight:"
	seqPrefix      = "seq:"
	seenPrefix     = "seen:"
	flushedPrefix  = "flushed:"
	auditPrefix    = "audit:"
	lastUpdateKey  = "stats:last-update"

	lockStripes = 256
)

// CounterStore persists play counters. Every read-modify-write of a track
// holds that track's stripe lock and commits in a single batch.
type CounterStore struct {
	db    storage.Database
	locks [lockStripes]sync.Mutex
}

// NewCounterStore wraps db.
func NewCounterStore(db storage.Database) *CounterStore {
	return &CounterStore{db: db}
}

func (s *CounterStore) lock(trackID uint64) func() {
	mu := &s.locks[trackID%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func trackKey(prefix string, trackID uint64) []byte {
	return []byte(prefix + strconv.FormatUint(trackID, 10))
}

func pendingKey(trackID uint64) []byte { return trackKey(pendingPrefix, trackID) }
func confirmedKeyFor(id uint64) []byte { return []byte(fmt.Sprintf(confirmedKey, id)) }
func inflightKey(trackID uint64) []byte { return trackKey(inflightPrefix, trackID) }
func seqKey(trackID uint64) []byte { return trackKey(seqPrefix, trackID) }
func seenKey(trackID uint64) []byte { return trackKey(seenPrefix, trackID) }
func flushedKey(trackID uint64) []byte { return trackKey(flushedPrefix, trackID) }
func formatUint(v uint64) []byte { return []byte(strconv.FormatUint(v, 10)) }
func formatTime(t time.Time) []byte { return []byte(strconv.FormatInt(t.UnixNano(), 10)) }

func (s *CounterStore) getUint(key []byte) (uint64, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return v, nil
}

func (s *CounterStore) getTime(key []byte) (time.Time, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %s: %w", key, err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

// load reads a counter. Callers hold the stripe lock.
func (s *CounterStore) load(trackID uint64) (PlayCounter, error) {
	c := PlayCounter{TrackID: trackID}
	var err error
	if c.Pending, err = s.getUint(pendingKey(trackID)); err != nil {
		return c, err
	}
	if c.Confirmed, err = s.getUint(confirmedKeyFor(trackID)); err != nil {
		return c, err
	}
	if c.NextSeq, err = s.getUint(seqKey(trackID)); err != nil {
		return c, err
	}
	if c.NextSeq == 0 {
		c.NextSeq = 1
	}
	if c.LastPlayedAt, err = s.getTime(seenKey(trackID)); err != nil {
		return c, err
	}
	if c.LastFlushedAt, err = s.getTime(flushedKey(trackID)); err != nil {
		return c, err
	}
	raw, err := s.db.Get(inflightKey(trackID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return c, err
	default:
		var sub Submission
		if err := json.Unmarshal(raw, &sub); err != nil {
			return c, fmt.Errorf("corrupt inflight record for track %d: %w", trackID, err)
		}
		c.Inflight = &sub
	}
	return c, nil
}

// Load returns the counter for trackID. Unknown tracks yield a zero counter.
func (s *CounterStore) Load(trackID uint64) (PlayCounter, error) {
	unlock := s.lock(trackID)
	defer unlock()
	return s.load(trackID)
}

// RecordPlay adds one pending play and the audit record in one batch.
func (s *CounterStore) RecordPlay(ev PlayEvent, now time.Time) (PlayCounter, error) {
	unlock := s.lock(ev.TrackID)
	defer unlock()
	c, err := s.load(ev.TrackID)
	if err != nil {
		return c, err
	}
	c.Pending++
	c.LastPlayedAt = ev.Timestamp
	batch := storage.NewBatch()
	batch.Put(pendingKey(ev.TrackID), formatUint(c.Pending))
	batch.Put(seenKey(ev.TrackID), formatTime(ev.Timestamp))
	batch.Put([]byte(lastUpdateKey), formatTime(now))
	if err := putAudit(batch, ev, c.Total(), now); err != nil {
		return c, err
	}
	if err := s.db.Write(batch); err != nil {
		return c, err
	}
	return c, nil
}

// Prepare returns the submission to send for trackID: the existing inflight
// entry if there is one, otherwise a fresh entry covering every pending play,
// persisted as inflight before it is returned. nil means nothing to send.
func (s *CounterStore) Prepare(trackID uint64, batchID string, now time.Time) (*Submission, error) {
	unlock := s.lock(trackID)
	defer unlock()
	c, err := s.load(trackID)
	if err != nil {
		return nil, err
	}
	if c.Inflight != nil {
		return c.Inflight, nil
	}
	if c.Pending == 0 {
		return nil, nil
	}
	sub := &Submission{TrackID: trackID, Seq: c.NextSeq, Delta: c.Pending, BatchID: batchID, CreatedAt: now}
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	if err := s.db.Put(inflightKey(trackID), raw); err != nil {
		return nil, err
	}
	return sub, nil
}

// Settle moves the inflight delta for seq from pending to confirmed and
// advances the sequence. It returns the settled delta, or zero when seq is not
// the current inflight submission.
func (s *CounterStore) Settle(trackID, seq uint64, now time.Time) (uint64, error) {
	unlock := s.lock(trackID)
	defer unlock()
	c, err := s.load(trackID)
	if err != nil {
		return 0, err
	}
	if c.Inflight == nil || c.Inflight.Seq != seq {
		return 0, nil
	}
	delta := c.Inflight.Delta
	if delta > c.Pending {
		return 0, fmt.Errorf("track %d: inflight delta %d exceeds pending %d", trackID, delta, c.Pending)
	}
	batch := storage.NewBatch()
	batch.Put(pendingKey(trackID), formatUint(c.Pending-delta))
	batch.Put(confirmedKeyFor(trackID), formatUint(c.Confirmed+delta))
	batch.Put(seqKey(trackID), formatUint(seq+1))
	batch.Put(flushedKey(trackID), formatTime(now))
	batch.Delete(inflightKey(trackID))
	if err := s.db.Write(batch); err != nil {
		return 0, err
	}
	return delta, nil
}

// FastForward moves NextSeq past ledgerSeq when no submission is inflight.
// It protects fresh submissions after the local store was rebuilt.
func (s *CounterStore) FastForward(trackID, ledgerSeq uint64) (bool, error) {
	unlock := s.lock(trackID)
	defer unlock()
	c, err := s.load(trackID)
	if err != nil {
		return false, err
	}
	if c.Inflight != nil || c.NextSeq > ledgerSeq {
		return false, nil
	}
	return true, s.db.Put(seqKey(trackID), formatUint(ledgerSeq+1))
}

// Tracks lists every track that has received a play, in key order.
func (s *CounterStore) Tracks() ([]uint64, error) {
	var (
		ids     []uint64
		scanErr error
	)
	err := s.db.Iterate([]byte(pendingPrefix), func(key, _ []byte) bool {
		id, err := strconv.ParseUint(strings.TrimPrefix(string(key), pendingPrefix), 10, 64)
		if err != nil {
			scanErr = fmt.Errorf("corrupt pending key %q: %w", key, err)
			return false
		}
		ids = append(ids, id)
		return true
	})
	if err != nil {
		return nil, err
	}
	return ids, scanErr
}

// Stats aggregates every counter with a prefix scan.
func (s *CounterStore) Stats() (Stats, error) {
	var (
		stats   Stats
		scanErr error
	)
	err := s.db.Iterate([]byte(pendingPrefix), func(key, value []byte) bool {
		id, err := strconv.ParseUint(strings.TrimPrefix(string(key), pendingPrefix), 10, 64)
		if err != nil {
			scanErr = fmt.Errorf("corrupt pending key %q: %w", key, err)
			return false
		}
		pending, err := strconv.ParseUint(string(value), 10, 64)
		if err != nil {
			scanErr = fmt.Errorf("corrupt pending value for track %d: %w", id, err)
			return false
		}
		confirmed, err := s.getUint(confirmedKeyFor(id))
		if err != nil {
			scanErr = err
			return false
		}
		stats.TotalTracks++
		stats.PendingPlays += pending
		stats.TotalPlays += pending + confirmed
		return true
	})
	if err != nil {
		return stats, err
	}
	if scanErr != nil {
		return stats, scanErr
	}
	stats.LastUpdate, err = s.getTime([]byte(lastUpdateKey))
	return stats, err
}
