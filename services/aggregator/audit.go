package aggregator

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"lukechampine.com/blake3"

	"blockmusic/storage"
)

// AuditRecord is the stored copy of an accepted play. It is kept for the
// retention window and never used for payout math.
type AuditRecord struct {
	TrackID    uint64    `json:"trackId"`
	Listener   string    `json:"listener"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"receivedAt"`
	Receipt    uint64    `json:"receipt"`
	Digest     string    `json:"digest"`
}

func auditDigest(ev PlayEvent) string {
	buf := make([]byte, 16, 16+len(ev.Listener))
	binary.BigEndian.PutUint64(buf[:8], ev.TrackID)
	binary.BigEndian.PutUint64(buf[8:], uint64(ev.Timestamp.UnixNano()))
	buf = append(buf, ev.Listener...)
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:8])
}

// putAudit stages the record under play:{track}:{timestamp}:{digest}:{receipt}
// and a receipt-time index entry used by pruning and export. receipt is the
// track's running play ordinal, so replayed identical events get their own
// records.
func putAudit(batch *storage.Batch, ev PlayEvent, receipt uint64, now time.Time) error {
	rec := AuditRecord{
		TrackID:    ev.TrackID,
		Listener:   ev.Listener,
		Timestamp:  ev.Timestamp,
		ReceivedAt: now,
		Receipt:    receipt,
		Digest:     auditDigest(ev),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("play:%d:%d:%s:%d", ev.TrackID, ev.Timestamp.UnixNano(), rec.Digest, receipt)
	batch.Put([]byte(key), raw)
	batch.Put(auditIndexKey(now, ev.TrackID, receipt), []byte(key))
	return nil
}

func auditIndexKey(at time.Time, trackID, receipt uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%d:%d", auditPrefix, at.UnixNano(), trackID, receipt))
}

func auditIndexTime(key []byte) (time.Time, error) {
	rest := strings.TrimPrefix(string(key), auditPrefix)
	stamp, _, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed audit index %q", key)
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed audit index %q: %w", key, err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

// PruneAudit deletes audit records received before cutoff.
func (s *CounterStore) PruneAudit(cutoff time.Time) (int, error) {
	batch := storage.NewBatch()
	var scanErr error
	err := s.db.Iterate([]byte(auditPrefix), func(key, value []byte) bool {
		at, err := auditIndexTime(key)
		if err != nil {
			scanErr = err
			return false
		}
		if !at.Before(cutoff) {
			return false
		}
		batch.Delete(append([]byte(nil), key...))
		batch.Delete(append([]byte(nil), value...))
		return true
	})
	if err != nil {
		return 0, err
	}
	if scanErr != nil {
		return 0, scanErr
	}
	pruned := batch.Len() / 2
	if pruned == 0 {
		return 0, nil
	}
	return pruned, s.db.Write(batch)
}

// AuditRecords returns the records received in [from, to).
func (s *CounterStore) AuditRecords(from, to time.Time) ([]AuditRecord, error) {
	var (
		records []AuditRecord
		scanErr error
	)
	start := auditIndexKey(from, 0, 0)
	err := s.db.Iterate([]byte(auditPrefix), func(key, value []byte) bool {
		if string(key) < string(start) {
			return true
		}
		at, err := auditIndexTime(key)
		if err != nil {
			scanErr = err
			return false
		}
		if !at.Before(to) {
			return false
		}
		raw, err := s.db.Get(value)
		if err != nil {
			// Pruned between the index scan and the read.
			return true
		}
		var rec AuditRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			scanErr = fmt.Errorf("corrupt audit record %q: %w", value, err)
			return false
		}
		records = append(records, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	return records, scanErr
}

type auditParquetRow struct {
	TrackID    int64  `parquet:"name=track_id, type=INT64"`
	Listener   string `parquet:"name=listener, type=BYTE_ARRAY, convertedtype=UTF8"`
	PlayedAt   string `parquet:"name=played_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt string `parquet:"name=received_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	Receipt    int64  `parquet:"name=receipt, type=INT64"`
	Digest     string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// PruneAudit removes audit records older than the retention window.
func (s *Service) PruneAudit(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.store.PruneAudit(cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: prune audit: %v", ErrTransientInfra, err)
	}
	s.metrics.RecordAuditPruned(n)
	if n > 0 {
		s.logger.Info("pruned audit records", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// ExportAudit writes the audit records received in [from, to) to a Parquet
// file at path and returns the number of rows written.
func (s *Service) ExportAudit(ctx context.Context, from, to time.Time, path string) (int, error) {
	if !from.Before(to) {
		return 0, fmt.Errorf("%w: export window is empty", ErrInvalidRequest)
	}
	records, err := s.store.AuditRecords(from, to)
	if err != nil {
		return 0, fmt.Errorf("%w: read audit: %v", ErrTransientInfra, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := writeAuditParquet(path, records); err != nil {
		return 0, err
	}
	s.logger.Info("exported audit records", "rows", len(records), "path", path)
	return len(records), nil
}

func writeAuditParquet(path string, records []AuditRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(auditParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range records {
		row := &auditParquetRow{
			TrackID:    int64(rec.TrackID),
			Listener:   rec.Listener,
			PlayedAt:   rec.Timestamp.UTC().Format(time.RFC3339Nano),
			ReceivedAt: rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
			Receipt:    int64(rec.Receipt),
			Digest:     rec.Digest,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}
