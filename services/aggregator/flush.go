package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"blockmusic/services/aggregator/ledgerclient"
)

const (
	outcomeSettled    = "settled"
	outcomeFailed     = "failed"
	outcomeReconciled = "reconciled"
)

// Flush submits every pending delta to the ledger and settles the confirmed
// ones. Only one flush runs at a time; a concurrent call gets
// ErrFlushInProgress. Per-track failures are reported, not returned.
func (s *Service) Flush(ctx context.Context) (*FlushReport, error) {
	if !s.flushMu.TryLock() {
		return nil, ErrFlushInProgress
	}
	defer s.flushMu.Unlock()
	s.metrics.SetFlushInFlight(true)
	defer s.metrics.SetFlushInFlight(false)

	batch := PendingBatch{BatchID: uuid.NewString(), CreatedAt: s.now().UTC()}
	ctx, span := s.tracer.Start(ctx, "aggregator.flush")
	span.SetAttributes(attribute.String("batch.id", batch.BatchID))
	defer span.End()

	report := &FlushReport{BatchID: batch.BatchID, StartedAt: batch.CreatedAt}
	logger := s.logger.With(slog.String("batch_id", batch.BatchID))

	tracks, err := s.store.Tracks()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list tracks")
		return nil, fmt.Errorf("%w: list tracks: %v", ErrTransientInfra, err)
	}

	for _, trackID := range tracks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sub, reconciled, err := s.prepare(ctx, trackID, batch.BatchID)
		if err != nil {
			logger.Warn("prepare submission failed", slog.Uint64("track_id", trackID), slog.Any("error", err))
			report.Failed++
			report.Tracks = append(report.Tracks, TrackOutcome{TrackID: trackID, Status: outcomeFailed, Error: err.Error()})
			continue
		}
		if reconciled != nil {
			report.Reconciled++
			report.SettledPlays += reconciled.Delta
			report.Tracks = append(report.Tracks, *reconciled)
		}
		if sub != nil {
			batch.Entries = append(batch.Entries, *sub)
		}
	}

	for start := 0; start < len(batch.Entries); start += s.batchSize {
		end := start + s.batchSize
		if end > len(batch.Entries) {
			end = len(batch.Entries)
		}
		s.submit(ctx, logger, batch.BatchID, batch.Entries[start:end], report)
	}

	report.FinishedAt = s.now().UTC()
	span.SetAttributes(
		attribute.Int("flush.submitted", report.Submitted),
		attribute.Int("flush.failed", report.Failed),
		attribute.Int64("flush.settled_plays", int64(report.SettledPlays)),
	)
	if report.Failed > 0 {
		span.SetStatus(codes.Error, "submissions failed")
	}
	s.metrics.ObserveFlush(report.Outcome(), report.FinishedAt.Sub(report.StartedAt))
	if stats, err := s.store.Stats(); err == nil {
		s.metrics.SetPending(stats.PendingPlays)
	}
	s.lastFlush.Store(report)
	logger.Info("flush complete",
		slog.String("outcome", report.Outcome()),
		slog.Int("submitted", report.Submitted),
		slog.Int("settled", report.Settled),
		slog.Int("failed", report.Failed),
		slog.Int("reconciled", report.Reconciled),
		slog.Uint64("settled_plays", report.SettledPlays))
	return report, nil
}

// prepare reconciles an inflight submission against the ledger and then
// returns the submission to send, if any.
func (s *Service) prepare(ctx context.Context, trackID uint64, batchID string) (*Submission, *TrackOutcome, error) {
	counter, err := s.store.Load(trackID)
	if err != nil {
		return nil, nil, err
	}
	var reconciled *TrackOutcome
	switch {
	case counter.Inflight != nil:
		outcome, err := s.reconcile(ctx, counter)
		if err != nil {
			// The ledger is unreachable; resend and let the sequence check
			// sort it out.
			s.logger.Warn("reconcile failed", slog.Uint64("track_id", trackID), slog.Any("error", err))
		}
		reconciled = outcome
	case counter.Pending > 0 && counter.NextSeq <= 1:
		// First submission for this track. If the ledger already holds
		// sequences for it the local store was rebuilt; skip past them.
		last, err := s.trackSequence(ctx, trackID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: track sequence: %v", ErrLedgerSubmissionFailed, err)
		}
		if last > 0 {
			if _, err := s.store.FastForward(trackID, last); err != nil {
				return nil, nil, err
			}
			s.logger.Warn("fast-forwarded track sequence", slog.Uint64("track_id", trackID), slog.Uint64("ledger_seq", last))
		}
	}
	sub, err := s.store.Prepare(trackID, batchID, s.now().UTC())
	if err != nil {
		return nil, reconciled, err
	}
	return sub, reconciled, nil
}

func (s *Service) trackSequence(ctx context.Context, trackID uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()
	return s.ledger.TrackSequence(ctx, trackID)
}

// reconcile settles counter's inflight submission locally when the ledger has
// already applied its sequence.
func (s *Service) reconcile(ctx context.Context, counter PlayCounter) (*TrackOutcome, error) {
	inflight := counter.Inflight
	last, err := s.trackSequence(ctx, counter.TrackID)
	if err != nil {
		return nil, err
	}
	if last < inflight.Seq {
		return nil, nil
	}
	delta, err := s.store.Settle(counter.TrackID, inflight.Seq, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if delta == 0 {
		return nil, nil
	}
	outcome := &TrackOutcome{TrackID: counter.TrackID, Seq: inflight.Seq, Delta: delta, Status: outcomeReconciled}
	s.journalAttempt(ctx, inflight.BatchID, *outcome)
	s.metrics.RecordSubmission(outcomeReconciled, delta)
	return outcome, nil
}

// Reconcile compares trackID's inflight submission with the ledger sequence
// and settles it without resending when the ledger already applied it.
func (s *Service) Reconcile(ctx context.Context, trackID uint64) (bool, error) {
	counter, err := s.store.Load(trackID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransientInfra, err)
	}
	if counter.Inflight == nil {
		return false, nil
	}
	outcome, err := s.reconcile(ctx, counter)
	if err != nil {
		return false, err
	}
	return outcome != nil, nil
}

func (s *Service) submit(ctx context.Context, logger *slog.Logger, batchID string, entries []Submission, report *FlushReport) {
	increments := make([]ledgerclient.Increment, len(entries))
	for i, e := range entries {
		increments[i] = ledgerclient.Increment{TrackID: e.TrackID, Seq: e.Seq, Delta: e.Delta}
	}
	report.Submitted += len(entries)

	callCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	results, err := s.ledger.IncrementPlayCounts(callCtx, increments)
	cancel()
	if err == nil && len(results) != len(entries) {
		err = fmt.Errorf("ledger returned %d results for %d entries", len(results), len(entries))
	}
	if err != nil {
		logger.Warn("ledger submission failed", slog.Int("entries", len(entries)), slog.Any("error", err))
		for _, e := range entries {
			s.recordFailure(ctx, batchID, e, "", err, report)
		}
		return
	}

	for i, e := range entries {
		res := results[i]
		if res.TrackID != e.TrackID || res.Seq != e.Seq {
			s.recordFailure(ctx, batchID, e, res.TxRef, fmt.Errorf("result for track %d seq %d does not match", res.TrackID, res.Seq), report)
			continue
		}
		if !res.Status.Confirmed() {
			s.recordFailure(ctx, batchID, e, res.TxRef, fmt.Errorf("%s: %s", res.Status, res.Reason), report)
			continue
		}
		delta, err := s.store.Settle(e.TrackID, e.Seq, s.now().UTC())
		if err != nil {
			// Confirmed on the ledger but not locally: the next cycle's
			// reconcile settles it.
			s.recordFailure(ctx, batchID, e, res.TxRef, fmt.Errorf("settle: %v", err), report)
			continue
		}
		outcome := TrackOutcome{TrackID: e.TrackID, Seq: e.Seq, Delta: delta, Status: string(res.Status), TxRef: res.TxRef}
		report.Settled++
		report.SettledPlays += delta
		report.Tracks = append(report.Tracks, outcome)
		s.metrics.RecordSubmission(string(res.Status), delta)
		s.journalAttempt(ctx, batchID, outcome)
	}
}

func (s *Service) recordFailure(ctx context.Context, batchID string, e Submission, txRef string, cause error, report *FlushReport) {
	err := fmt.Errorf("%w: track %d seq %d: %v", ErrLedgerSubmissionFailed, e.TrackID, e.Seq, cause)
	outcome := TrackOutcome{TrackID: e.TrackID, Seq: e.Seq, Delta: e.Delta, Status: outcomeFailed, TxRef: txRef, Error: err.Error()}
	report.Failed++
	report.Tracks = append(report.Tracks, outcome)
	s.metrics.RecordSubmission(outcomeFailed, 0)
	s.journalAttempt(ctx, batchID, outcome)
}

func (s *Service) journalAttempt(ctx context.Context, batchID string, outcome TrackOutcome) {
	if s.journal == nil {
		return
	}
	// Journal writes outlive a cancelled flush context.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.journal.Record(jctx, FlushAttempt{
		BatchID: batchID,
		TrackID: outcome.TrackID,
		Seq:     outcome.Seq,
		Delta:   outcome.Delta,
		Outcome: outcome.Status,
		TxRef:   outcome.TxRef,
		Error:   outcome.Error,
	})
	if err != nil {
		s.logger.Warn("journal write failed", slog.String("batch_id", batchID), slog.Uint64("track_id", outcome.TrackID), slog.Any("error", err))
	}
}
