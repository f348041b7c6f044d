// Package aggregator counts plays per track and periodically settles them on
// the revenue ledger with sequenced, retryable submissions.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"blockmusic/observability"
	"blockmusic/observability/logging"
	"blockmusic/services/aggregator/ledgerclient"
)

const maxListenerLength = 256

// Service owns the counter store and the flush protocol.
type Service struct {
	store   *CounterStore
	ledger  ledgerclient.Ledger
	journal *Journal
	metrics *observability.AggregatorMetrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	submitTimeout time.Duration
	batchSize     int

	flushMu   sync.Mutex
	lastFlush atomic.Pointer[FlushReport]
}

// Option customises the service.
type Option func(*Service)

// WithJournal records every submission attempt.
func WithJournal(j *Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.now = clock }
}

// WithSubmitTimeout bounds each ledger call.
func WithSubmitTimeout(d time.Duration) Option {
	return func(s *Service) { s.submitTimeout = d }
}

// WithBatchSize caps entries per ledger call below the ledger's own limit.
func WithBatchSize(n int) Option {
	return func(s *Service) { s.batchSize = n }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.AggregatorMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New constructs a service over store that settles against ledger.
func New(store *CounterStore, ledger ledgerclient.Ledger, opts ...Option) *Service {
	s := &Service{
		store:         store,
		ledger:        ledger,
		metrics:       observability.Aggregator(),
		logger:        slog.Default(),
		tracer:        otel.Tracer("blockmusic/aggregator"),
		now:           time.Now,
		submitTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "aggregator"))
	limit := 1
	if ledger != nil {
		limit = ledger.BatchSize()
	}
	if s.batchSize <= 0 || s.batchSize > limit {
		s.batchSize = limit
	}
	if s.batchSize <= 0 {
		s.batchSize = 1
	}
	return s
}

// RecordPlay accepts one play. The play is pending until a flush settles it.
func (s *Service) RecordPlay(ctx context.Context, ev PlayEvent) (PlayTotals, error) {
	if err := ctx.Err(); err != nil {
		return PlayTotals{}, err
	}
	ev.Listener = strings.TrimSpace(ev.Listener)
	if ev.Listener == "" {
		s.metrics.RecordPlay("invalid")
		return PlayTotals{}, fmt.Errorf("%w: listenerAddress required", ErrInvalidRequest)
	}
	if len(ev.Listener) > maxListenerLength {
		s.metrics.RecordPlay("invalid")
		return PlayTotals{}, fmt.Errorf("%w: listenerAddress too long", ErrInvalidRequest)
	}
	now := s.now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if ev.Timestamp.Unix() < 0 {
		s.metrics.RecordPlay("invalid")
		return PlayTotals{}, fmt.Errorf("%w: timestamp before epoch", ErrInvalidRequest)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	counter, err := s.store.RecordPlay(ev, now)
	if err != nil {
		s.metrics.RecordPlay("error")
		s.logger.Error("record play failed",
			slog.Uint64("track_id", ev.TrackID),
			logging.MaskField("listener", ev.Listener),
			slog.Any("error", err))
		return PlayTotals{}, fmt.Errorf("%w: %v", ErrTransientInfra, err)
	}
	s.metrics.RecordPlay("accepted")
	return PlayTotals{TrackID: ev.TrackID, TotalPlays: counter.Total(), PendingPlays: counter.Pending}, nil
}

// PlayCount returns the local counter for trackID without contacting the ledger.
func (s *Service) PlayCount(ctx context.Context, trackID uint64) (PlayCounter, error) {
	if err := ctx.Err(); err != nil {
		return PlayCounter{}, err
	}
	c, err := s.store.Load(trackID)
	if err != nil {
		return PlayCounter{}, fmt.Errorf("%w: %v", ErrTransientInfra, err)
	}
	return c, nil
}

// Stats aggregates every counter.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	stats, err := s.store.Stats()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrTransientInfra, err)
	}
	s.metrics.SetPending(stats.PendingPlays)
	return stats, nil
}

// LastFlush returns the report of the most recent completed flush, if any.
func (s *Service) LastFlush() *FlushReport {
	return s.lastFlush.Load()
}

// LedgerTotal returns the ledger's confirmed play total.
func (s *Service) LedgerTotal(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	defer cancel()
	return s.ledger.TotalConfirmedPlays(ctx)
}
