package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Scheduler drives periodic flushes and audit pruning until its context ends.
type Scheduler struct {
	service       *Service
	logger        *slog.Logger
	flushInterval time.Duration
	pruneInterval time.Duration
	retention     time.Duration
	flushDisabled bool
	now           func() time.Time
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	FlushInterval time.Duration
	PruneInterval time.Duration
	// Retention is how long audit records are kept. Zero disables pruning.
	Retention     time.Duration
	FlushDisabled bool
}

// NewScheduler returns a scheduler for service.
func NewScheduler(service *Service, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Hour
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = 6 * time.Hour
	}
	return &Scheduler{
		service:       service,
		logger:        logger.With(slog.String("component", "scheduler")),
		flushInterval: cfg.FlushInterval,
		pruneInterval: cfg.PruneInterval,
		retention:     cfg.Retention,
		flushDisabled: cfg.FlushDisabled,
		now:           time.Now,
	}
}

// Run blocks until ctx is cancelled. A tick that finds a flush already
// running is skipped.
func (s *Scheduler) Run(ctx context.Context) {
	flushTicker := time.NewTicker(s.flushInterval)
	defer flushTicker.Stop()
	pruneTicker := time.NewTicker(s.pruneInterval)
	defer pruneTicker.Stop()
	if s.flushDisabled {
		flushTicker.Stop()
	}
	s.logger.Info("scheduler started",
		slog.Duration("flush_interval", s.flushInterval),
		slog.Duration("prune_interval", s.pruneInterval),
		slog.Bool("flush_disabled", s.flushDisabled))
	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			if err := s.runFlush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("scheduled flush failed", slog.Any("error", err))
			}
		case <-pruneTicker.C:
			if err := s.runPrune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("scheduled audit prune failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Scheduler) runFlush(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in flush", slog.Any("panic", r))
			err = fmt.Errorf("flush panic: %v", r)
		}
	}()
	report, err := s.service.Flush(ctx)
	if errors.Is(err, ErrFlushInProgress) {
		s.logger.Info("flush skipped, previous flush still running")
		return nil
	}
	if err != nil {
		return err
	}
	return report.Err()
}

func (s *Scheduler) runPrune(ctx context.Context) (err error) {
	if s.retention <= 0 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in audit prune", slog.Any("panic", r))
			err = fmt.Errorf("prune panic: %v", r)
		}
	}()
	_, err = s.service.PruneAudit(ctx, s.now().Add(-s.retention))
	return err
}
