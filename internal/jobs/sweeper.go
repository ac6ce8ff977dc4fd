package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Purger is implemented by stores that drop expired records on request
// rather than through native expiry.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// SweeperConfig controls reconciliation.
type SweeperConfig struct {
	Interval time.Duration
	// Grace is how long a pending record may sit untouched before it is
	// republished, and the minimum gap between republishes of one job.
	Grace     time.Duration
	BatchSize int
}

// Sweeper republishes pending records whose message was lost between create
// and publish. Each republish is claimed on the record first, so concurrent
// sweepers and repeated ticks do not stack copies of one job on the queue.
type Sweeper struct {
	store  crawler.JobStore
	queue  crawler.Queue
	clock  crawler.Clock
	cfg    SweeperConfig
	logger *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store crawler.JobStore, queue crawler.Queue, clock crawler.Clock, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, queue: queue, clock: clock, cfg: cfg, logger: logger}
}

// Sweep runs one reconciliation pass and returns how many jobs were republished.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if purger, ok := s.store.(Purger); ok {
		purged, err := purger.PurgeExpired(ctx)
		if err != nil {
			s.logger.Warn("purge expired jobs failed", zap.Error(err))
		} else if purged > 0 {
			s.logger.Info("purged expired jobs", zap.Int("count", purged))
		}
	}

	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.Grace)
	stale, err := s.store.ListPending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}

	republished := 0
	for _, job := range stale {
		// The claim moves UpdatedAt forward, so a job still waiting in a
		// backlog is republished at most once per grace window.
		claimed, err := s.store.Transition(ctx, job.ID, crawler.MarkRepublished(now, cutoff))
		switch {
		case errors.Is(err, crawler.ErrNotStale), errors.Is(err, crawler.ErrJobNotFound):
			s.logger.Debug("pending job no longer stale", zap.String("job_id", job.ID), zap.Error(err))
			continue
		case err != nil:
			metrics.ObserveRepublished(republished)
			return republished, fmt.Errorf("claim %s: %w", job.ID, err)
		}
		if err := s.queue.Publish(ctx, claimed.Message()); err != nil {
			metrics.ObserveRepublished(republished)
			return republished, fmt.Errorf("republish %s: %w", job.ID, err)
		}
		republished++
		s.logger.Info("republished pending job",
			zap.String("job_id", job.ID),
			zap.Time("created_at", job.CreatedAt),
			zap.Time("idle_since", job.UpdatedAt),
		)
	}
	metrics.ObserveRepublished(republished)
	return republished, nil
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("sweep failed", zap.Int("republished", n), zap.Error(err))
			}
		}
	}
}
