// Package reaper periodically returns stale in-flight entries to the pending
// set and, when a retention is configured, purges old completed entries.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/frontier"
)

// Frontier is the part of *frontier.Frontier the reaper drives.
type Frontier interface {
	RequeueStale(ctx context.Context, maxAge time.Duration) (int, error)
	PurgeDone(ctx context.Context, olderThan time.Duration) (int, error)
	Stats(ctx context.Context) (frontier.Stats, error)
}

// Config controls the reaper schedule.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// StaleAfter is the maxAge passed to RequeueStale.
	StaleAfter time.Duration
	// Retention purges DONE entries older than this. Zero keeps them forever.
	Retention time.Duration
}

// Result reports one sweep.
type Result struct {
	Reclaimed int
	Purged    int
	Stats     frontier.Stats
}

// Reaper runs sweeps on a ticker.
type Reaper struct {
	frontier Frontier
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Reaper.
func New(f Frontier, cfg Config, logger *zap.Logger) (*Reaper, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("reap interval must be positive, got %s", cfg.Interval)
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale_after must be positive, got %s", cfg.StaleAfter)
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("retention must not be negative, got %s", cfg.Retention)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{frontier: f, cfg: cfg, logger: logger.Named("reaper")}, nil
}

// Run sweeps once immediately and then on every tick until ctx finishes.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("stale_after", r.cfg.StaleAfter),
		zap.Duration("retention", r.cfg.Retention),
	)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep performs one reclaim, optional purge and stats refresh. Each step runs
// even if an earlier one fails; the errors are joined.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)

	n, err := r.frontier.RequeueStale(ctx, r.cfg.StaleAfter)
	if err != nil {
		errs = append(errs, fmt.Errorf("requeue stale: %w", err))
	} else {
		res.Reclaimed = n
		if n > 0 {
			r.logger.Warn("reclaimed stale entries", zap.Int("count", n))
		}
	}

	if r.cfg.Retention > 0 {
		n, err := r.frontier.PurgeDone(ctx, r.cfg.Retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge done: %w", err))
		} else {
			res.Purged = n
			if n > 0 {
				r.logger.Info("purged completed entries", zap.Int("count", n))
			}
		}
	}

	stats, err := r.frontier.Stats(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("stats: %w", err))
	} else {
		res.Stats = stats
		r.logger.Debug("frontier state",
			zap.Int("pending", stats.Pending),
			zap.Int("in_flight", stats.InFlight),
			zap.Int("done", stats.Done),
		)
	}
	return res, errors.Join(errs...)
}
