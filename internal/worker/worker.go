// Package worker drives crawl handlers from the frontier: each worker loops
// claim, handle, mark done until its context ends or the frontier drains.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/url-frontier/internal/frontier"
	"github.com/JakeFAU/url-frontier/internal/retry"
)

// Outcome labels reported to an Observer after each handled entry.
const (
	OutcomeDone      = "done"
	OutcomeFailed    = "failed"
	OutcomeTransient = "transient"
)

// Frontier is the part of *frontier.Frontier a worker needs.
type Frontier interface {
	ClaimNext(ctx context.Context) (frontier.Entry, bool, error)
	MarkDone(ctx context.Context, id int64) error
	HasWork(ctx context.Context) (bool, error)
}

// Handler processes one claimed entry. Returning nil or a permanent error
// completes the entry; returning Transient(err) leaves it in flight so the
// reaper hands it out again later.
type Handler interface {
	Handle(ctx context.Context, entry frontier.Entry) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, entry frontier.Entry) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, entry frontier.Entry) error {
	return f(ctx, entry)
}

// Observer receives per-entry handling outcomes.
type Observer interface {
	Handled(outcome string, duration time.Duration)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable by a later claim.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was produced by Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Config controls worker behavior.
type Config struct {
	Concurrency     int
	PollInterval    time.Duration
	StopWhenDrained bool
	Retry           retry.Config
	Observer        Observer
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Worker runs a single claim loop.
type Worker struct {
	frontier        Frontier
	handler         Handler
	limiter         *rate.Limiter
	retry           *retry.Policy
	observer        Observer
	stopWhenDrained bool
	logger          *zap.Logger
}

// New constructs a Worker.
func New(f Frontier, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		frontier:        f,
		handler:         handler,
		limiter:         rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		retry:           retry.New(cfg.Retry),
		observer:        cfg.Observer,
		stopWhenDrained: cfg.StopWhenDrained,
		logger:          logger,
	}
}

// Run blocks, claiming and handling entries until ctx finishes or, with
// StopWhenDrained, until nothing is pending or in flight.
func (w *Worker) Run(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		entry, ok, err := w.frontier.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("claim failed", zap.Error(err), zap.Int("consecutive_failures", failures+1))
			if retry.Sleep(ctx, w.retry.Backoff(failures)) != nil {
				return
			}
			failures++
			continue
		}
		failures = 0
		if !ok {
			if w.drained(ctx) {
				w.logger.Debug("frontier drained")
				return
			}
			if w.limiter.Wait(ctx) != nil {
				return
			}
			continue
		}
		w.process(ctx, entry)
	}
}

func (w *Worker) drained(ctx context.Context) bool {
	if !w.stopWhenDrained {
		return false
	}
	has, err := w.frontier.HasWork(ctx)
	if err != nil {
		w.logger.Warn("has work check failed", zap.Error(err))
		return false
	}
	return !has
}

func (w *Worker) process(ctx context.Context, entry frontier.Entry) {
	logger := w.logger.With(zap.Int64("entry_id", entry.ID), zap.String("url", entry.URL))
	logger.Debug("claimed entry", zap.Int("priority", entry.Priority), zap.Int("depth", entry.Depth))

	start := time.Now()
	err := w.handler.Handle(ctx, entry)
	switch {
	case err != nil && (IsTransient(err) || ctx.Err() != nil):
		logger.Warn("handler failed transiently; leaving entry in flight", zap.Error(err))
		w.observe(OutcomeTransient, time.Since(start))
		return
	case err != nil:
		logger.Error("handler failed", zap.Error(err))
		w.observe(OutcomeFailed, time.Since(start))
	default:
		w.observe(OutcomeDone, time.Since(start))
	}

	err = retry.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.frontier.MarkDone(ctx, entry.ID)
	})
	switch {
	case errors.Is(err, frontier.ErrNotFound):
		logger.Warn("entry was reclaimed before completion")
	case err != nil:
		logger.Error("mark done failed", zap.Error(err))
	}
}

func (w *Worker) observe(outcome string, d time.Duration) {
	if w.observer != nil {
		w.observer.Handled(outcome, d)
	}
}
