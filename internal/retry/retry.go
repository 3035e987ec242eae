// Package retry provides jittered exponential backoff for frontier callers.
// The frontier itself never retries; workers and intake consumers wrap their
// calls with Do when the store reports it is temporarily unavailable.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/url-frontier/internal/frontier"
)

// Config tunes a Policy. Zero fields take the defaults.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Policy retries store-unavailable errors with jittered exponential backoff.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New builds a policy from cfg.
func New(cfg Config) *Policy {
	p := &Policy{
		maxAttempts: 5,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
	if cfg.MaxAttempts > 0 {
		p.maxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.baseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.maxDelay = cfg.MaxDelay
	}
	return p
}

// ShouldRetry reports whether another attempt is worthwhile after attempts
// calls have already failed with err.
func (p *Policy) ShouldRetry(err error, attempts int) bool {
	if err == nil {
		return false
	}
	if attempts >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, frontier.ErrStoreUnavailable)
}

// Backoff returns the wait before retry number attempt (zero-based). The
// result lies in [d/2, d) where d is the capped exponential delay.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Do runs op until it succeeds, fails with a non-retryable error, runs out of
// attempts, or ctx is done.
func Do(ctx context.Context, p *Policy, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if !p.ShouldRetry(err, attempt+1) {
			return err
		}
		if werr := Sleep(ctx, p.Backoff(attempt)); werr != nil {
			return errors.Join(err, werr)
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
