package scraper

import (
	"context"
	"time"

	"github.com/aluiziolira/go-scrape-offers/config"
)

// retryPolicy bounds the rotation retries of one logical fetch and spaces
// them with a capped exponential backoff.
type retryPolicy struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration
}

func newRetryPolicy(cfg *config.Config) *retryPolicy {
	return &retryPolicy{
		maxAttempts: cfg.MaxAttempts,
		base:        cfg.RetryBackoff,
		max:         cfg.RetryBackoffMax,
	}
}

// allow reports whether attempt (1-based) may be issued. A zero budget
// never refuses.
func (rp *retryPolicy) allow(attempt int) bool {
	if rp.maxAttempts == 0 {
		return true
	}
	return attempt <= rp.maxAttempts
}

// backoff returns the pause before the given retry (1-based).
func (rp *retryPolicy) backoff(retry int) time.Duration {
	if rp.base <= 0 {
		return 0
	}
	if retry <= 0 {
		retry = 1
	}

	shift := retry - 1
	if shift > 30 {
		shift = 30
	}
	delay := rp.base * time.Duration(1<<shift)
	if rp.max > 0 && (delay > rp.max || delay <= 0) {
		delay = rp.max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
