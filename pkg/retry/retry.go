// Package retry executes operations with bounded retries, exponential
// backoff with jitter, and per-attempt timeouts. Retryability is decided by
// the error's gateway classification: network failures, attempt timeouts,
// and HTTP 5xx are retried; 4xx errors propagate immediately.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cellmesh/cell-gateway/internal/metrics"
	"github.com/cellmesh/cell-gateway/pkg/cellerror"
)

// Policy holds the retry executor settings. Zero delays and fractions take
// defaults; MaxRetries is used as given.
type Policy struct {
	// MaxRetries bounds retries per logical call; the initial try is not
	// counted. Zero means a single attempt. Negative values clamp to zero.
	MaxRetries int

	// BaseDelay is the backoff unit: delay = BaseDelay * 2^attempt, where
	// attempt is 1 for the first retry. Default 100ms.
	BaseDelay time.Duration

	// JitterFraction is the maximum random addition to each delay, as a
	// fraction of the computed delay. Default 0.1.
	JitterFraction float64

	// AttemptTimeout bounds each individual attempt. Exceeding it aborts
	// the in-flight request and counts as a retryable failure. Default 8s.
	AttemptTimeout time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.JitterFraction <= 0 {
		p.JitterFraction = 0.1
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 8 * time.Second
	}
	return p
}

// Backoff returns the base delay before the given retry attempt (1-based),
// without jitter: BaseDelay * 2^attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	return p.BaseDelay * (1 << attempt)
}

// withJitter adds a random increment to delay, at most fraction*delay, so
// synchronized callers do not retry in lockstep.
func withJitter(delay time.Duration, fraction float64) time.Duration {
	return delay + time.Duration(rand.Int63n(int64(float64(delay)*fraction)+1))
}

// Do runs fn until it succeeds, fails terminally, or retries are exhausted.
// Each attempt receives a context bounded by the per-attempt timeout. The
// returned attempt count is the number of physical tries made. Backoff
// delays suspend only this call; a cancelled parent context ends the loop
// between attempts.
func Do(ctx context.Context, p Policy, logger *slog.Logger, destination, operation string, fn func(ctx context.Context) error) (int, error) {
	p = p.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	attempt := 0
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return attempt + 1, nil
		}

		if !cellerror.IsRetryable(err) || attempt >= p.MaxRetries {
			return attempt + 1, err
		}

		attempt++
		delay := withJitter(p.Backoff(attempt), p.JitterFraction)

		metrics.RetryTotal.WithLabelValues(destination, operation).Inc()
		logger.Warn("retrying call",
			"cell", destination,
			"operation", operation,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempt, cellerror.Wrap(cellerror.CodeNetwork, "call cancelled during backoff", ctx.Err())
		}
	}
}
