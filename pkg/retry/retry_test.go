package retry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/cellmesh/cell-gateway/internal/metrics"
	"github.com/cellmesh/cell-gateway/pkg/cellerror"
)

func init() {
	metrics.Init()
}

// fastPolicy keeps test backoffs short.
func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:     maxRetries,
		BaseDelay:      time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func retryableErr() error {
	err := cellerror.New(cellerror.HTTPCode(503), "upstream unavailable")
	err.Status = 503
	err.Retryable = true
	return err
}

func terminalErr() error {
	err := cellerror.New(cellerror.HTTPCode(400), "bad request")
	err.Status = 400
	return err
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(3), slog.Default(), "a/b", "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || attempts != 1 {
		t.Fatalf("expected 1 call / 1 attempt, got %d / %d", calls, attempts)
	}
}

func TestDo_RetriesRetryableUntilExhausted(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(3), slog.Default(), "a/b", "op", func(ctx context.Context) error {
		calls++
		return retryableErr()
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// Initial try + 3 retries.
	if calls != 4 || attempts != 4 {
		t.Fatalf("expected 4 calls / 4 attempts, got %d / %d", calls, attempts)
	}
	if cellerror.CodeOf(err) != "HTTP_503" {
		t.Fatalf("expected last error propagated verbatim, got %v", err)
	}
}

func TestDo_TerminalErrorNotRetried(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(3), slog.Default(), "a/b", "op", func(ctx context.Context) error {
		calls++
		return terminalErr()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 || attempts != 1 {
		t.Fatalf("expected exactly one attempt for a 4xx, got %d / %d", calls, attempts)
	}
}

func TestDo_PlainErrorNotRetried(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), slog.Default(), "a/b", "op", func(ctx context.Context) error {
		calls++
		return errors.New("not a gateway error")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one attempt and an error, got calls=%d err=%v", calls, err)
	}
}

func TestDo_EventualSuccess(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(3), slog.Default(), "a/b", "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return retryableErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_AttemptTimeoutBoundsEachTry(t *testing.T) {
	p := Policy{MaxRetries: 1, BaseDelay: time.Millisecond, AttemptTimeout: 20 * time.Millisecond}

	calls := 0
	_, err := Do(context.Background(), p, slog.Default(), "a/b", "op", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		e := cellerror.Wrap(cellerror.CodeTimeout, "attempt timed out", ctx.Err())
		e.Retryable = true
		return e
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if calls != 2 {
		t.Fatalf("expected timeout to be retried once, got %d calls", calls)
	}
	if cellerror.CodeOf(err) != cellerror.CodeTimeout {
		t.Fatalf("expected TIMEOUT code, got %v", err)
	}
}

func TestDo_ParentCancelEndsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 5, BaseDelay: time.Hour, AttemptTimeout: time.Second}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, slog.Default(), "a/b", "op", func(ctx context.Context) error {
			return retryableErr()
		})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled in chain, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after parent cancellation")
	}
}

func TestPolicy_BackoffMonotonic(t *testing.T) {
	p := Policy{}.withDefaults()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		if d <= prev {
			t.Fatalf("expected strictly increasing base delay, got %v after %v at attempt %d", d, prev, attempt)
		}
		prev = d
	}

	// First retry: 2^1 * 100ms.
	if got := p.Backoff(1); got != 200*time.Millisecond {
		t.Fatalf("expected 200ms for first retry, got %v", got)
	}
}

func TestWithJitter_BoundedByFraction(t *testing.T) {
	p := Policy{}.withDefaults()

	for attempt := 1; attempt <= 4; attempt++ {
		base := p.Backoff(attempt)
		max := base + time.Duration(float64(base)*p.JitterFraction)
		for i := 0; i < 1000; i++ {
			d := withJitter(base, p.JitterFraction)
			if d < base || d > max {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, base, max)
			}
		}
	}
}
