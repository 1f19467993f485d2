package breaker

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cellmesh/cell-gateway/internal/metrics"
)

func init() {
	// Register metrics once for all tests in this package.
	metrics.Init()
}

func newTestBreaker(failures int, reset time.Duration, successes int) *Breaker {
	return New("payments/ledger", Settings{
		FailureThreshold: failures,
		ResetTimeout:     reset,
		SuccessThreshold: successes,
	}, slog.Default())
}

func TestBreaker_StartsClosedAndAllows(t *testing.T) {
	b := newTestBreaker(5, 30*time.Second, 3)

	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow() to return true for closed breaker")
	}
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	b := newTestBreaker(3, 30*time.Second, 3)

	b.RecordFailure(10 * time.Millisecond)
	b.RecordFailure(10 * time.Millisecond)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed below threshold, got %v", b.State())
	}

	b.RecordFailure(10 * time.Millisecond)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen at threshold, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Allow() to return false for open breaker")
	}

	snap := b.Snapshot()
	if !snap.NextAttemptTime.After(time.Now()) {
		t.Fatal("expected NextAttemptTime in the future at the moment of opening")
	}

	// Extra failures while open must not produce additional transitions.
	b.RecordFailure(10 * time.Millisecond)
	b.RecordFailure(10 * time.Millisecond)
	if got := len(b.Snapshot().Transitions); got != 1 {
		t.Fatalf("expected exactly 1 transition, got %d", got)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, 30*time.Second, 3)

	b.RecordFailure(time.Millisecond)
	b.RecordFailure(time.Millisecond)
	b.RecordSuccess(time.Millisecond)
	if got := b.Snapshot().FailureCount; got != 0 {
		t.Fatalf("expected failure count reset to 0 after success, got %d", got)
	}

	// Two more failures must not trip: the run of three was broken.
	b.RecordFailure(time.Millisecond)
	b.RecordFailure(time.Millisecond)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
}

func TestBreaker_OpenToHalfOpenAfterResetTimeout(t *testing.T) {
	b := newTestBreaker(1, 50*time.Millisecond, 1)

	b.RecordFailure(time.Millisecond)
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Allow() to reject while cooldown is running")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected Allow() to admit a probe after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State())
	}
}

func TestBreaker_HalfOpenClosesAtSuccessThreshold(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond, 2)

	b.RecordFailure(time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	b.Allow()

	b.RecordSuccess(time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected still StateHalfOpen after 1 success, got %v", b.State())
	}
	b.RecordSuccess(time.Millisecond)
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after 2 successes, got %v", b.State())
	}

	snap := b.Snapshot()
	if snap.FailureCount != 0 || snap.SuccessCount != 0 {
		t.Fatalf("expected counters reset on close, got failures=%d successes=%d",
			snap.FailureCount, snap.SuccessCount)
	}
}

func TestBreaker_HalfOpenSingleFailureReopens(t *testing.T) {
	// Success threshold 3; accumulate 2 successes, then fail. The failure
	// must reopen immediately and discard the partial successes.
	b := newTestBreaker(2, 10*time.Millisecond, 3)

	b.RecordFailure(time.Millisecond)
	b.RecordFailure(time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	b.Allow()

	b.RecordSuccess(time.Millisecond)
	b.RecordSuccess(time.Millisecond)
	b.RecordFailure(time.Millisecond)

	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State())
	}

	snap := b.Snapshot()
	if snap.SuccessCount != 0 {
		t.Fatalf("expected success count discarded on reopen, got %d", snap.SuccessCount)
	}
	if !snap.NextAttemptTime.After(time.Now().Add(5 * time.Millisecond)) {
		t.Fatal("expected NextAttemptTime recomputed on reopen")
	}
}

func TestBreaker_TransitionLogCap(t *testing.T) {
	b := newTestBreaker(1, time.Hour, 1)

	// 50 trip/reset cycles = 100 transitions.
	for i := 0; i < 50; i++ {
		b.RecordFailure(time.Millisecond)
		b.Reset()
	}

	snap := b.Snapshot()
	if len(snap.Transitions) != maxTransitions {
		t.Fatalf("expected %d transitions, got %d", maxTransitions, len(snap.Transitions))
	}

	// The log must hold the most recent transitions in chronological order,
	// alternating closed→open, open→closed, ending with the final reset.
	for i, tr := range snap.Transitions {
		if i > 0 && tr.At.Before(snap.Transitions[i-1].At) {
			t.Fatalf("transitions out of order at index %d", i)
		}
		if i%2 == 0 {
			if tr.From != StateClosed || tr.To != StateOpen {
				t.Fatalf("transition %d: expected closed→open, got %v→%v", i, tr.From, tr.To)
			}
		} else {
			if tr.From != StateOpen || tr.To != StateClosed {
				t.Fatalf("transition %d: expected open→closed, got %v→%v", i, tr.From, tr.To)
			}
		}
	}
	if last := snap.Transitions[maxTransitions-1]; last.To != StateClosed {
		t.Fatalf("expected final transition to close, got %v", last.To)
	}
}

func TestBreaker_RunningAverageLatency(t *testing.T) {
	b := newTestBreaker(5, 30*time.Second, 3)

	b.RecordSuccess(100 * time.Millisecond)
	b.RecordSuccess(200 * time.Millisecond)
	b.RecordSuccess(300 * time.Millisecond)

	if got := b.Snapshot().Metrics.AverageResponseTime; got != 200*time.Millisecond {
		t.Fatalf("expected running average 200ms, got %v", got)
	}
}

func TestBreaker_HealthScore(t *testing.T) {
	t.Run("fresh breaker scores 100", func(t *testing.T) {
		b := newTestBreaker(5, 30*time.Second, 3)
		if got := b.HealthScore(); got != 100 {
			t.Fatalf("expected 100, got %v", got)
		}
	})

	t.Run("latency penalty capped at 20", func(t *testing.T) {
		b := newTestBreaker(5, 30*time.Second, 3)
		b.RecordSuccess(10 * time.Second) // avg 10000ms → raw penalty 100, capped
		if got := b.HealthScore(); got != 80 {
			t.Fatalf("expected 80, got %v", got)
		}
	})

	t.Run("open state penalty", func(t *testing.T) {
		b := newTestBreaker(1, 30*time.Second, 3)
		b.RecordSuccess(0)
		b.RecordSuccess(0)
		b.RecordSuccess(0)
		b.RecordFailure(0)
		// 3/4 success = 75, minus 50 for open.
		if got := b.HealthScore(); got != 25 {
			t.Fatalf("expected 25, got %v", got)
		}
	})

	t.Run("clamped at zero", func(t *testing.T) {
		b := newTestBreaker(1, 30*time.Second, 3)
		b.RecordFailure(0)
		if got := b.HealthScore(); got != 0 {
			t.Fatalf("expected 0, got %v", got)
		}
	})
}

func TestBreaker_SnapshotIsACopy(t *testing.T) {
	b := newTestBreaker(1, time.Hour, 1)
	b.RecordFailure(time.Millisecond)

	snap := b.Snapshot()
	snap.Transitions[0].Reason = "mutated"
	snap.FailureCount = 99

	fresh := b.Snapshot()
	if fresh.Transitions[0].Reason == "mutated" {
		t.Fatal("snapshot mutation leaked into breaker state")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := newTestBreaker(50, 30*time.Second, 3)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Allow()
			b.RecordSuccess(time.Millisecond)
			b.RecordFailure(time.Millisecond)
			_ = b.State()
			_ = b.Snapshot()
		}()
	}
	wg.Wait()
	// No panic or race condition = pass.
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func TestRegistry_LazyCreation(t *testing.T) {
	r := NewRegistry(Settings{}, slog.Default())

	if _, ok := r.Get("orders/fulfillment"); ok {
		t.Fatal("expected no breaker before first use")
	}

	b1 := r.For("orders/fulfillment")
	b2 := r.For("orders/fulfillment")
	if b1 != b2 {
		t.Fatal("expected the same breaker instance for one destination")
	}

	if _, ok := r.Get("orders/fulfillment"); !ok {
		t.Fatal("expected breaker to exist after first use")
	}
}

func TestRegistry_Snapshots(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 1}, slog.Default())
	r.For("a/x").RecordFailure(time.Millisecond)
	r.For("b/y").RecordSuccess(time.Millisecond)

	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps["a/x"].State != StateOpen {
		t.Fatalf("expected a/x open, got %v", snaps["a/x"].State)
	}
	if snaps["b/y"].State != StateClosed {
		t.Fatalf("expected b/y closed, got %v", snaps["b/y"].State)
	}
}

func TestRegistry_UpdateSettingsAppliesToNewBreakersOnly(t *testing.T) {
	r := NewRegistry(Settings{FailureThreshold: 3}, slog.Default())
	existing := r.For("a/x")

	r.UpdateSettings(Settings{FailureThreshold: 1})

	// The existing breaker keeps its original threshold.
	existing.RecordFailure(time.Millisecond)
	if existing.State() != StateClosed {
		t.Fatalf("expected existing breaker to keep threshold 3, got %v after 1 failure", existing.State())
	}

	// A breaker created after the update trips at the new threshold.
	fresh := r.For("b/y")
	fresh.RecordFailure(time.Millisecond)
	if fresh.State() != StateOpen {
		t.Fatalf("expected new breaker to trip at threshold 1, got %v", fresh.State())
	}
}
