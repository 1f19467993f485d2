// Package breaker provides per-destination circuit breakers for inter-cell
// calls. A breaker trips open after a run of consecutive failures, sheds
// load for a cooldown period, then probes the destination through a
// half-open trial phase before closing again.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cellmesh/cell-gateway/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; trial calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes a State as its string name so snapshots read
// "open" rather than 1.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// maxTransitions caps the diagnostic transition log. Oldest entries are
// evicted first.
const maxTransitions = 50

// Settings holds the breaker thresholds. Zero values take defaults.
type Settings struct {
	// FailureThreshold is the number of consecutive failures while closed
	// that trips the breaker open. Default 5.
	FailureThreshold int

	// ResetTimeout is the cooldown after opening before a probe call is
	// allowed through. Default 30s.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of successes while half-open required
	// to close the breaker. Default 3.
	SuccessThreshold int
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 3
	}
	return s
}

// Transition is one entry in the breaker's diagnostic state-change log.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// CallMetrics holds the cumulative per-destination counters.
type CallMetrics struct {
	TotalRequests       uint64        `json:"total_requests"`
	SuccessfulRequests  uint64        `json:"successful_requests"`
	FailedRequests      uint64        `json:"failed_requests"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	LastSuccessTime     time.Time     `json:"last_success_time"`
	LastFailureTime     time.Time     `json:"last_failure_time"`
}

// Snapshot is a point-in-time copy of a breaker's state. Callers never hold
// references to live breaker internals; all reads go through copies.
type Snapshot struct {
	Destination     string       `json:"destination"`
	State           State        `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	NextAttemptTime time.Time    `json:"next_attempt_time,omitzero"`
	Metrics         CallMetrics  `json:"metrics"`
	Transitions     []Transition `json:"transitions"`
	HealthScore     float64      `json:"health_score"`
}

// Breaker is a three-state circuit breaker for one destination cell.
// Transition logic is a pure function of (current state, event); all
// mutation happens under the mutex.
type Breaker struct {
	mu sync.Mutex

	destination string
	settings    Settings
	logger      *slog.Logger

	state        State
	failureCount int
	successCount int
	nextAttempt  time.Time // meaningful only while open

	metrics CallMetrics

	// Capped transition log implemented as a ring buffer.
	transitions [maxTransitions]Transition
	transHead   int // next write position
	transCount  int
}

// New creates a closed Breaker for the given destination.
func New(destination string, settings Settings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		destination: destination,
		settings:    settings.withDefaults(),
		logger:      logger,
		state:       StateClosed,
	}
}

// Allow reports whether a logical call may proceed. While open, it returns
// false until the reset timeout has elapsed; the first call after that
// transitions the breaker to half-open and is allowed through as a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if !time.Now().Before(b.nextAttempt) {
			b.transitionTo(StateHalfOpen, "reset timeout elapsed")
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess records a successful logical call with its total latency.
// A success while closed resets the consecutive failure count; enough
// successes while half-open close the breaker.
func (b *Breaker) RecordSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.observe(latency, false)

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.transitionTo(StateClosed, "success threshold reached")
		}
	}
}

// RecordFailure records a failed logical call with its total latency.
// Reaching the failure threshold while closed opens the breaker; any
// failure while half-open reopens it immediately, discarding accumulated
// probe successes.
func (b *Breaker) RecordFailure(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.observe(latency, true)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.transitionTo(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen, "half-open probe failed")
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HealthScore returns the derived 0-100 destination health score:
// success rate minus a latency penalty (capped at 20) minus a state
// penalty (50 open, 25 half-open). Recomputed on demand, never stored.
func (b *Breaker) HealthScore() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthScoreLocked()
}

// Reset forces the breaker back to closed. Intended for operators.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transitionTo(StateClosed, "manual reset")
	}
	b.failureCount = 0
	b.successCount = 0
}

// Snapshot returns a copy of the breaker state, with the transition log in
// chronological order.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	transitions := make([]Transition, b.transCount)
	start := b.transHead - b.transCount
	if start < 0 {
		start += maxTransitions
	}
	for i := 0; i < b.transCount; i++ {
		transitions[i] = b.transitions[(start+i)%maxTransitions]
	}

	snap := Snapshot{
		Destination:  b.destination,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		Metrics:      b.metrics,
		Transitions:  transitions,
		HealthScore:  b.healthScoreLocked(),
	}
	if b.state == StateOpen {
		snap.NextAttemptTime = b.nextAttempt
	}
	return snap
}

// observe updates the cumulative metrics with one call outcome.
// Must be called with b.mu held.
func (b *Breaker) observe(latency time.Duration, failed bool) {
	b.metrics.TotalRequests++
	n := b.metrics.TotalRequests

	// Incremental running mean: avg' = (avg*(n-1) + latest) / n.
	prev := b.metrics.AverageResponseTime
	b.metrics.AverageResponseTime = prev + (latency-prev)/time.Duration(n)

	now := time.Now()
	if failed {
		b.metrics.FailedRequests++
		b.metrics.LastFailureTime = now
	} else {
		b.metrics.SuccessfulRequests++
		b.metrics.LastSuccessTime = now
	}

	metrics.CircuitHealthScore.WithLabelValues(b.destination).Set(b.healthScoreLocked())
}

// healthScoreLocked computes the health score. Must be called with b.mu held.
func (b *Breaker) healthScoreLocked() float64 {
	successRate := 100.0
	if b.metrics.TotalRequests > 0 {
		successRate = float64(b.metrics.SuccessfulRequests) / float64(b.metrics.TotalRequests) * 100
	}

	latencyPenalty := float64(b.metrics.AverageResponseTime.Milliseconds()) / 100
	if latencyPenalty > 20 {
		latencyPenalty = 20
	}

	var statePenalty float64
	switch b.state {
	case StateOpen:
		statePenalty = 50
	case StateHalfOpen:
		statePenalty = 25
	}

	score := successRate - latencyPenalty - statePenalty
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// transitionTo changes the breaker state, appending to the transition log,
// emitting metrics, and logging. Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State, reason string) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	b.transitions[b.transHead] = Transition{
		From:   from,
		To:     newState,
		At:     time.Now(),
		Reason: reason,
	}
	b.transHead = (b.transHead + 1) % maxTransitions
	if b.transCount < maxTransitions {
		b.transCount++
	}

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.destination, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.destination).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"cell", b.destination,
		"from", from.String(),
		"to", newState.String(),
		"reason", reason,
	)

	switch newState {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
	case StateOpen:
		b.nextAttempt = time.Now().Add(b.settings.ResetTimeout)
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
	}
}
