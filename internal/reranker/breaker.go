package reranker

import (
	"sync"
	"time"
)

// Default circuit breaker parameters.
const (
	DefaultFailureThreshold = 5
	DefaultLatencyThreshold = 5 * time.Second
	DefaultResetTimeout     = 30 * time.Second
)

// State is the circuit breaker mode.
type State int

const (
	// StateClosed means the scorer is healthy and calls go through.
	StateClosed State = iota
	// StateOpen means the scorer is considered down; calls are skipped
	// in favor of the deterministic fallback.
	StateOpen
	// StateHalfOpen allows one trial call to test recovery.
	StateHalfOpen
)

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

// BreakerConfig holds circuit breaker tuning parameters. Zero values
// select the defaults.
type BreakerConfig struct {
	// FailureThreshold is how many consecutive failures trip the breaker.
	FailureThreshold int

	// LatencyThreshold is the call duration beyond which a successful
	// call still counts as a failure.
	LatencyThreshold time.Duration

	// ResetTimeout is how long after the last failure an open breaker
	// lets a trial call through.
	ResetTimeout time.Duration
}

// CircuitBreaker tracks the health of the relevance scoring backend. One
// instance is shared across all rerank invocations in the process; it is
// explicitly constructed and injected, never a package singleton, so tests
// and deployments own their instances.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time

	failureThreshold int
	latencyThreshold time.Duration
	resetTimeout     time.Duration

	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.LatencyThreshold <= 0 {
		cfg.LatencyThreshold = DefaultLatencyThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		latencyThreshold: cfg.LatencyThreshold,
		resetTimeout:     cfg.ResetTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a scorer call may proceed. An open breaker whose
// reset timeout has elapsed since the last failure transitions to
// half-open and lets the call through as a trial.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailure) >= b.resetTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	}
	return true
}

// Record classifies the outcome of one scorer call. A failure is either a
// returned error or a call that took longer than the latency threshold;
// everything else is a success.
func (b *CircuitBreaker) Record(latency time.Duration, err error) {
	if err != nil || latency > b.latencyThreshold {
		b.recordFailure()
		return
	}
	b.recordSuccess()
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		// The trial call failed; re-open and restart the reset clock.
		b.state = StateOpen
	case StateClosed:
		if b.failures >= b.failureThreshold {
			b.state = StateOpen
		}
	}
}

// State returns the current breaker mode.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
