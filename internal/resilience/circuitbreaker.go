// Package resilience provides the per-service fault isolation used by the
// gateway: a count-based sliding-window circuit breaker, a fixed-period rate
// limiter (local or Redis-backed) and the Gate that caches both per service.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows requests to pass through normally.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows a bounded number of trial requests.
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig contains configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// SlidingWindowSize is the number of most recent calls the failure rate is computed over.
	SlidingWindowSize int
	// FailureRateThreshold is the failure percentage (0-100) at or above which the circuit opens.
	FailureRateThreshold float64
	// WaitDurationInOpenState is how long the circuit rejects calls before probing.
	WaitDurationInOpenState time.Duration
	// PermittedCallsInHalfOpen is the number of trial calls let through when probing.
	// Zero closes the circuit as soon as the wait elapses.
	PermittedCallsInHalfOpen int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		SlidingWindowSize:        100,
		FailureRateThreshold:     50,
		WaitDurationInOpenState:  60 * time.Second,
		PermittedCallsInHalfOpen: 10,
	}
}

// CircuitBreaker implements the circuit breaker pattern over a count-based
// sliding window. The rate is only evaluated once the window is full.
type CircuitBreaker struct {
	mu     sync.Mutex
	name   string
	state  CircuitState
	config CircuitBreakerConfig

	// ring of outcomes in closed state, true = failure
	window   []bool
	next     int
	recorded int
	failures int

	openedAt time.Time

	trialsIssued   int
	trialsDone     int
	trialsFailures int

	now           func() time.Time
	onStateChange func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.SlidingWindowSize <= 0 {
		cfg.SlidingWindowSize = DefaultCircuitBreakerConfig().SlidingWindowSize
	}
	return &CircuitBreaker{
		name:   name,
		state:  StateClosed,
		config: cfg,
		window: make([]bool, cfg.SlidingWindowSize),
		now:    time.Now,
	}
}

// OnStateChange sets a callback for state transitions.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow checks if a request should be allowed through.
// Every true result must be followed by exactly one of RecordSuccess,
// RecordFailure or Release.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.WaitDurationInOpenState {
			return false
		}
		if cb.config.PermittedCallsInHalfOpen == 0 {
			cb.close()
			return true
		}
		cb.transitionTo(StateHalfOpen)
		cb.trialsIssued, cb.trialsDone, cb.trialsFailures = 1, 0, 0
		return true

	case StateHalfOpen:
		if cb.trialsIssued < cb.config.PermittedCallsInHalfOpen {
			cb.trialsIssued++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.record(false)
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.record(true)
}

// Release returns a permission that was granted but never used, for example
// when the rate limiter rejected the call after the breaker let it through.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.trialsIssued > cb.trialsDone {
		cb.trialsIssued--
	}
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if cb.recorded == len(cb.window) {
			if cb.window[cb.next] {
				cb.failures--
			}
		} else {
			cb.recorded++
		}
		cb.window[cb.next] = failed
		if failed {
			cb.failures++
		}
		cb.next = (cb.next + 1) % len(cb.window)

		if cb.recorded == len(cb.window) && cb.exceeds(cb.failures, cb.recorded) {
			cb.open()
		}

	case StateHalfOpen:
		if cb.trialsDone >= cb.trialsIssued {
			return
		}
		cb.trialsDone++
		if failed {
			cb.trialsFailures++
		}
		if cb.trialsDone < cb.config.PermittedCallsInHalfOpen {
			return
		}
		if cb.exceeds(cb.trialsFailures, cb.trialsDone) {
			cb.open()
		} else {
			cb.close()
		}

	case StateOpen:
		// late outcome of a call admitted before the circuit opened
	}
}

func (cb *CircuitBreaker) exceeds(failures, total int) bool {
	if failures == 0 || total == 0 {
		return false
	}
	rate := float64(failures) * 100 / float64(total)
	return rate >= cb.config.FailureRateThreshold
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.transitionTo(StateOpen)
}

func (cb *CircuitBreaker) close() {
	cb.transitionTo(StateClosed)
	cb.resetWindow()
}

func (cb *CircuitBreaker) resetWindow() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.next, cb.recorded, cb.failures = 0, 0, 0
	cb.trialsIssued, cb.trialsDone, cb.trialsFailures = 0, 0, 0
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureRate returns the failure percentage over the calls currently in the
// window, or -1 while fewer than SlidingWindowSize calls were recorded.
func (cb *CircuitBreaker) FailureRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.recorded < len(cb.window) {
		return -1
	}
	return float64(cb.failures) * 100 / float64(cb.recorded)
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the breaker settings.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	return cb.config
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.close()
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	if cb.onStateChange != nil {
		// Call callback without holding lock
		go cb.onStateChange(cb.name, oldState, newState)
	}
}
