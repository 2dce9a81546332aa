package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of invoking the call while a breaker is
// shedding load.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState is one of closed, open, or half-open.
type CircuitBreakerState string

const (
	// StateClosed admits every call.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen rejects every call until the open timeout elapses.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen admits a bounded number of probe calls to test
	// whether the upstream has recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig sets the trip and recovery thresholds for one
// upstream.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int

	// SuccessThreshold is the consecutive probe successes required to
	// close a half-open circuit.
	SuccessThreshold int

	// OpenTimeout is how long an open circuit sheds load before admitting
	// probes again.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls caps probes in flight while half-open. A resolved
	// probe frees its slot.
	HalfOpenMaxCalls int
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 2
	}
	return c
}

// DefaultCircuitBreakerConfig returns the thresholds used for upstreams
// without explicit configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{}.withDefaults()
}

// CircuitBreaker sheds load to a failing upstream. Consecutive failures open
// the circuit; after OpenTimeout it admits probes, and SuccessThreshold
// consecutive probe successes close it again.
type CircuitBreaker struct {
	mu    sync.Mutex
	cfg   CircuitBreakerConfig
	state CircuitBreakerState

	failures  int // consecutive failures while closed
	successes int // consecutive probe successes while half-open
	inflight  int // unresolved probes while half-open

	totalFailures  int
	totalSuccesses int
	openUntil      time.Time
	lastChange     time.Time
}

// NewCircuitBreaker creates a closed breaker with the given thresholds.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:        cfg.withDefaults(),
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Execute runs fn under the breaker, recording its outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err)
	return err
}

// ExecuteContext runs fn under the breaker. A context already cancelled is
// reported without touching the breaker's counters.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen, now)
		cb.inflight = 1
		return nil
	default: // StateHalfOpen
		if cb.inflight >= cb.cfg.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		cb.inflight++
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if err == nil {
		cb.totalSuccesses++
	} else {
		cb.totalFailures++
	}

	switch cb.state {
	case StateHalfOpen:
		if cb.inflight > 0 {
			cb.inflight--
		}
		if err != nil {
			cb.transitionLocked(StateOpen, now)
			return
		}
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(StateClosed, now)
		}
	case StateClosed:
		if err == nil {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen, now)
		}
	case StateOpen:
		// A call admitted before the trip resolved late. Only the
		// totals care.
	}
}

func (cb *CircuitBreaker) transitionLocked(next CircuitBreakerState, now time.Time) {
	if cb.state == next {
		return
	}
	cb.state = next
	cb.lastChange = now
	cb.failures = 0
	cb.successes = 0
	cb.inflight = 0
	if next == StateOpen {
		cb.openUntil = now.Add(cb.cfg.OpenTimeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(StateClosed, time.Now())
	cb.totalFailures = 0
	cb.totalSuccesses = 0
}

// CircuitBreakerStats is a point-in-time view for diagnostics.
type CircuitBreakerStats struct {
	State               string `json:"state"`
	Failures            int    `json:"failures"`
	Successes           int    `json:"successes"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastStateChange     string `json:"lastStateChange"`
	OpenTimeout         string `json:"openTimeout"`
}

// Stats returns the breaker's counters and state.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:               string(cb.state),
		Failures:            cb.totalFailures,
		Successes:           cb.totalSuccesses,
		ConsecutiveFailures: cb.failures,
		LastStateChange:     cb.lastChange.Format(time.RFC3339),
		OpenTimeout:         cb.cfg.OpenTimeout.String(),
	}
}

// CircuitBreakerManager holds one breaker per upstream service.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates an empty manager.
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{breakers: make(map[string]*CircuitBreaker)}
}

// Configure installs a fresh breaker for the upstream. Counters do not carry
// over a reconfiguration.
func (m *CircuitBreakerManager) Configure(upstream string, cfg CircuitBreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[upstream] = NewCircuitBreaker(cfg)
}

// Get returns the upstream's breaker, creating one with default thresholds
// on first use.
func (m *CircuitBreakerManager) Get(upstream string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[upstream]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[upstream]; ok {
		return cb
	}
	cb = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	m.breakers[upstream] = cb
	return cb
}

// Stats returns per-upstream breaker statistics.
func (m *CircuitBreakerManager) Stats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for upstream, cb := range m.breakers {
		stats[upstream] = cb.Stats()
	}
	return stats
}

// ResetAll closes every breaker.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}
