package errors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"maestro/internal/logging"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - normal operation, requests allowed
	StateClosed CircuitState = iota
	// StateOpen - failing, requests blocked
	StateOpen
	// StateHalfOpen - testing if the endpoint recovered
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

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int                                      // Consecutive failures to open the circuit (default: 5)
	SuccessThreshold int                                      // Consecutive half-open successes to close it (default: 1)
	ResetTimeout     time.Duration                            // Time after opening before a probe is allowed (default: 60s)
	OnStateChange    func(from, to CircuitState, name string) // Optional callback
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeout:     60 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern for one endpoint.
//
// Failure accounting is transport-only: Mark counts an error against the
// breaker only when it is transient (timeouts, 5xx, connection errors).
// Application-level failures mean the endpoint itself answered, so they count
// as transport successes.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu              sync.RWMutex
	state           CircuitState
	failureCount    int
	successCount    int
	openedAt        time.Time
	probing         bool
	lastStateChange time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger logging.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logging.OrNop(logger),
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.Mark(err)
	return err
}

// ExecuteFunc is a helper to execute a function that returns a value.
// This avoids the need for method generics.
func ExecuteFunc[T any](cb *CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zeroValue T

	if err := cb.Allow(); err != nil {
		return zeroValue, err
	}

	result, err := fn(ctx)
	cb.Mark(err)
	return result, err
}

// Allow checks whether a request can proceed under the circuit breaker.
// Callers that need to inspect responses should use Allow/Mark instead of
// Execute. Every successful Allow must be matched by exactly one Mark.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		// The first caller to observe the elapsed reset window becomes the
		// probe; contenders keep failing fast until the probe resolves.
		if cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			cb.successCount = 0
			cb.probing = true
			cb.logger.Info("[%s] circuit half-open, probing recovery", cb.name)
			return nil
		}
		return &CircuitOpenError{
			Endpoint:   cb.name,
			RetryAfter: cb.config.ResetTimeout - cb.now().Sub(cb.openedAt),
		}

	case StateHalfOpen:
		if cb.probing {
			return &CircuitOpenError{Endpoint: cb.name}
		}
		cb.probing = true
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", cb.state)
	}
}

// Mark records a request outcome. nil or a non-transport error counts as
// success; transient transport errors count as failure; context cancellation
// counts as neither.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil:
		cb.onSuccess()
	case errors.Is(err, context.Canceled):
		// The caller walked away; the endpoint proved nothing either way.
		cb.probing = false
	case IsTransient(err):
		cb.onFailure()
	default:
		cb.onSuccess()
	}
}

// onSuccess handles transport-level successes
func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		if cb.failureCount > 0 {
			cb.logger.Debug("[%s] success, resetting failure count", cb.name)
			cb.failureCount = 0
		}

	case StateHalfOpen:
		cb.probing = false
		cb.successCount++
		cb.logger.Debug("[%s] probe success (%d/%d)",
			cb.name, cb.successCount, cb.config.SuccessThreshold)

		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.logger.Info("[%s] circuit closed, endpoint recovered", cb.name)
		}

	case StateOpen:
		// Stale Mark from a request admitted before the circuit opened.
		cb.logger.Debug("[%s] success recorded while open", cb.name)
	}
}

// onFailure handles transport-level failures
func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		cb.logger.Debug("[%s] failure in closed state (%d/%d)",
			cb.name, cb.failureCount, cb.config.FailureThreshold)

		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
			cb.openedAt = cb.now()
			cb.logger.Warn("[%s] circuit opened after %d consecutive failures", cb.name, cb.failureCount)
		}

	case StateHalfOpen:
		cb.probing = false
		cb.successCount = 0
		cb.setState(StateOpen)
		cb.openedAt = cb.now()
		cb.logger.Warn("[%s] circuit reopened, probe failed", cb.name)

	case StateOpen:
		// Stale Mark from a request admitted before the circuit opened. The
		// reset window stays anchored to openedAt.
		cb.logger.Debug("[%s] failure recorded while open", cb.name)
	}
}

// setState transitions to a new state
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	if cb.config.OnStateChange != nil {
		// Call in goroutine to avoid blocking the lock
		go cb.config.OnStateChange(oldState, newState, cb.name)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Metrics returns a consistent snapshot of the breaker counters
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		OpenedAt:        cb.openedAt,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.probing = false
	cb.lastStateChange = cb.now()

	cb.logger.Info("[%s] circuit manually reset from %s to closed", cb.name, oldState)
}

// setClock overrides the time source. Tests only.
func (cb *CircuitBreaker) setClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// CircuitBreakerMetrics contains circuit breaker statistics
type CircuitBreakerMetrics struct {
	Name            string
	State           CircuitState
	FailureCount    int
	SuccessCount    int
	OpenedAt        time.Time
	LastStateChange time.Time
}

// CircuitBreakerManager manages one breaker per endpoint
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	mu       sync.RWMutex
	logger   logging.Logger
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(config CircuitBreakerConfig, logger logging.Logger) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logging.OrNop(logger),
	}
}

// Get returns the circuit breaker for the given endpoint (creates if not exists)
func (m *CircuitBreakerManager) Get(endpoint string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, ok := m.breakers[endpoint]; ok {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, ok := m.breakers[endpoint]; ok {
		return breaker
	}

	breaker := NewCircuitBreaker(endpoint, m.config, m.logger)
	m.breakers[endpoint] = breaker
	m.logger.Debug("created circuit breaker for %s", endpoint)
	return breaker
}

// GetMetrics returns metrics for all circuit breakers
func (m *CircuitBreakerManager) GetMetrics() []CircuitBreakerMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make([]CircuitBreakerMetrics, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		metrics = append(metrics, breaker.Metrics())
	}
	return metrics
}

// ResetAll resets all circuit breakers
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, breaker := range m.breakers {
		breaker.Reset()
	}
	m.logger.Info("reset all circuit breakers")
}

// Remove removes a circuit breaker
func (m *CircuitBreakerManager) Remove(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.breakers, endpoint)
	m.logger.Debug("removed circuit breaker for %s", endpoint)
}
