package modhost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed indicates the circuit is closed and allowing calls.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates the circuit is open and rejecting calls.
	CircuitOpen
	// CircuitHalfOpen indicates the circuit is allowing a single probe.
	CircuitHalfOpen
)

// String returns a string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Circuit breaker defaults, used unless a per-component override is
// configured.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 300 * time.Second
)

// CircuitBreaker implements the circuit breaker pattern for module
// initialization and feature invocations. Consecutive failures reaching
// the threshold open the circuit; after the reset timeout a single probe
// is allowed through, and its outcome decides between closing again and
// reopening.
type CircuitBreaker struct {
	component        string
	failureThreshold int           // consecutive failures before opening
	resetTimeout     time.Duration // wait before allowing a probe
	failureCount     int
	lastFailure      time.Time
	state            CircuitState
	probing          bool // a half-open probe is in flight
	mutex            sync.RWMutex
	logger           Logger
	onTransition     func(component string, from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker for a component with default
// settings. The component id shares the module name space so breaker state
// can be cross-referenced with registry and health state.
func NewCircuitBreaker(component string, logger Logger) *CircuitBreaker {
	return &CircuitBreaker{
		component:        component,
		failureThreshold: DefaultFailureThreshold,
		resetTimeout:     DefaultResetTimeout,
		state:            CircuitClosed,
		logger:           logger,
	}
}

// WithFailureThreshold sets the number of consecutive failures required to
// open the circuit.
func (cb *CircuitBreaker) WithFailureThreshold(threshold int) *CircuitBreaker {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if threshold > 0 {
		cb.failureThreshold = threshold
	}
	return cb
}

// WithResetTimeout sets the duration to wait after opening before allowing
// a probe.
func (cb *CircuitBreaker) WithResetTimeout(timeout time.Duration) *CircuitBreaker {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if timeout > 0 {
		cb.resetTimeout = timeout
	}
	return cb
}

// WithTransitionListener registers a hook invoked on every state
// transition. The hook runs under the breaker's lock and must not call
// back into the breaker.
func (cb *CircuitBreaker) WithTransitionListener(fn func(component string, from, to CircuitState)) *CircuitBreaker {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onTransition = fn
	return cb
}

// IsOpen reports whether calls should be rejected right now. When the
// reset timeout has elapsed on an open circuit, the breaker transitions to
// half-open and admits the caller as the single probe; further callers are
// rejected until the probe's outcome is recorded.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.transitionLocked(CircuitHalfOpen)
			cb.probing = true
			return false
		}
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return true
		}
		cb.probing = true
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call, closing the circuit and
// resetting the consecutive failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state != CircuitClosed {
		cb.transitionLocked(CircuitClosed)
	}
	cb.failureCount = 0
	cb.probing = false
}

// RecordFailure records a failed call. In the closed state consecutive
// failures reaching the threshold open the circuit; a failed half-open
// probe reopens it immediately and restarts the reset clock.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.failureCount < cb.failureThreshold {
		cb.failureCount++
	}
	cb.lastFailure = time.Now()
	cb.probing = false

	switch cb.state {
	case CircuitHalfOpen:
		cb.transitionLocked(CircuitOpen)
	case CircuitClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionLocked(CircuitOpen)
		}
	case CircuitOpen:
		// Already open; the failure only refreshes the reset clock.
	}
}

// Execute runs fn with circuit breaker protection. An open circuit
// rejects the call with ErrCircuitOpen without invoking fn; otherwise
// fn's outcome is recorded.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if cb.IsOpen() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, cb.component)
	}

	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Reset returns the breaker to the closed state with a zero failure
// count. Used by the operator reset path.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.state != CircuitClosed {
		cb.transitionLocked(CircuitClosed)
	}
	cb.failureCount = 0
	cb.probing = false
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// GetFailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) GetFailureCount() int {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.failureCount
}

// transitionLocked moves the breaker to a new state, logging the prior and
// next state with a timestamp. Callers hold the write lock.
func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.logger.Info("Circuit breaker state changed",
		"component", cb.component, "from", from.String(), "to", to.String(),
		"failures", cb.failureCount, "at", time.Now().Format(time.RFC3339))
	if cb.onTransition != nil {
		cb.onTransition(cb.component, from, to)
	}
}

// BreakerSettings carries the tunable parameters of a circuit breaker.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"threshold" json:"threshold"`
	ResetTimeout     time.Duration `yaml:"timeout" json:"timeout"`
}

// BreakerRegistry creates and tracks circuit breakers per component,
// lazily on first use. All breakers share the registry's defaults unless
// a per-component override is configured.
type BreakerRegistry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  BreakerSettings
	overrides map[string]BreakerSettings
	logger    Logger
	openTotal atomic.Int64

	// hookMu only guards onTransition. It is a leaf lock: trackTransition
	// runs under a breaker's lock and must not touch mu there.
	hookMu       sync.RWMutex
	onTransition func(component string, from, to CircuitState)
}

// NewBreakerRegistry creates a breaker registry with the given defaults.
// Zero default fields fall back to the package defaults.
func NewBreakerRegistry(defaults BreakerSettings, logger Logger) *BreakerRegistry {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = DefaultFailureThreshold
	}
	if defaults.ResetTimeout <= 0 {
		defaults.ResetTimeout = DefaultResetTimeout
	}
	return &BreakerRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults,
		overrides: make(map[string]BreakerSettings),
		logger:    logger,
	}
}

// SetOverride configures per-component breaker settings, applied when the
// component's breaker is created. Overrides set after creation do not
// retune an existing breaker.
func (r *BreakerRegistry) SetOverride(component string, settings BreakerSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[component] = settings
}

// OnTransition registers a hook invoked for every state transition of
// every breaker the registry tracks. The hook runs under the transitioning
// breaker's lock and must not call back into that breaker.
func (r *BreakerRegistry) OnTransition(fn func(component string, from, to CircuitState)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onTransition = fn
}

// For returns the circuit breaker for a component, creating it on first
// use.
func (r *BreakerRegistry) For(component string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[component]
	r.mu.RUnlock()
	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, exists = r.breakers[component]; exists {
		return cb
	}

	cb = NewCircuitBreaker(component, r.logger)
	settings, ok := r.overrides[component]
	if !ok {
		settings = r.defaults
	}
	if settings.FailureThreshold > 0 {
		cb.WithFailureThreshold(settings.FailureThreshold)
	} else {
		cb.WithFailureThreshold(r.defaults.FailureThreshold)
	}
	if settings.ResetTimeout > 0 {
		cb.WithResetTimeout(settings.ResetTimeout)
	} else {
		cb.WithResetTimeout(r.defaults.ResetTimeout)
	}
	cb.WithTransitionListener(r.trackTransition)
	r.breakers[component] = cb
	return cb
}

// trackTransition keeps the open-breaker tally current and forwards the
// transition to the registry hook. It runs under the breaker's lock, so
// it only touches the atomic tally and the hook's leaf lock.
func (r *BreakerRegistry) trackTransition(component string, from, to CircuitState) {
	if from == CircuitOpen {
		r.openTotal.Add(-1)
	}
	if to == CircuitOpen {
		r.openTotal.Add(1)
	}
	r.hookMu.RLock()
	fn := r.onTransition
	r.hookMu.RUnlock()
	if fn != nil {
		fn(component, from, to)
	}
}

// Reset resets a component's breaker if one exists.
func (r *BreakerRegistry) Reset(component string) {
	r.mu.RLock()
	cb, exists := r.breakers[component]
	r.mu.RUnlock()
	if exists {
		cb.Reset()
	}
}

// OpenCount returns the number of breakers currently open. Half-open
// breakers are not counted: they are already probing for recovery.
func (r *BreakerRegistry) OpenCount() int {
	return int(r.openTotal.Load())
}

// States returns a snapshot of every tracked breaker's state.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	snapshot := make(map[string]*CircuitBreaker, len(r.breakers))
	for component, cb := range r.breakers {
		snapshot[component] = cb
	}
	r.mu.RUnlock()

	states := make(map[string]CircuitState, len(snapshot))
	for component, cb := range snapshot {
		states[component] = cb.GetState()
	}
	return states
}
