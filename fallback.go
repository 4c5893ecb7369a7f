package modhost

import (
	"context"
	"fmt"
	"sync"
)

// FallbackRegistry maps component ids to degraded-path handlers. A
// fallback runs when the component's circuit breaker is open or when the
// primary path has just failed. Fallbacks run bare: no circuit breaker
// wraps them, and a fallback failure propagates to the caller instead of
// being retried.
type FallbackRegistry struct {
	mu        sync.RWMutex
	fallbacks map[string]FallbackFunc
	logger    Logger
}

// NewFallbackRegistry creates an empty fallback registry.
func NewFallbackRegistry(logger Logger) *FallbackRegistry {
	return &FallbackRegistry{
		fallbacks: make(map[string]FallbackFunc),
		logger:    logger,
	}
}

// Register associates a fallback handler with a component id. Registering
// for a component that already has one replaces it with a notice.
func (r *FallbackRegistry) Register(component string, fn FallbackFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNilFallback, component)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.fallbacks[component]; exists {
		r.logger.Warn("Replacing registered fallback", "component", component)
	}
	r.fallbacks[component] = fn
	return nil
}

// Unregister removes a component's fallback handler.
func (r *FallbackRegistry) Unregister(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fallbacks, component)
}

// Has reports whether a fallback is registered for the component.
func (r *FallbackRegistry) Has(component string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.fallbacks[component]
	return exists
}

// Invoke runs the component's fallback handler. Returns ErrNoFallback if
// none is registered.
func (r *FallbackRegistry) Invoke(ctx context.Context, component string) error {
	r.mu.RLock()
	fn, exists := r.fallbacks[component]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNoFallback, component)
	}

	r.logger.Info("Invoking fallback", "component", component)
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFallbackFailed, component, err)
	}
	return nil
}
