// Package modhost provides Observer pattern interfaces for event-driven
// integration. Host lifecycle events use the CloudEvents specification so
// external systems can consume them without a custom envelope.
package modhost

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer defines the interface for objects that want to be notified of
// host events: module state changes, breaker transitions, mode changes.
// Observers register with the host and receive CloudEvents.
type Observer interface {
	// OnEvent is called when an event the observer subscribed to occurs.
	// Observers should return quickly; slow work belongs in their own
	// goroutines.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used for
	// registration tracking and debugging.
	ObserverID() string
}

// Subject is implemented by event emitters, primarily the Host. Subjects
// maintain a set of observers and notify them when events occur.
type Subject interface {
	// RegisterObserver adds an observer. An empty eventTypes list
	// subscribes it to every event; otherwise only the listed types are
	// delivered.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent: unregistering
	// an unknown observer is not an error.
	UnregisterObserver(observer Observer) error

	// NotifyObservers delivers an event to all subscribed observers
	// without blocking the caller.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about currently registered
	// observers, for debugging and status surfaces.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	// ID is the unique identifier of the observer
	ID string `json:"id"`

	// EventTypes are the subscribed event types. Empty means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt indicates when the observer was registered
	RegisteredAt time.Time `json:"registeredAt"`
}

// EventType constants for host events. Following the CloudEvents
// specification, these use reverse domain notation.
const (
	// Module lifecycle events
	EventTypeModuleDiscovered   = "com.modhost.module.discovered"
	EventTypeModuleLoaded       = "com.modhost.module.loaded"
	EventTypeModuleLoadDegraded = "com.modhost.module.degraded"
	EventTypeModuleBroken       = "com.modhost.module.broken"
	EventTypeModuleQuarantined  = "com.modhost.module.quarantined"
	EventTypeModuleRecovered    = "com.modhost.module.recovered"
	EventTypeQuarantineCleared  = "com.modhost.module.quarantine.cleared"

	// Resilience events
	EventTypeBreakerStateChanged = "com.modhost.breaker.state.changed"
	EventTypeModeChanged         = "com.modhost.degradation.mode.changed"
	EventTypeHealthEvaluated     = "com.modhost.health.evaluated"
	EventTypeIntegrityForced     = "com.modhost.integrity.forced"

	// Source events
	EventTypeSourceChanged = "com.modhost.source.changed"

	// Host lifecycle events
	EventTypeHostStarted = "com.modhost.host.started"
	EventTypeHostStopped = "com.modhost.host.stopped"
)

// FunctionalObserver wraps a handler function as an Observer, for quick
// observer creation without a dedicated type.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that delegates to the given
// handler function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements the Observer interface by calling the handler.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements the Observer interface.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
