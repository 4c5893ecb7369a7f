// Package modhost provides a resilient module runtime for Go hosts.
// It discovers self-describing modules, resolves their declared dependencies
// into a safe load order, verifies content integrity, and loads each module
// with failure isolation so that one misbehaving module cannot take the
// host process down.
//
// Resilience is layered: every module's initialization runs under a
// per-component circuit breaker, a fallback registry can substitute reduced
// functionality when the primary path fails, a process-wide degradation mode
// gates feature availability by criticality tier, and a background health
// monitor drives soft recovery, reload, and quarantine decisions.
//
// Modules interact with the host through exactly three surfaces: a
// descriptor (parsed from the module unit's frontmatter), an init entry
// point, and optional health-check, fallback, and recovery entry points.
// Entry points are plain functions registered with the host before loading;
// a missing entry point is a normal, checked lookup miss.
//
// Basic usage:
//
//	host, err := modhost.NewHost(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	host.RegisterEntryPoints("osint", modhost.EntryPoints{Init: initOSINT})
//	if err := host.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package modhost

import (
	"context"
	"sync"
)

// InitFunc is a module's initialization entry point. It is invoked once per
// load attempt, wrapped by the module's circuit breaker. A returned error
// (or a panic, which the loader contains) marks the module Broken.
type InitFunc func(ctx context.Context) error

// HealthFunc reports a module's current operational status. It is invoked
// by the health monitor for loaded modules, subject to per-module rate
// limiting. Implementations should be fast and side-effect free.
type HealthFunc func(ctx context.Context) HealthResult

// FallbackFunc provides substitute, reduced functionality for a component
// whose primary path is failing or circuit-broken. Fallback execution is
// never protected by a nested circuit breaker; its failure propagates
// directly to the caller.
type FallbackFunc func(ctx context.Context) error

// RecoverFunc performs a soft reset of a module's transient state (clearing
// caches, resetting counters) without a full reload. It is invoked by the
// health monitor's WARNING policy before escalating to reload.
type RecoverFunc func(ctx context.Context) error

// EntryPoints bundles the callable surface a module registers with the host.
// Init is required; the rest are optional.
type EntryPoints struct {
	Init     InitFunc
	Health   HealthFunc
	Fallback FallbackFunc
	Recover  RecoverFunc
}

// EntryPointRegistry maps module names to their registered entry points.
// It is the explicit strategy map the loader and health monitor consult:
// a module name with no registered entry points is a normal lookup miss,
// not an error at registration time.
type EntryPointRegistry struct {
	mu     sync.RWMutex
	points map[string]EntryPoints
	logger Logger
}

// NewEntryPointRegistry creates an empty entry point registry.
func NewEntryPointRegistry(logger Logger) *EntryPointRegistry {
	return &EntryPointRegistry{
		points: make(map[string]EntryPoints),
		logger: logger,
	}
}

// Register associates entry points with a module name. The Init entry point
// is required. Re-registration overwrites the previous entry points, which
// is logged since it usually indicates a duplicate registration path.
func (r *EntryPointRegistry) Register(module string, ep EntryPoints) error {
	if ep.Init == nil {
		return ErrNilInitEntryPoint
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.points[module]; exists {
		r.logger.Warn("Entry points re-registered, overwriting", "module", module)
	}
	r.points[module] = ep
	r.logger.Debug("Entry points registered", "module", module,
		"health", ep.Health != nil, "fallback", ep.Fallback != nil, "recover", ep.Recover != nil)
	return nil
}

// Lookup returns the entry points registered for a module, if any.
func (r *EntryPointRegistry) Lookup(module string) (EntryPoints, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.points[module]
	return ep, ok
}

// Registered returns the names of all modules with registered entry points.
func (r *EntryPointRegistry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.points))
	for name := range r.points {
		names = append(names, name)
	}
	return names
}
