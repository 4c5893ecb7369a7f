package modhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// observerRegistration holds information about a registered observer
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool // set of event types this observer is interested in
	registeredAt time.Time
}

// Host ties the runtime together: discovery, registry, resolver-driven
// loading, integrity verification, circuit breakers, fallbacks, the
// degradation controller, health monitoring and persistence. A Host is
// also a Subject: every lifecycle change is emitted as a CloudEvent to
// registered observers.
type Host struct {
	config      *Config
	logger      Logger
	registry    *Registry
	entryPoints *EntryPointRegistry
	verifier    *IntegrityVerifier
	audit       *AuditLog
	breakers    *BreakerRegistry
	fallbacks   *FallbackRegistry
	degradation *DegradationController
	loader      *Loader
	monitor     *HealthMonitor
	stateFile   *StateFile
	discovery   *Discovery
	watcher     *SourceWatcher
	statusAPI   *StatusServer

	fallbacksDisabled map[string]bool

	observers     map[string]*observerRegistration // key is observer ID
	observerMutex sync.RWMutex
	eventCtx      context.Context

	mu        sync.Mutex
	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc
}

// HostOption customizes host construction.
type HostOption func(*Host)

// WithContentReader substitutes how module unit content is read during
// integrity verification. Tests use it to serve units from memory.
func WithContentReader(reader ContentReader) HostOption {
	return func(h *Host) { h.loader.WithContentReader(reader) }
}

// WithObserver registers an observer at construction time, before any
// startup events fire.
func WithObserver(observer Observer, eventTypes ...string) HostOption {
	return func(h *Host) {
		if err := h.RegisterObserver(observer, eventTypes...); err != nil {
			h.logger.Error("Failed to register observer", "error", err)
		}
	}
}

// NewHost creates a host from the given configuration. A nil config gets
// the defaults; a nil logger gets a stderr slog logger honoring
// cfg.Debug.
func NewHost(cfg *Config, logger Logger, opts ...HostOption) (*Host, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := ProcessDefaults(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewSlogLogger(cfg.Debug)
	}

	mode, err := ParseDegradationMode(cfg.InitialMode)
	if err != nil {
		return nil, err
	}

	audit := NewAuditLog(cfg.AuditLog, logger)
	registry := NewRegistry(logger)
	entryPoints := NewEntryPointRegistry(logger)
	verifier := NewIntegrityVerifier(!cfg.SkipVerification, logger, audit)
	breakers := NewBreakerRegistry(BreakerSettings{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerTimeout.Std(),
	}, logger)
	for component, override := range cfg.BreakerOverrides {
		breakers.SetOverride(component, BreakerSettings{
			FailureThreshold: override.Threshold,
			ResetTimeout:     override.Timeout.Std(),
		})
	}
	fallbacks := NewFallbackRegistry(logger)
	degradation := NewDegradationController(mode, DegradationSettings{
		Window:               cfg.DegradationWindow.Std(),
		MinimalOpenThreshold: cfg.MinimalOpenThreshold,
		SafeOpenThreshold:    cfg.SafeOpenThreshold,
		UpgradeCooldown:      cfg.UpgradeCooldown.Std(),
	}, logger)
	stateFile := NewStateFile(cfg.StateFile, logger)

	h := &Host{
		config:            cfg,
		logger:            logger,
		registry:          registry,
		entryPoints:       entryPoints,
		verifier:          verifier,
		audit:             audit,
		breakers:          breakers,
		fallbacks:         fallbacks,
		degradation:       degradation,
		stateFile:         stateFile,
		discovery:         NewDiscovery(cfg.ModulesDir, logger),
		fallbacksDisabled: make(map[string]bool, len(cfg.FallbacksDisabled)),
		observers:         make(map[string]*observerRegistration),
		eventCtx:          context.Background(),
	}
	for _, component := range cfg.FallbacksDisabled {
		h.fallbacksDisabled[component] = true
	}

	h.loader = NewLoader(registry, entryPoints, verifier, breakers, fallbacks, logger).
		WithEnabledFilter(stateFile.IsEnabled).
		WithEmitter(h.emitEvent).
		WithParallelism(cfg.ParallelLoad, cfg.LoadWorkers)

	h.monitor = NewHealthMonitor(registry, entryPoints, h.loader, MonitorSettings{
		Interval:                cfg.HealthInterval.Std(),
		Cron:                    cfg.HealthCron,
		MinInterval:             cfg.HealthMinInterval.Std(),
		CheckTimeout:            cfg.HealthCheckTimeout.Std(),
		MaxRecoveryAttempts:     cfg.MaxRecoveryAttempts,
		SustainedErrorThreshold: cfg.SustainedErrorThreshold,
	}, logger).WithEmitter(h.emitEvent)
	h.monitor.AfterSweep(func() {
		h.degradation.Reevaluate(h.breakers.OpenCount())
	})

	h.breakers.OnTransition(h.onBreakerTransition)
	h.degradation.OnChange(func(from, to DegradationMode, reason string) {
		h.emitEvent(EventTypeModeChanged, map[string]any{
			"from": from.String(), "to": to.String(), "reason": reason,
		})
	})

	if cfg.WatchSources {
		h.watcher = NewSourceWatcher(cfg.ModulesDir, registry, logger).WithEmitter(h.emitEvent)
	}
	if cfg.StatusAddr != "" {
		h.statusAPI = NewStatusServer(cfg.StatusAddr, h, logger)
	}

	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// RegisterEntryPoints registers a module's code entry points with the
// host. The fallback, if any, lands in the fallback registry unless the
// configuration disables fallbacks for that component.
func (h *Host) RegisterEntryPoints(module string, ep EntryPoints) error {
	if err := h.entryPoints.Register(module, ep); err != nil {
		return err
	}
	if ep.Fallback == nil {
		return nil
	}
	if h.fallbacksDisabled[module] {
		h.logger.Info("Fallback registration suppressed by configuration", "module", module)
		return nil
	}
	return h.fallbacks.Register(module, ep.Fallback)
}

// Start brings the host up: load persisted state, discover modules, run
// the initial load pass and start the background components. The only
// fatal conditions are a corrupt state file and an unreadable modules
// directory; everything else is contained per module.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.runCtx, h.runCancel = context.WithCancel(context.Background())
	h.mu.Unlock()

	ok := false
	defer func() {
		if !ok {
			h.runCancel()
		}
	}()

	if err := h.stateFile.Load(); err != nil {
		return err
	}
	descriptors, err := h.discovery.Discover()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(descriptors))
	for _, desc := range descriptors {
		names = append(names, desc.Name)
		if h.registry.Has(desc.Name) {
			h.registry.Update(desc)
		} else if rerr := h.registry.Register(desc); rerr != nil {
			h.logger.Warn("Failed to register module", "module", desc.Name, "error", rerr)
			continue
		}
		h.emitEvent(EventTypeModuleDiscovered, map[string]any{
			"module": desc.Name, "version": desc.Version,
		})
	}
	if h.stateFile.Fresh() {
		h.stateFile.SeedEnabled(names)
	}
	h.stateFile.ApplyTo(h.registry)

	report, err := h.loader.LoadAll(ctx, false)
	if err != nil {
		return fmt.Errorf("initial load pass aborted: %w", err)
	}

	if err := h.monitor.Start(h.runCtx); err != nil {
		return err
	}
	if h.watcher != nil {
		// A watch failure degrades change detection but does not justify
		// refusing to run.
		if err := h.watcher.Start(h.runCtx); err != nil {
			h.logger.Error("Source watcher failed to start", "error", err)
		}
	}
	if h.statusAPI != nil {
		if err := h.statusAPI.Start(h.runCtx); err != nil {
			h.monitor.Stop()
			if h.watcher != nil {
				h.watcher.Stop()
			}
			return fmt.Errorf("starting status server: %w", err)
		}
	}

	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	ok = true

	h.emitEvent(EventTypeHostStarted, map[string]any{
		"modules": len(descriptors), "loaded": len(report.Loaded),
		"degraded": len(report.Degraded), "broken": len(report.Broken),
	})
	h.logger.Info("Host started",
		"modules", len(descriptors), "loaded", len(report.Loaded),
		"degraded", len(report.Degraded), "broken", len(report.Broken),
		"skipped", len(report.Skipped))
	return nil
}

// Stop shuts the host down in reverse start order and persists the
// registry state.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	h.mu.Unlock()

	var firstErr error
	if h.statusAPI != nil {
		if err := h.statusAPI.Stop(ctx); err != nil {
			h.logger.Error("Status server shutdown failed", "error", err)
			firstErr = err
		}
	}
	if h.watcher != nil {
		h.watcher.Stop()
	}
	h.monitor.Stop()
	h.runCancel()

	if err := h.SaveState(); err != nil {
		h.logger.Error("Failed to persist state on shutdown", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	h.emitEvent(EventTypeHostStopped, nil)
	h.logger.Info("Host stopped")
	return firstErr
}

// Run starts the host and blocks until the context is canceled or an
// interrupt arrives, then shuts down with a bounded grace period.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		h.logger.Info("Received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		h.logger.Info("Context canceled, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return h.Stop(stopCtx)
}

// LoadModule loads one module and its required dependencies on demand.
func (h *Host) LoadModule(ctx context.Context, name string, force bool) (LoadOutcome, error) {
	return h.loader.LoadModule(ctx, name, force)
}

// Enable marks a module enabled, persists the change and, on a running
// host, loads it right away. A load failure does not undo the enable:
// the module is marked broken like any other failed load.
func (h *Host) Enable(ctx context.Context, name string) error {
	if !h.registry.Has(name) {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	h.stateFile.Enable(name)
	h.auditRecord(AuditModuleEnabled, name, "")
	h.logger.Info("Module enabled", "module", name)

	if h.isStarted() {
		if outcome, err := h.loader.LoadModule(ctx, name, false); err != nil {
			h.logger.Warn("Enabled module did not load",
				"module", name, "outcome", outcome.String(), "error", err)
		}
	}
	return h.SaveState()
}

// Disable marks a module disabled and persists the change. A loaded
// module stays loaded until the next restart or load pass; there is no
// forced unload.
func (h *Host) Disable(name string) error {
	if !h.registry.Has(name) {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	h.stateFile.Disable(name)
	h.auditRecord(AuditModuleDisabled, name, "")
	h.logger.Info("Module disabled, takes effect at the next load pass", "module", name)
	return h.SaveState()
}

// Reset clears a broken module back to unloaded, or lifts a quarantine.
// The module's breaker and health record are reset with it, and on a
// running host an enabled module is reloaded immediately.
func (h *Host) Reset(ctx context.Context, name string) error {
	info, err := h.registry.Get(name)
	if err != nil {
		return err
	}

	switch info.State {
	case StateQuarantined:
		if err := h.registry.ClearQuarantine(name); err != nil {
			return err
		}
		h.auditRecord(AuditQuarantineCleared, name, info.StateReason)
		h.emitEvent(EventTypeQuarantineCleared, map[string]any{"module": name})
	case StateBroken:
		if err := h.registry.SetState(name, StateUnloaded, ""); err != nil {
			return err
		}
		h.auditRecord(AuditModuleReset, name, info.StateReason)
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotBroken, name, info.State.String())
	}

	h.breakers.Reset(name)
	h.monitor.ResetRecord(name)

	if h.isStarted() && h.stateFile.IsEnabled(name) {
		if outcome, lerr := h.loader.LoadModule(ctx, name, false); lerr != nil {
			h.logger.Warn("Reset module did not reload",
				"module", name, "outcome", outcome.String(), "error", lerr)
		}
	}
	return h.SaveState()
}

// SetMode forces the degradation mode. Automatic transitions resume
// afterwards.
func (h *Host) SetMode(mode DegradationMode) {
	h.degradation.SetMode(mode)
	h.auditRecord(AuditModeSet, "", mode.String())
}

// Mode returns the current degradation mode.
func (h *Host) Mode() DegradationMode {
	return h.degradation.Mode()
}

// IsAvailable reports whether a feature of the given tier may run under
// the current degradation mode.
func (h *Host) IsAvailable(featureID string, tier Tier) bool {
	return h.degradation.IsAvailable(featureID, tier)
}

// Status assembles the full host status.
func (h *Host) Status() StatusReport {
	modules := h.registry.Snapshot()
	counts := make(map[string]int)
	for _, info := range modules {
		counts[info.State.String()]++
		if info.Degraded {
			counts["degraded"]++
		}
	}

	states := h.breakers.States()
	breakers := make(map[string]string, len(states))
	for component, state := range states {
		breakers[component] = state.String()
	}

	return StatusReport{
		Mode:        h.degradation.Mode().String(),
		Counts:      counts,
		Modules:     modules,
		Breakers:    breakers,
		Health:      h.monitor.Summary(),
		GeneratedAt: time.Now(),
	}
}

// Info returns the detailed view of one module.
func (h *Host) Info(name string) (ModuleDetail, error) {
	info, err := h.registry.Get(name)
	if err != nil {
		return ModuleDetail{}, err
	}

	detail := ModuleDetail{ModuleInfo: info, Breaker: CircuitClosed.String()}
	if state, tracked := h.breakers.States()[name]; tracked {
		detail.Breaker = state.String()
	}
	if rec, exists := h.monitor.Record(name); exists {
		detail.Health = &rec
	}
	return detail, nil
}

// HealthSummary returns the aggregated health of all monitored modules.
func (h *Host) HealthSummary() HealthSummary {
	return h.monitor.Summary()
}

// BreakerStates returns the state of every tracked circuit breaker.
func (h *Host) BreakerStates() map[string]CircuitState {
	return h.breakers.States()
}

// Registry exposes the module registry for read access.
func (h *Host) Registry() *Registry {
	return h.registry
}

// SaveState persists the enabled, broken and quarantined sets.
func (h *Host) SaveState() error {
	return h.stateFile.Save(h.registry.Snapshot())
}

func (h *Host) isStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *Host) auditRecord(action, module, detail string) {
	if err := h.audit.Record(action, module, detail); err != nil {
		h.logger.Error("Failed to write audit record",
			"action", action, "module", module, "error", err)
	}
}

// onBreakerTransition feeds breaker changes into events, the degradation
// controller and, for openings, an immediate health check. It runs under
// the transitioning breaker's lock and must not call back into it.
func (h *Host) onBreakerTransition(component string, from, to CircuitState) {
	h.emitEvent(EventTypeBreakerStateChanged, map[string]any{
		"component": component, "from": from.String(), "to": to.String(),
	})
	h.degradation.RecordBreakerTransition(component, from, to, h.breakers.OpenCount())

	if to == CircuitOpen {
		go func() {
			if err := h.monitor.CheckNow(h.eventCtx, component); err != nil && !errors.Is(err, ErrModuleNotFound) {
				h.logger.Debug("On-demand health check failed", "module", component, "error", err)
			}
		}()
	}
}

// emitEvent wraps component payloads into CloudEvents and fans them out.
func (h *Host) emitEvent(eventType string, data map[string]any) {
	event := NewCloudEvent(eventType, "modhost", data, nil)
	if err := h.NotifyObservers(h.eventCtx, event); err != nil {
		h.logger.Error("Failed to notify observers", "event", eventType, "error", err)
	}
}

// RegisterObserver adds an observer to receive host events. Observers can
// optionally filter events by type; an empty eventTypes list subscribes
// to everything.
func (h *Host) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrNilObserver
	}

	h.observerMutex.Lock()
	defer h.observerMutex.Unlock()

	// Convert event types slice to map for O(1) lookups
	eventTypeMap := make(map[string]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		eventTypeMap[eventType] = true
	}

	h.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: time.Now(),
	}

	h.logger.Info("Observer registered", "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes an observer. Idempotent: unknown observers
// are ignored.
func (h *Host) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrNilObserver
	}

	h.observerMutex.Lock()
	defer h.observerMutex.Unlock()

	if _, exists := h.observers[observer.ObserverID()]; exists {
		delete(h.observers, observer.ObserverID())
		h.logger.Info("Observer unregistered", "observerID", observer.ObserverID())
	}
	return nil
}

// NotifyObservers sends a CloudEvent to all subscribed observers. The
// notification is non-blocking: each observer runs in its own goroutine
// with panic containment.
func (h *Host) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	h.observerMutex.RLock()
	defer h.observerMutex.RUnlock()

	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		h.logger.Error("Invalid CloudEvent", "eventType", event.Type(), "error", err)
		return err
	}

	for _, registration := range h.observers {
		registration := registration

		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}

		go func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("Observer panicked",
						"observerID", registration.observer.ObserverID(),
						"event", event.Type(), "panic", r)
				}
			}()

			if err := registration.observer.OnEvent(ctx, event); err != nil {
				h.logger.Error("Observer error",
					"observerID", registration.observer.ObserverID(),
					"event", event.Type(), "error", err)
			}
		}()
	}
	return nil
}

// GetObservers returns information about currently registered observers,
// sorted by observer id.
func (h *Host) GetObservers() []ObserverInfo {
	h.observerMutex.RLock()
	defer h.observerMutex.RUnlock()

	info := make([]ObserverInfo, 0, len(h.observers))
	for _, registration := range h.observers {
		eventTypes := make([]string, 0, len(registration.eventTypes))
		for eventType := range registration.eventTypes {
			eventTypes = append(eventTypes, eventType)
		}
		sort.Strings(eventTypes)

		info = append(info, ObserverInfo{
			ID:           registration.observer.ObserverID(),
			EventTypes:   eventTypes,
			RegisteredAt: registration.registeredAt,
		})
	}
	sort.Slice(info, func(i, j int) bool { return info[i].ID < info[j].ID })
	return info
}
