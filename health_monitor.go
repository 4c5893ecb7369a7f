package modhost

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Health monitor defaults.
const (
	DefaultHealthInterval          = 60 * time.Second
	DefaultHealthMinInterval       = 10 * time.Second
	DefaultHealthCheckTimeout      = 5 * time.Second
	DefaultMaxRecoveryAttempts     = 3
	DefaultSustainedErrorThreshold = 2
)

// ModuleReloader triggers a full reload of a single module. The loader
// implements it.
type ModuleReloader interface {
	LoadModule(ctx context.Context, name string, force bool) (LoadOutcome, error)
}

// MonitorSettings carries the tunable parameters of the health monitor.
type MonitorSettings struct {
	// Interval between periodic sweeps. Ignored when Cron is set.
	Interval time.Duration
	// Cron is an optional cron expression replacing the fixed interval.
	Cron string
	// MinInterval is the per-module rate limit: a module checked more
	// recently than this is skipped.
	MinInterval time.Duration
	// CheckTimeout bounds a single health check invocation.
	CheckTimeout time.Duration
	// MaxRecoveryAttempts is the number of recovery actions (soft or full
	// reload) allowed before the module is quarantined instead.
	MaxRecoveryAttempts int
	// SustainedErrorThreshold is the consecutive error count at which a
	// soft recovery escalates to a full reload.
	SustainedErrorThreshold int
}

func (s *MonitorSettings) applyDefaults() {
	if s.Interval <= 0 {
		s.Interval = DefaultHealthInterval
	}
	if s.MinInterval <= 0 {
		s.MinInterval = DefaultHealthMinInterval
	}
	if s.CheckTimeout <= 0 {
		s.CheckTimeout = DefaultHealthCheckTimeout
	}
	if s.MaxRecoveryAttempts <= 0 {
		s.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if s.SustainedErrorThreshold <= 0 {
		s.SustainedErrorThreshold = DefaultSustainedErrorThreshold
	}
}

// recoveryAction is the escalation decided for one health result.
type recoveryAction int

const (
	actionNone recoveryAction = iota
	actionSoftRecover
	actionReload
	actionQuarantine
)

// HealthMonitor periodically invokes the health entry point of every
// loaded module and escalates persistent problems: a warning triggers a
// soft recovery, sustained errors trigger a full reload, and a critical
// result or exhausted recovery attempts quarantine the module. Reloads
// run inside the sweep and are not preempted by a later sweep.
type HealthMonitor struct {
	registry    *Registry
	entryPoints *EntryPointRegistry
	reloader    ModuleReloader
	settings    MonitorSettings
	logger      Logger
	emit        EventEmitter

	records      map[string]*HealthRecord
	recordsMutex sync.RWMutex

	running      bool
	runningMutex sync.Mutex
	stopChan     chan struct{}
	wg           sync.WaitGroup

	// afterSweep runs at the end of every periodic sweep, outside any
	// monitor lock. The host uses it to re-evaluate degradation.
	afterSweep func()

	now func() time.Time
}

// NewHealthMonitor creates a health monitor over the given registry and
// entry points. Zero settings fields fall back to the package defaults.
func NewHealthMonitor(registry *Registry, entryPoints *EntryPointRegistry, reloader ModuleReloader,
	settings MonitorSettings, logger Logger) *HealthMonitor {
	settings.applyDefaults()
	return &HealthMonitor{
		registry:    registry,
		entryPoints: entryPoints,
		reloader:    reloader,
		settings:    settings,
		logger:      logger,
		records:     make(map[string]*HealthRecord),
		stopChan:    make(chan struct{}),
		now:         time.Now,
	}
}

// WithEmitter sets the event emitter used for health and quarantine
// events.
func (m *HealthMonitor) WithEmitter(emit EventEmitter) *HealthMonitor {
	m.emit = emit
	return m
}

// AfterSweep registers a hook invoked after every periodic sweep.
func (m *HealthMonitor) AfterSweep(fn func()) {
	m.afterSweep = fn
}

// Start launches the periodic monitoring loop. Starting an already
// running monitor is a no-op.
func (m *HealthMonitor) Start(ctx context.Context) error {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()

	if m.running {
		return nil
	}

	var schedule cron.Schedule
	if m.settings.Cron != "" {
		parsed, err := cron.ParseStandard(m.settings.Cron)
		if err != nil {
			return fmt.Errorf("parsing health cron expression: %w", err)
		}
		schedule = parsed
	}

	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.monitorLoop(ctx, schedule)

	m.logger.Info("Health monitor started",
		"interval", m.settings.Interval, "cron", m.settings.Cron)
	return nil
}

// Stop terminates the monitoring loop and waits for an in-flight sweep to
// finish.
func (m *HealthMonitor) Stop() {
	m.runningMutex.Lock()
	if !m.running {
		m.runningMutex.Unlock()
		return
	}
	m.running = false
	select {
	case <-m.stopChan:
	default:
		close(m.stopChan)
	}
	m.runningMutex.Unlock()

	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

// IsRunning reports whether the monitoring loop is active.
func (m *HealthMonitor) IsRunning() bool {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()
	return m.running
}

func (m *HealthMonitor) monitorLoop(ctx context.Context, schedule cron.Schedule) {
	defer m.wg.Done()

	next := func() <-chan time.Time {
		if schedule != nil {
			return time.After(time.Until(schedule.Next(m.now())))
		}
		return time.After(m.settings.Interval)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-next():
			m.Sweep(ctx)
			if m.afterSweep != nil {
				m.afterSweep()
			}
		}
	}
}

// Sweep checks every loaded module once, subject to the per-module rate
// limit, and drops records of modules that are no longer registered.
func (m *HealthMonitor) Sweep(ctx context.Context) {
	loaded := StateLoaded
	for _, info := range m.registry.List(ModuleFilter{State: &loaded}) {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		default:
		}
		m.checkModule(ctx, info.Descriptor.Name)
	}
	m.pruneRecords()
}

// CheckNow runs an immediate health check of one module, subject to the
// same rate limit as the periodic sweep. Used when a circuit breaker
// opens, so deteriorating modules are examined before the next sweep.
func (m *HealthMonitor) CheckNow(ctx context.Context, name string) error {
	info, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	if info.State != StateLoaded {
		m.logger.Debug("Skipping health check, module not loaded",
			"module", name, "state", info.State.String())
		return nil
	}
	m.checkModule(ctx, name)
	return nil
}

func (m *HealthMonitor) checkModule(ctx context.Context, name string) {
	if m.rateLimited(name) {
		return
	}

	ep, registered := m.entryPoints.Lookup(name)
	var result HealthResult
	if !registered || ep.Health == nil {
		result = HealthResult{Level: HealthUnknown, Message: "no health entry point registered"}
	} else {
		checkCtx, cancel := context.WithTimeout(ctx, m.settings.CheckTimeout)
		result = m.runCheck(checkCtx, name, ep.Health)
		cancel()
	}

	action, previous := m.applyResult(name, result)

	if result.Level != previous {
		m.logger.Info("Module health level changed", "module", name,
			"from", previous.String(), "to", result.Level.String(), "message", result.Message)
		m.emitEvent(EventTypeHealthEvaluated, map[string]any{
			"module": name, "from": previous.String(), "to": result.Level.String(),
			"message": result.Message,
		})
		if result.Level == HealthOK && previous.WorseThan(HealthOK) {
			m.emitEvent(EventTypeModuleRecovered, map[string]any{"module": name})
		}
	}

	switch action {
	case actionSoftRecover:
		m.softRecover(ctx, name, result)
	case actionReload:
		m.reload(ctx, name, result)
	case actionQuarantine:
		m.quarantine(name, result)
	case actionNone:
	}
}

// rateLimited reports whether the module was checked too recently,
// bumping its skip counter when so. A passing module is stamped
// immediately so concurrent callers cannot double-check it.
func (m *HealthMonitor) rateLimited(name string) bool {
	m.recordsMutex.Lock()
	defer m.recordsMutex.Unlock()

	rec, exists := m.records[name]
	if !exists {
		rec = &HealthRecord{Module: name}
		m.records[name] = rec
	}
	if !rec.LastCheckedAt.IsZero() && m.now().Sub(rec.LastCheckedAt) < m.settings.MinInterval {
		rec.ChecksSkipped++
		return true
	}
	rec.LastCheckedAt = m.now()
	return false
}

// runCheck invokes a health entry point, containing panics. A panicking
// check is treated as an error-level result.
func (m *HealthMonitor) runCheck(ctx context.Context, name string, fn HealthFunc) (result HealthResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Health check panicked", "module", name, "panic", r)
			result = HealthResult{
				Level:   HealthError,
				Message: fmt.Sprintf("%v: %v", ErrHealthCheckPanicked, r),
			}
		}
	}()
	return fn(ctx)
}

// applyResult folds a health result into the module's record and decides
// the escalation. Returns the decided action and the previous level.
func (m *HealthMonitor) applyResult(name string, result HealthResult) (recoveryAction, HealthLevel) {
	m.recordsMutex.Lock()
	defer m.recordsMutex.Unlock()

	rec, exists := m.records[name]
	if !exists {
		rec = &HealthRecord{Module: name}
		m.records[name] = rec
	}

	previous := rec.Level
	rec.Level = result.Level
	rec.Message = result.Message
	rec.TotalChecks++

	switch result.Level {
	case HealthOK:
		rec.ConsecutiveFailures = 0
		rec.RecoveryAttempts = 0
		return actionNone, previous
	case HealthUnknown:
		return actionNone, previous
	case HealthCritical:
		return actionQuarantine, previous
	case HealthWarning:
		rec.ConsecutiveFailures++
		return m.gateRecoveryLocked(rec, actionSoftRecover), previous
	case HealthError:
		rec.ConsecutiveFailures++
		action := actionSoftRecover
		if rec.ConsecutiveFailures >= m.settings.SustainedErrorThreshold {
			action = actionReload
		}
		return m.gateRecoveryLocked(rec, action), previous
	default:
		return actionNone, previous
	}
}

// gateRecoveryLocked charges one recovery attempt, converting the action
// into a quarantine when the budget is exhausted.
func (m *HealthMonitor) gateRecoveryLocked(rec *HealthRecord, action recoveryAction) recoveryAction {
	if rec.RecoveryAttempts+1 > m.settings.MaxRecoveryAttempts {
		return actionQuarantine
	}
	rec.RecoveryAttempts++
	return action
}

// softRecover runs the module's recover entry point if one is registered.
// Its outcome only feeds the next health check; counters reset when the
// module reports ok again.
func (m *HealthMonitor) softRecover(ctx context.Context, name string, result HealthResult) {
	m.logger.Warn("Attempting soft recovery", "module", name,
		"level", result.Level.String(), "message", result.Message)

	ep, registered := m.entryPoints.Lookup(name)
	if !registered || ep.Recover == nil {
		m.logger.Debug("No recover entry point registered", "module", name)
		return
	}

	recoverCtx, cancel := context.WithTimeout(ctx, m.settings.CheckTimeout)
	defer cancel()
	if err := m.runRecover(recoverCtx, name, ep.Recover); err != nil {
		m.logger.Error("Soft recovery failed", "module", name, "error", err)
		return
	}
	m.logger.Info("Soft recovery completed", "module", name)
}

func (m *HealthMonitor) runRecover(ctx context.Context, name string, fn RecoverFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recover entry point panicked", "module", name, "panic", r)
			err = fmt.Errorf("recover entry point panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// reload performs a full reload of the module through the loader. The
// reload runs synchronously inside the sweep.
func (m *HealthMonitor) reload(ctx context.Context, name string, result HealthResult) {
	m.logger.Warn("Sustained errors, reloading module", "module", name,
		"message", result.Message)

	outcome, err := m.reloader.LoadModule(ctx, name, true)
	if err != nil {
		m.logger.Error("Module reload failed", "module", name, "error", err)
		return
	}
	m.logger.Info("Module reloaded", "module", name, "outcome", outcome.String())
}

// quarantine isolates the module until an operator clears it.
func (m *HealthMonitor) quarantine(name string, result HealthResult) {
	reason := fmt.Sprintf("health level %s: %s", result.Level.String(), result.Message)
	if result.Level != HealthCritical {
		reason = fmt.Sprintf("recovery attempts exhausted at health level %s: %s",
			result.Level.String(), result.Message)
	}

	if err := m.registry.SetState(name, StateQuarantined, reason); err != nil {
		m.logger.Error("Failed to quarantine module", "module", name, "error", err)
		return
	}
	m.logger.Error("Module quarantined", "module", name, "reason", reason)
	m.emitEvent(EventTypeModuleQuarantined, map[string]any{"module": name, "reason": reason})
}

// ResetRecord drops a module's accumulated health record so a reset
// module starts with a clean failure and recovery budget.
func (m *HealthMonitor) ResetRecord(name string) {
	m.recordsMutex.Lock()
	defer m.recordsMutex.Unlock()
	delete(m.records, name)
}

func (m *HealthMonitor) pruneRecords() {
	m.recordsMutex.Lock()
	defer m.recordsMutex.Unlock()
	for name := range m.records {
		if !m.registry.Has(name) {
			delete(m.records, name)
		}
	}
}

func (m *HealthMonitor) emitEvent(eventType string, data map[string]any) {
	if m.emit != nil {
		m.emit(eventType, data)
	}
}

// Record returns the accumulated health record for one module.
func (m *HealthMonitor) Record(name string) (HealthRecord, bool) {
	m.recordsMutex.RLock()
	defer m.recordsMutex.RUnlock()
	rec, exists := m.records[name]
	if !exists {
		return HealthRecord{}, false
	}
	return *rec, true
}

// Records returns a snapshot of all health records, sorted by module
// name.
func (m *HealthMonitor) Records() []HealthRecord {
	m.recordsMutex.RLock()
	defer m.recordsMutex.RUnlock()

	records := make([]HealthRecord, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Module < records[j].Module
	})
	return records
}

// Summary aggregates all records under the worst observed level.
func (m *HealthMonitor) Summary() HealthSummary {
	records := m.Records()
	worst := HealthOK
	for _, rec := range records {
		if rec.Level.WorseThan(worst) {
			worst = rec.Level
		}
	}
	return HealthSummary{
		Worst:       worst,
		Records:     records,
		GeneratedAt: m.now(),
	}
}
