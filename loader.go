package modhost

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
)

// LoadOutcome classifies what happened to one module during a load pass.
type LoadOutcome int

const (
	// OutcomeLoaded indicates the module initialized successfully.
	OutcomeLoaded LoadOutcome = iota
	// OutcomeDegraded indicates the fallback path succeeded after the
	// primary init failed or was rejected.
	OutcomeDegraded
	// OutcomeAlreadyLoaded indicates the module was loaded before the
	// pass and was left untouched.
	OutcomeAlreadyLoaded
	// OutcomeBroken indicates the module failed to load.
	OutcomeBroken
	// OutcomeSkipped indicates the module was not attempted.
	OutcomeSkipped
)

// String returns a string representation of the load outcome.
func (o LoadOutcome) String() string {
	switch o {
	case OutcomeLoaded:
		return "loaded"
	case OutcomeDegraded:
		return "degraded-loaded"
	case OutcomeAlreadyLoaded:
		return "already-loaded"
	case OutcomeBroken:
		return "broken"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// LoadReport summarizes a load pass over the registry.
type LoadReport struct {
	Loaded        []string `json:"loaded,omitempty"`
	Degraded      []string `json:"degraded,omitempty"`
	AlreadyLoaded []string `json:"alreadyLoaded,omitempty"`
	Broken        []string `json:"broken,omitempty"`
	Skipped       []string `json:"skipped,omitempty"`
}

func (rep *LoadReport) add(name string, outcome LoadOutcome) {
	switch outcome {
	case OutcomeLoaded:
		rep.Loaded = append(rep.Loaded, name)
	case OutcomeDegraded:
		rep.Degraded = append(rep.Degraded, name)
	case OutcomeAlreadyLoaded:
		rep.AlreadyLoaded = append(rep.AlreadyLoaded, name)
	case OutcomeBroken:
		rep.Broken = append(rep.Broken, name)
	case OutcomeSkipped:
		rep.Skipped = append(rep.Skipped, name)
	}
}

// ContentReader reads the raw content of a module unit. The default reads
// from the filesystem; tests substitute an in-memory reader.
type ContentReader func(source string) ([]byte, error)

// loadChainKey carries the chain of modules currently initializing in
// this call tree, for runtime cycle detection.
type loadChainKey struct{}

func loadChain(ctx context.Context) []string {
	chain, _ := ctx.Value(loadChainKey{}).([]string)
	return chain
}

// Loader drives module initialization. A load pass resolves the
// dependency graph, walks it in dependency order and initializes each
// enabled module under its circuit breaker, falling back to the degraded
// path when the primary init fails. Failures are contained: a broken
// module blocks its required dependents and nothing else.
type Loader struct {
	registry    *Registry
	entryPoints *EntryPointRegistry
	verifier    *IntegrityVerifier
	breakers    *BreakerRegistry
	fallbacks   *FallbackRegistry
	logger      Logger
	emit        EventEmitter
	reader      ContentReader

	// enabled filters which discovered modules a full pass loads. Nil
	// loads everything. Required dependencies of an enabled module are
	// pulled in regardless of their own filter result.
	enabled func(name string) bool

	parallel bool
	workers  int
}

// NewLoader creates a loader over the given collaborators.
func NewLoader(registry *Registry, entryPoints *EntryPointRegistry, verifier *IntegrityVerifier,
	breakers *BreakerRegistry, fallbacks *FallbackRegistry, logger Logger) *Loader {
	return &Loader{
		registry:    registry,
		entryPoints: entryPoints,
		verifier:    verifier,
		breakers:    breakers,
		fallbacks:   fallbacks,
		logger:      logger,
		reader:      os.ReadFile,
	}
}

// WithEnabledFilter sets the predicate deciding which modules a full load
// pass attempts.
func (l *Loader) WithEnabledFilter(fn func(name string) bool) *Loader {
	l.enabled = fn
	return l
}

// WithEmitter sets the event emitter used for lifecycle events.
func (l *Loader) WithEmitter(emit EventEmitter) *Loader {
	l.emit = emit
	return l
}

// WithContentReader replaces the module content reader.
func (l *Loader) WithContentReader(reader ContentReader) *Loader {
	if reader != nil {
		l.reader = reader
	}
	return l
}

// WithParallelism enables parallel loading of independent dependency
// subtrees. workers <= 0 means one worker per CPU.
func (l *Loader) WithParallelism(enabled bool, workers int) *Loader {
	l.parallel = enabled
	l.workers = workers
	return l
}

// LoadAll runs a full load pass: resolve the graph, mark unresolvable
// modules broken, then initialize every enabled module in dependency
// order. Per-module failures land in the report, not in the returned
// error; the error is non-nil only when the pass was cut short by ctx.
func (l *Loader) LoadAll(ctx context.Context, force bool) (*LoadReport, error) {
	graph, err := Resolve(l.registry.Descriptors())
	if err != nil {
		l.logger.Error("Dependency resolution found unresolvable modules", "error", err)
	}

	report := &LoadReport{}
	l.markExcluded(graph, report)
	l.markUnresolved(graph, report)

	needLoad := l.requiredClosure(graph)

	if l.parallel {
		l.loadParallel(ctx, graph, needLoad, force, report)
	} else {
		for _, name := range graph.Order() {
			if ctx.Err() != nil {
				report.add(name, OutcomeSkipped)
				continue
			}
			if !needLoad[name] {
				l.logger.Debug("Module not enabled, skipping", "module", name)
				report.add(name, OutcomeSkipped)
				continue
			}
			outcome, _ := l.loadOne(ctx, name, force)
			report.add(name, outcome)
		}
	}

	l.logger.Info("Load pass complete",
		"loaded", len(report.Loaded), "degraded", len(report.Degraded),
		"already", len(report.AlreadyLoaded), "broken", len(report.Broken),
		"skipped", len(report.Skipped))
	return report, ctx.Err()
}

// LoadModule loads a single module and, recursively, its required
// dependencies. It ignores the enabled filter: an explicit load request
// outranks the enabled set. force retries broken modules and bypasses
// integrity mismatches.
func (l *Loader) LoadModule(ctx context.Context, name string, force bool) (LoadOutcome, error) {
	return l.loadOne(ctx, name, force)
}

// markExcluded marks modules whose required dependencies are missing, or
// transitively depend on missing ones, as broken.
func (l *Loader) markExcluded(graph *ResolvedGraph, report *LoadReport) {
	for name, reason := range graph.Excluded() {
		if l.markConfigBroken(name, reason.Error()) {
			report.add(name, OutcomeBroken)
		} else {
			report.add(name, OutcomeSkipped)
		}
	}
}

// markUnresolved marks every module caught in a dependency cycle as
// broken, with the minimal cycle chain in the reason.
func (l *Loader) markUnresolved(graph *ResolvedGraph, report *LoadReport) {
	unresolved := graph.Unresolved()
	if len(unresolved) == 0 {
		return
	}
	reason := graph.Err().Error()
	for _, name := range unresolved {
		if l.markConfigBroken(name, reason) {
			report.add(name, OutcomeBroken)
		} else {
			report.add(name, OutcomeSkipped)
		}
	}
}

// markConfigBroken marks a module broken before any load attempt.
// Reports whether the state actually changed: quarantined modules keep
// their quarantine and already broken modules keep their original reason.
func (l *Loader) markConfigBroken(name, reason string) bool {
	info, err := l.registry.Get(name)
	if err != nil {
		return false
	}
	switch info.State {
	case StateQuarantined:
		l.logger.Debug("Unresolvable module is quarantined, leaving as is", "module", name)
		return false
	case StateBroken:
		return false
	}

	if err := l.registry.SetState(name, StateBroken, reason); err != nil {
		l.logger.Error("Failed to mark module broken", "module", name, "error", err)
		return false
	}
	l.logger.Error("Module unresolvable", "module", name, "reason", reason)
	l.emitEvent(EventTypeModuleBroken, map[string]any{"module": name, "reason": reason})
	return true
}

// requiredClosure computes the set of modules a full pass should load:
// every enabled module plus, transitively, the required dependencies of
// anything in the set. Optional dependencies are not pulled in.
func (l *Loader) requiredClosure(graph *ResolvedGraph) map[string]bool {
	needLoad := make(map[string]bool)
	var queue []string
	for _, name := range graph.Order() {
		if l.enabled == nil || l.enabled(name) {
			needLoad[name] = true
			queue = append(queue, name)
		}
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		info, err := l.registry.Get(name)
		if err != nil {
			continue
		}
		for _, dep := range info.Descriptor.RequiredDependencies() {
			if !needLoad[dep] {
				needLoad[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return needLoad
}

func (l *Loader) loadOne(ctx context.Context, name string, force bool) (LoadOutcome, error) {
	info, err := l.registry.Get(name)
	if err != nil {
		return OutcomeSkipped, err
	}

	chain := loadChain(ctx)
	for _, ancestor := range chain {
		if ancestor == name {
			return OutcomeSkipped, fmt.Errorf("%w: %s",
				ErrRuntimeLoadCycle, strings.Join(append(chain, name), " -> "))
		}
	}

	switch info.State {
	case StateLoading:
		// Another load owns this module right now. Treat it like a cycle:
		// the requester cannot wait on it without risking a deadlock.
		return OutcomeSkipped, fmt.Errorf("%w: module %q is already loading", ErrRuntimeLoadCycle, name)
	case StateLoaded:
		if !force {
			l.logger.Debug("Module already loaded, skipping", "module", name)
			return OutcomeAlreadyLoaded, nil
		}
	case StateQuarantined:
		return OutcomeSkipped, fmt.Errorf("%w: %s: %s", ErrModuleQuarantined, name, info.StateReason)
	case StateBroken:
		if !force {
			return OutcomeSkipped, fmt.Errorf("%w: %s: %s", ErrPreviouslyBroken, name, info.StateReason)
		}
	}

	if err := l.registry.SetState(name, StateLoading, ""); err != nil {
		return OutcomeSkipped, err
	}

	depCtx := context.WithValue(ctx, loadChainKey{}, append(chain, name))
	if err := l.gateDependencies(depCtx, info.Descriptor); err != nil {
		return l.failLoad(name, err)
	}

	desc := info.Descriptor
	var content []byte
	if l.verifier.Enabled() {
		content, err = l.reader(desc.Source)
		if err != nil {
			return l.failLoad(name, fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, desc.Source, err))
		}
	}
	unsigned, err := l.verifier.Verify(desc, content, force)
	if err != nil {
		return l.failLoad(name, err)
	}
	if err := l.registry.SetUnsigned(name, unsigned); err != nil {
		return l.failLoad(name, err)
	}

	ep, registered := l.entryPoints.Lookup(name)
	if !registered {
		return l.failLoad(name, fmt.Errorf("%w: %s", ErrInitNotRegistered, name))
	}

	// Execute owns the open/half-open decision: an open breaker rejects
	// with ErrCircuitOpen without invoking init, and after the reset
	// timeout it admits init as the single half-open probe. Init runs with
	// the chain context so dynamic load requests made from inside it are
	// checked for runtime cycles.
	cb := l.breakers.For(name)
	if err := cb.Execute(depCtx, l.safeInit(name, ep.Init)); err != nil {
		return l.tryFallback(ctx, name, err)
	}

	if err := l.registry.SetState(name, StateLoaded, ""); err != nil {
		return OutcomeBroken, err
	}
	if err := l.registry.SetDegraded(name, false); err != nil {
		return OutcomeBroken, err
	}
	l.logger.Info("Module loaded", "module", name, "version", desc.Version)
	l.emitEvent(EventTypeModuleLoaded, map[string]any{"module": name, "version": desc.Version})
	return OutcomeLoaded, nil
}

// gateDependencies checks that every required dependency is available,
// loading unloaded ones on the way. A broken or quarantined required
// dependency fails the gate; optional dependencies never block.
func (l *Loader) gateDependencies(ctx context.Context, desc ModuleDescriptor) error {
	for _, dep := range desc.Dependencies {
		depInfo, err := l.registry.Get(dep.Name)
		if err != nil {
			if dep.Optional {
				l.logger.Info("Optional dependency absent, continuing",
					"module", desc.Name, "dependency", dep.Name)
				continue
			}
			return &UnresolvedDependencyError{Module: desc.Name, Missing: dep.Name}
		}

		switch depInfo.State {
		case StateLoaded:
			continue
		case StateBroken, StateQuarantined:
			if dep.Optional {
				l.logger.Info("Optional dependency unavailable, continuing",
					"module", desc.Name, "dependency", dep.Name, "state", depInfo.State.String())
				continue
			}
			return fmt.Errorf("%w: required dependency %q is %s: %s",
				ErrDependencyBlocked, dep.Name, depInfo.State.String(), depInfo.StateReason)
		default:
			if dep.Optional {
				l.logger.Info("Optional dependency not loaded, continuing",
					"module", desc.Name, "dependency", dep.Name, "state", depInfo.State.String())
				continue
			}
			if _, err := l.loadOne(ctx, dep.Name, false); err != nil {
				return fmt.Errorf("%w: required dependency %q failed to load: %w",
					ErrDependencyBlocked, dep.Name, err)
			}
		}
	}
	return nil
}

// tryFallback runs the degraded path after the primary init failed or was
// rejected by the circuit breaker. A successful fallback loads the module
// degraded; anything else breaks it.
func (l *Loader) tryFallback(ctx context.Context, name string, primaryErr error) (LoadOutcome, error) {
	if !l.fallbacks.Has(name) {
		return l.failLoad(name, primaryErr)
	}

	if err := l.fallbacks.Invoke(ctx, name); err != nil {
		return l.failLoad(name, fmt.Errorf("%w (fallback also failed: %v)", primaryErr, err))
	}

	if err := l.registry.SetState(name, StateLoaded, ""); err != nil {
		return OutcomeBroken, err
	}
	if err := l.registry.SetDegraded(name, true); err != nil {
		return OutcomeBroken, err
	}
	l.logger.Warn("Module loaded degraded via fallback", "module", name, "cause", primaryErr)
	l.emitEvent(EventTypeModuleLoadDegraded, map[string]any{"module": name, "cause": primaryErr.Error()})
	return OutcomeDegraded, nil
}

// failLoad marks the module broken with the failure as reason.
func (l *Loader) failLoad(name string, err error) (LoadOutcome, error) {
	if serr := l.registry.SetState(name, StateBroken, err.Error()); serr != nil {
		l.logger.Error("Failed to mark module broken", "module", name, "error", serr)
	}
	l.logger.Error("Module load failed", "module", name, "error", err)
	l.emitEvent(EventTypeModuleBroken, map[string]any{"module": name, "reason": err.Error()})
	return OutcomeBroken, err
}

// safeInit wraps an init entry point with panic containment.
func (l *Loader) safeInit(name string, init InitFunc) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("Init entry point panicked", "module", name, "panic", r)
				err = fmt.Errorf("%w: init panicked: %v", ErrLoadFailed, r)
			}
		}()
		if ierr := init(ctx); ierr != nil {
			return fmt.Errorf("%w: %w", ErrLoadFailed, ierr)
		}
		return nil
	}
}

// loadParallel initializes independent dependency subtrees concurrently.
// Each module waits only on its own ordering dependencies; a failed
// module does not cancel unrelated branches.
func (l *Loader) loadParallel(ctx context.Context, graph *ResolvedGraph, needLoad map[string]bool,
	force bool, report *LoadReport) {
	order := graph.Order()
	if len(order) == 0 {
		return
	}

	remaining := make(map[string]*atomic.Int64, len(order))
	ready := make(chan string, len(order))
	for _, name := range order {
		counter := &atomic.Int64{}
		counter.Store(int64(len(graph.OrderingDependencies(name))))
		remaining[name] = counter
		if counter.Load() == 0 {
			ready <- name
		}
	}

	workers := l.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(order) {
		workers = len(order)
	}

	var (
		reportMu  sync.Mutex
		completed atomic.Int64
		total     = int64(len(order))
		wg        sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range ready {
				var outcome LoadOutcome
				switch {
				case ctx.Err() != nil:
					outcome = OutcomeSkipped
				case !needLoad[name]:
					l.logger.Debug("Module not enabled, skipping", "module", name)
					outcome = OutcomeSkipped
				default:
					outcome, _ = l.loadOne(ctx, name, force)
				}

				reportMu.Lock()
				report.add(name, outcome)
				reportMu.Unlock()

				// Unlock dependents before counting this module done, so
				// the channel close cannot race a pending send. Dependents
				// caught in a cycle have no counter and stay out of the
				// pass.
				for _, dependent := range graph.Dependents(name) {
					counter, ordered := remaining[dependent]
					if !ordered {
						continue
					}
					if counter.Add(-1) == 0 {
						ready <- dependent
					}
				}
				if completed.Add(1) == total {
					close(ready)
				}
			}
		}()
	}
	wg.Wait()
}

func (l *Loader) emitEvent(eventType string, data map[string]any) {
	if l.emit != nil {
		l.emit(eventType, data)
	}
}
