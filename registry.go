package modhost

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// LoadState represents a module's position in the load lifecycle.
// Every module is in exactly one state at any time.
type LoadState int

const (
	// StateUnloaded indicates the module is registered but not loaded.
	StateUnloaded LoadState = iota
	// StateLoading indicates a load attempt is in progress. The state is
	// transient and doubles as the runtime cycle detection marker: a load
	// request for a module already Loading is a dynamic cycle.
	StateLoading
	// StateLoaded indicates the module initialized successfully.
	StateLoaded
	// StateBroken indicates a dependency, integrity, or initialization
	// failure. Broken is contained to the module and its dependents.
	StateBroken
	// StateQuarantined indicates the health monitor isolated the module.
	// Quarantine is terminal until an explicit operator clear.
	StateQuarantined
)

// String returns a string representation of the load state.
func (s LoadState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateBroken:
		return "broken"
	case StateQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form for status surfaces.
func (s LoadState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes the state from its string form.
func (s *LoadState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseLoadState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseLoadState parses a string into a LoadState.
func ParseLoadState(s string) (LoadState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unloaded":
		return StateUnloaded, nil
	case "loading":
		return StateLoading, nil
	case "loaded":
		return StateLoaded, nil
	case "broken":
		return StateBroken, nil
	case "quarantined":
		return StateQuarantined, nil
	default:
		return StateUnloaded, fmt.Errorf("invalid load state: %q", s)
	}
}

// validTransition reports whether a load state transition is allowed.
// Quarantined is deliberately absent as a source: leaving quarantine
// requires ClearQuarantine, never a plain SetState.
func validTransition(from, to LoadState) bool {
	if from == to {
		return false
	}
	switch from {
	case StateUnloaded:
		return to == StateLoading || to == StateBroken || to == StateQuarantined
	case StateLoading:
		return to == StateLoaded || to == StateBroken || to == StateQuarantined
	case StateLoaded:
		return to == StateLoading || to == StateBroken || to == StateQuarantined
	case StateBroken:
		return to == StateLoading || to == StateUnloaded || to == StateQuarantined
	case StateQuarantined:
		return false
	default:
		return false
	}
}

// ModuleInfo is a point-in-time snapshot of one registry entry, safe to
// hold across operations.
type ModuleInfo struct {
	Descriptor ModuleDescriptor `json:"descriptor"`
	State      LoadState        `json:"state"`

	// Unsigned is set when the module carries no embedded checksum and
	// was loaded without verification.
	Unsigned bool `json:"unsigned,omitempty"`

	// Degraded is set when the module was loaded through its fallback
	// rather than its primary init path.
	Degraded bool `json:"degraded,omitempty"`

	// StateReason carries the human-readable reason for Broken and
	// Quarantined states.
	StateReason string `json:"stateReason,omitempty"`

	RegisteredAt time.Time `json:"registeredAt"`
}

// ModuleFilter selects a subset of registry entries. The zero value
// matches everything.
type ModuleFilter struct {
	// State, when non-nil, restricts results to entries in that state.
	State *LoadState
	// NamePattern, when non-empty, restricts results to names matching
	// the glob pattern (path.Match syntax).
	NamePattern string
}

type moduleEntry struct {
	descriptor   ModuleDescriptor
	state        LoadState
	unsigned     bool
	degraded     bool
	reason       string
	registeredAt time.Time
	seq          int
}

func (e *moduleEntry) snapshot() ModuleInfo {
	return ModuleInfo{
		Descriptor:   e.descriptor,
		State:        e.state,
		Unsigned:     e.unsigned,
		Degraded:     e.degraded,
		StateReason:  e.reason,
		RegisteredAt: e.registeredAt,
	}
}

// Registry is the authoritative map of module name to descriptor and load
// state. It is the single source of truth: no other component caches state
// beyond a single operation. All mutation is mutex-guarded; cross-entry
// reads take snapshots rather than holding the lock across operations.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*moduleEntry
	nextSeq int
	logger  Logger
}

// NewRegistry creates an empty module registry.
func NewRegistry(logger Logger) *Registry {
	return &Registry{
		entries: make(map[string]*moduleEntry),
		logger:  logger,
	}
}

// Register adds a module descriptor in the Unloaded state. Registration
// order is retained and used as the discovery order for deterministic
// dependency resolution tie-breaks. Registering a name that already exists
// fails with ErrDuplicateModule; use Update for explicit re-registration.
func (r *Registry) Register(desc ModuleDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, desc.Name)
	}

	r.entries[desc.Name] = &moduleEntry{
		descriptor:   desc,
		state:        StateUnloaded,
		registeredAt: time.Now(),
		seq:          r.nextSeq,
	}
	r.nextSeq++

	r.logger.Debug("Module registered", "module", desc.Name, "version", desc.Version)
	return nil
}

// Update re-registers a module with a freshly parsed descriptor,
// overwriting the previous one. The entry keeps its discovery order so an
// update does not reshuffle resolution tie-breaks. A non-quarantined entry
// returns to Unloaded with its flags cleared; quarantine survives updates
// and still requires an explicit clear. Unknown names register fresh.
func (r *Registry) Update(desc ModuleDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[desc.Name]
	if !exists {
		r.entries[desc.Name] = &moduleEntry{
			descriptor:   desc,
			state:        StateUnloaded,
			registeredAt: time.Now(),
			seq:          r.nextSeq,
		}
		r.nextSeq++
		r.logger.Debug("Module registered", "module", desc.Name, "version", desc.Version)
		return
	}

	entry.descriptor = desc
	if entry.state != StateQuarantined {
		entry.state = StateUnloaded
		entry.unsigned = false
		entry.degraded = false
		entry.reason = ""
	}
	r.logger.Debug("Module descriptor updated", "module", desc.Name, "version", desc.Version)
}

// Unregister removes a module from the registry entirely.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	delete(r.entries, name)
	r.logger.Debug("Module unregistered", "module", name)
	return nil
}

// Get returns a snapshot of the named module.
func (r *Registry) Get(name string) (ModuleInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		return ModuleInfo{}, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return entry.snapshot(), nil
}

// Has reports whether a module is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[name]
	return exists
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SetState atomically transitions a module to a new load state, recording
// the reason for Broken and Quarantined states. Invalid transitions are
// rejected; in particular Quarantined can only be left via ClearQuarantine.
func (r *Registry) SetState(name string, state LoadState, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}

	if !validTransition(entry.state, state) {
		if entry.state == StateQuarantined {
			return fmt.Errorf("%w: %s", ErrModuleQuarantined, name)
		}
		return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidStateTransition, name, entry.state, state)
	}

	from := entry.state
	entry.state = state
	switch state {
	case StateBroken, StateQuarantined:
		entry.reason = reason
	case StateUnloaded, StateLoading:
		entry.reason = ""
		entry.degraded = false
	case StateLoaded:
		entry.reason = ""
	}

	r.logger.Debug("Module state changed", "module", name, "from", from.String(), "to", state.String(), "reason", reason)
	return nil
}

// ClearQuarantine releases a quarantined module back to Unloaded. This is
// the only path out of quarantine and corresponds to an explicit operator
// action.
func (r *Registry) ClearQuarantine(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if entry.state != StateQuarantined {
		return fmt.Errorf("%w: %s is %s", ErrNotQuarantined, name, entry.state)
	}

	entry.state = StateUnloaded
	entry.reason = ""
	entry.degraded = false
	r.logger.Info("Quarantine cleared", "module", name)
	return nil
}

// SetUnsigned flags a module as loaded without an embedded checksum.
func (r *Registry) SetUnsigned(name string, unsigned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	entry.unsigned = unsigned
	return nil
}

// SetDegraded flags a module as loaded through its fallback path.
func (r *Registry) SetDegraded(name string, degraded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	entry.degraded = degraded
	return nil
}

// List returns snapshots of matching modules in discovery order.
func (r *Registry) List(filter ModuleFilter) []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*moduleEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		if filter.State != nil && entry.state != *filter.State {
			continue
		}
		if filter.NamePattern != "" {
			matched, err := path.Match(filter.NamePattern, entry.descriptor.Name)
			if err != nil || !matched {
				continue
			}
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	infos := make([]ModuleInfo, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, entry.snapshot())
	}
	return infos
}

// Snapshot returns snapshots of every module in discovery order.
func (r *Registry) Snapshot() []ModuleInfo {
	return r.List(ModuleFilter{})
}

// Descriptors returns every registered descriptor in discovery order,
// the form the dependency resolver consumes.
func (r *Registry) Descriptors() []ModuleDescriptor {
	infos := r.Snapshot()
	descs := make([]ModuleDescriptor, 0, len(infos))
	for _, info := range infos {
		descs = append(descs, info.Descriptor)
	}
	return descs
}
