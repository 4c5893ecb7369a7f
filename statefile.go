package modhost

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// persistedState is the on-disk shape of the registry state that survives
// restarts. Loaded is deliberately absent: which modules are loaded is
// in-memory runtime state, re-derived by the next load pass.
type persistedState struct {
	Enabled     []string          `yaml:"enabled"`
	Broken      []string          `yaml:"broken,omitempty"`
	Quarantined []string          `yaml:"quarantined,omitempty"`
	Reasons     map[string]string `yaml:"reasons,omitempty"`
}

// StateFile persists the enabled set and the broken and quarantined
// module sets across restarts. A missing file means a first run: every
// discovered module starts enabled and the set is seeded on the first
// save. A file that exists but cannot be parsed is a fatal startup
// condition, not something to silently reset.
type StateFile struct {
	path   string
	logger Logger

	mu          sync.Mutex
	fresh       bool
	enabled     map[string]bool
	broken      map[string]string // name -> persisted reason
	quarantined map[string]string // name -> persisted reason
}

// NewStateFile creates a state file handle. Nothing is read until Load.
func NewStateFile(path string, logger Logger) *StateFile {
	return &StateFile{
		path:        path,
		logger:      logger,
		enabled:     make(map[string]bool),
		broken:      make(map[string]string),
		quarantined: make(map[string]string),
	}
}

// Load reads the persisted state. A missing file is a fresh start; an
// unparseable one returns ErrStateFileCorrupt and the host must not
// continue, because silently dropping quarantine records would re-run
// modules an operator isolated.
func (sf *StateFile) Load() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	raw, err := os.ReadFile(sf.path)
	if err != nil {
		if os.IsNotExist(err) {
			sf.fresh = true
			sf.logger.Info("No state file found, starting fresh", "path", sf.path)
			return nil
		}
		return fmt.Errorf("%w: %s: %w", ErrStateFileCorrupt, sf.path, err)
	}

	var state persistedState
	if err := yaml.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStateFileCorrupt, sf.path, err)
	}

	sf.fresh = false
	sf.enabled = make(map[string]bool, len(state.Enabled))
	for _, name := range state.Enabled {
		sf.enabled[name] = true
	}
	sf.broken = make(map[string]string, len(state.Broken))
	for _, name := range state.Broken {
		sf.broken[name] = state.Reasons[name]
	}
	sf.quarantined = make(map[string]string, len(state.Quarantined))
	for _, name := range state.Quarantined {
		sf.quarantined[name] = state.Reasons[name]
	}

	sf.logger.Info("State file loaded", "path", sf.path,
		"enabled", len(sf.enabled), "broken", len(sf.broken), "quarantined", len(sf.quarantined))
	return nil
}

// Fresh reports whether no state file existed at load time.
func (sf *StateFile) Fresh() bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.fresh
}

// SeedEnabled enables every given module. Used on a fresh start to enable
// all discovered modules.
func (sf *StateFile) SeedEnabled(names []string) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	for _, name := range names {
		sf.enabled[name] = true
	}
	sf.fresh = false
}

// ApplyTo replays the persisted broken and quarantined states onto the
// registry. Persisted entries for modules that no longer exist are
// logged and dropped.
func (sf *StateFile) ApplyTo(registry *Registry) {
	sf.mu.Lock()
	broken := make(map[string]string, len(sf.broken))
	for name, reason := range sf.broken {
		broken[name] = reason
	}
	quarantined := make(map[string]string, len(sf.quarantined))
	for name, reason := range sf.quarantined {
		quarantined[name] = reason
	}
	sf.mu.Unlock()

	for name, reason := range broken {
		if !registry.Has(name) {
			sf.logger.Warn("Persisted broken state references unknown module", "module", name)
			continue
		}
		if reason == "" {
			reason = "persisted broken state"
		}
		if err := registry.SetState(name, StateBroken, reason); err != nil {
			sf.logger.Error("Failed to restore broken state", "module", name, "error", err)
		}
	}
	for name, reason := range quarantined {
		if !registry.Has(name) {
			sf.logger.Warn("Persisted quarantine references unknown module", "module", name)
			continue
		}
		if reason == "" {
			reason = "persisted quarantine"
		}
		if err := registry.SetState(name, StateQuarantined, reason); err != nil {
			sf.logger.Error("Failed to restore quarantine", "module", name, "error", err)
		}
	}
}

// Enable marks a module enabled.
func (sf *StateFile) Enable(name string) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.enabled[name] = true
}

// Disable marks a module disabled.
func (sf *StateFile) Disable(name string) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	delete(sf.enabled, name)
}

// IsEnabled reports whether a module is enabled. Before the first save of
// a fresh start every module is enabled.
func (sf *StateFile) IsEnabled(name string) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.fresh {
		return true
	}
	return sf.enabled[name]
}

// EnabledModules returns the enabled set, sorted.
func (sf *StateFile) EnabledModules() []string {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	names := make([]string, 0, len(sf.enabled))
	for name := range sf.enabled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes the current enabled set plus the broken and quarantined
// states found in the registry snapshot. The write is atomic: a crash
// mid-save leaves the previous file intact.
func (sf *StateFile) Save(snapshot []ModuleInfo) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	state := persistedState{
		Enabled: make([]string, 0, len(sf.enabled)),
		Reasons: make(map[string]string),
	}
	for name := range sf.enabled {
		state.Enabled = append(state.Enabled, name)
	}
	sort.Strings(state.Enabled)

	sf.broken = make(map[string]string)
	sf.quarantined = make(map[string]string)
	for _, info := range snapshot {
		name := info.Descriptor.Name
		switch info.State {
		case StateBroken:
			state.Broken = append(state.Broken, name)
			sf.broken[name] = info.StateReason
			if info.StateReason != "" {
				state.Reasons[name] = info.StateReason
			}
		case StateQuarantined:
			state.Quarantined = append(state.Quarantined, name)
			sf.quarantined[name] = info.StateReason
			if info.StateReason != "" {
				state.Reasons[name] = info.StateReason
			}
		}
	}
	sort.Strings(state.Broken)
	sort.Strings(state.Quarantined)
	if len(state.Reasons) == 0 {
		state.Reasons = nil
	}

	raw, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshaling state file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(sf.path), filepath.Base(sf.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, sf.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}

	sf.logger.Debug("State file saved", "path", sf.path,
		"enabled", len(state.Enabled), "broken", len(state.Broken),
		"quarantined", len(state.Quarantined))
	return nil
}
