package modhost

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DegradationMode represents the system-wide operating mode. The mode
// restricts which feature tiers are available: graceful allows all tiers,
// minimal suspends optional features, and safe keeps only core features.
type DegradationMode int

const (
	// ModeGraceful allows features of every tier.
	ModeGraceful DegradationMode = iota
	// ModeMinimal allows core and important features only.
	ModeMinimal
	// ModeSafe allows core features only.
	ModeSafe
)

// String returns a string representation of the degradation mode.
func (m DegradationMode) String() string {
	switch m {
	case ModeGraceful:
		return "graceful"
	case ModeMinimal:
		return "minimal"
	case ModeSafe:
		return "safe"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes the mode as its string form.
func (m DegradationMode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON decodes the mode from its string form.
func (m *DegradationMode) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseDegradationMode(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseDegradationMode converts a string to a DegradationMode.
func ParseDegradationMode(s string) (DegradationMode, error) {
	switch s {
	case "graceful", "":
		return ModeGraceful, nil
	case "minimal":
		return ModeMinimal, nil
	case "safe":
		return ModeSafe, nil
	default:
		return ModeGraceful, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Allows reports whether a feature of the given tier is available in this
// mode.
func (m DegradationMode) Allows(tier Tier) bool {
	switch m {
	case ModeGraceful:
		return true
	case ModeMinimal:
		return tier == TierCore || tier == TierImportant
	case ModeSafe:
		return tier == TierCore
	default:
		return false
	}
}

// Degradation controller defaults.
const (
	DefaultDegradationWindow    = 60 * time.Second
	DefaultMinimalOpenThreshold = 2
	DefaultSafeOpenThreshold    = 4
	DefaultUpgradeCooldown      = 120 * time.Second
)

// DegradationSettings carries the tunable parameters of the degradation
// controller.
type DegradationSettings struct {
	// Window is the sliding window over which breaker openings are
	// counted.
	Window time.Duration
	// MinimalOpenThreshold is the open-breaker count at which the mode
	// drops to minimal.
	MinimalOpenThreshold int
	// SafeOpenThreshold is the open-breaker count at which the mode drops
	// to safe.
	SafeOpenThreshold int
	// UpgradeCooldown is the minimum time after a mode change before the
	// mode may move back up.
	UpgradeCooldown time.Duration
}

func (s *DegradationSettings) applyDefaults() {
	if s.Window <= 0 {
		s.Window = DefaultDegradationWindow
	}
	if s.MinimalOpenThreshold <= 0 {
		s.MinimalOpenThreshold = DefaultMinimalOpenThreshold
	}
	if s.SafeOpenThreshold <= 0 {
		s.SafeOpenThreshold = DefaultSafeOpenThreshold
	}
	if s.UpgradeCooldown <= 0 {
		s.UpgradeCooldown = DefaultUpgradeCooldown
	}
}

// DegradationController tracks circuit breaker openings over a sliding
// window and moves the system between degradation modes. Downgrades take
// effect immediately; upgrades require every breaker closed, the cooldown
// to elapse and a quiet window with no new openings, so the mode does not
// flap while the system is still unstable.
type DegradationController struct {
	mu         sync.Mutex
	mode       DegradationMode
	openEvents []time.Time
	settings   DegradationSettings
	lastChange time.Time
	logger     Logger
	onChange   func(from, to DegradationMode, reason string)
	now        func() time.Time
}

// NewDegradationController creates a controller starting in the given
// mode. Zero settings fields fall back to the package defaults.
func NewDegradationController(initial DegradationMode, settings DegradationSettings, logger Logger) *DegradationController {
	settings.applyDefaults()
	return &DegradationController{
		mode:     initial,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// OnChange registers a hook invoked on every mode change. The hook runs
// under the controller's lock and must not call back into the controller.
func (dc *DegradationController) OnChange(fn func(from, to DegradationMode, reason string)) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.onChange = fn
}

// Mode returns the current degradation mode.
func (dc *DegradationController) Mode() DegradationMode {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.mode
}

// IsAvailable reports whether a feature of the given tier may run in the
// current mode. It has no side effects beyond a denial log line.
func (dc *DegradationController) IsAvailable(featureID string, tier Tier) bool {
	mode := dc.Mode()
	if mode.Allows(tier) {
		return true
	}
	dc.logger.Debug("Feature suspended by degradation mode",
		"feature", featureID, "tier", tier.String(), "mode", mode.String())
	return false
}

// SetMode forces the mode, bypassing thresholds and cooldown. Automatic
// transitions continue afterwards; an operator who wants the system held
// in a mode disables the modules driving it instead.
func (dc *DegradationController) SetMode(mode DegradationMode) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if mode == dc.mode {
		return
	}
	dc.changeLocked(mode, "operator request")
}

// RecordBreakerTransition feeds a circuit breaker state change into the
// controller. openCount is the number of breakers open after the
// transition. Safe to call from a breaker transition hook.
func (dc *DegradationController) RecordBreakerTransition(component string, from, to CircuitState, openCount int) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if to == CircuitOpen {
		dc.openEvents = append(dc.openEvents, dc.now())
	}
	dc.evaluateLocked(openCount)
}

// Reevaluate re-runs the mode decision against the current open-breaker
// count. Called periodically so upgrades happen on time even when no
// breaker transitions arrive.
func (dc *DegradationController) Reevaluate(openCount int) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.evaluateLocked(openCount)
}

// RecentOpenings returns the number of breaker openings inside the
// sliding window.
func (dc *DegradationController) RecentOpenings() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.pruneLocked()
	return len(dc.openEvents)
}

func (dc *DegradationController) pruneLocked() {
	cutoff := dc.now().Add(-dc.settings.Window)
	kept := dc.openEvents[:0]
	for _, t := range dc.openEvents {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	dc.openEvents = kept
}

func (dc *DegradationController) evaluateLocked(openCount int) {
	dc.pruneLocked()

	target := ModeGraceful
	switch {
	case openCount >= dc.settings.SafeOpenThreshold:
		target = ModeSafe
	case openCount >= dc.settings.MinimalOpenThreshold:
		target = ModeMinimal
	}

	switch {
	case target > dc.mode:
		dc.changeLocked(target, fmt.Sprintf("%d circuit breakers open", openCount))
	case target < dc.mode:
		// Upgrades wait out the cooldown, need a quiet window, and only
		// happen once no breakers remain open. A partially recovered
		// system holds its current mode.
		if openCount > 0 {
			return
		}
		if dc.now().Sub(dc.lastChange) < dc.settings.UpgradeCooldown {
			return
		}
		if len(dc.openEvents) > 0 {
			return
		}
		dc.changeLocked(target, "recovered, all circuit breakers closed")
	}
}

func (dc *DegradationController) changeLocked(to DegradationMode, reason string) {
	from := dc.mode
	dc.mode = to
	dc.lastChange = dc.now()
	dc.logger.Info("Degradation mode changed",
		"from", from.String(), "to", to.String(), "reason", reason)
	if dc.onChange != nil {
		dc.onChange(from, to, reason)
	}
}
