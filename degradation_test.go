package modhost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDegradationModeAllows(t *testing.T) {
	tests := []struct {
		mode      DegradationMode
		core      bool
		important bool
		optional  bool
	}{
		{ModeGraceful, true, true, true},
		{ModeMinimal, true, true, false},
		{ModeSafe, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			assert.Equal(t, tt.core, tt.mode.Allows(TierCore))
			assert.Equal(t, tt.important, tt.mode.Allows(TierImportant))
			assert.Equal(t, tt.optional, tt.mode.Allows(TierOptional))
		})
	}
}

func TestParseDegradationMode(t *testing.T) {
	for _, mode := range []DegradationMode{ModeGraceful, ModeMinimal, ModeSafe} {
		parsed, err := ParseDegradationMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}

	parsed, err := ParseDegradationMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeGraceful, parsed)

	_, err = ParseDegradationMode("frantic")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

// controllerAt returns a controller with a settable fake clock.
func controllerAt(settings DegradationSettings) (*DegradationController, *time.Time) {
	dc := NewDegradationController(ModeGraceful, settings, testLogger())
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dc.now = func() time.Time { return current }
	return dc, &current
}

func TestDegradationDowngradeToMinimal(t *testing.T) {
	dc, _ := controllerAt(DegradationSettings{})

	dc.RecordBreakerTransition("a", CircuitClosed, CircuitOpen, 1)
	assert.Equal(t, ModeGraceful, dc.Mode())

	dc.RecordBreakerTransition("b", CircuitClosed, CircuitOpen, 2)
	assert.Equal(t, ModeMinimal, dc.Mode())
}

func TestDegradationDowngradeToSafe(t *testing.T) {
	dc, _ := controllerAt(DegradationSettings{})

	for i, name := range []string{"a", "b", "c", "d"} {
		dc.RecordBreakerTransition(name, CircuitClosed, CircuitOpen, i+1)
	}
	assert.Equal(t, ModeSafe, dc.Mode())
}

func TestDegradationUpgradeWaitsForCooldownAndQuietWindow(t *testing.T) {
	dc, clock := controllerAt(DegradationSettings{
		Window:          time.Minute,
		UpgradeCooldown: 2 * time.Minute,
	})

	dc.RecordBreakerTransition("a", CircuitClosed, CircuitOpen, 1)
	dc.RecordBreakerTransition("b", CircuitClosed, CircuitOpen, 2)
	require.Equal(t, ModeMinimal, dc.Mode())

	// Breakers recover immediately: still inside the cooldown.
	dc.RecordBreakerTransition("a", CircuitOpen, CircuitClosed, 1)
	dc.RecordBreakerTransition("b", CircuitOpen, CircuitClosed, 0)
	assert.Equal(t, ModeMinimal, dc.Mode())

	// Cooldown elapsed but the openings are still inside the window.
	*clock = clock.Add(90 * time.Second)
	dc.Reevaluate(0)
	assert.Equal(t, ModeMinimal, dc.Mode())

	// Cooldown elapsed and the window is quiet: upgrade.
	*clock = clock.Add(time.Minute)
	dc.Reevaluate(0)
	assert.Equal(t, ModeGraceful, dc.Mode())
}

func TestDegradationNoUpgradeWhileBreakersStillOpen(t *testing.T) {
	dc, clock := controllerAt(DegradationSettings{})

	dc.RecordBreakerTransition("a", CircuitClosed, CircuitOpen, 1)
	dc.RecordBreakerTransition("b", CircuitClosed, CircuitOpen, 2)
	require.Equal(t, ModeMinimal, dc.Mode())

	*clock = clock.Add(time.Hour)
	dc.Reevaluate(1)
	assert.Equal(t, ModeMinimal, dc.Mode(),
		"a breaker still open holds the mode even after the cooldown")

	dc.Reevaluate(2)
	assert.Equal(t, ModeMinimal, dc.Mode())

	dc.Reevaluate(0)
	assert.Equal(t, ModeGraceful, dc.Mode(),
		"the last breaker closing releases the upgrade")
}

func TestDegradationSetModeBypassesThresholds(t *testing.T) {
	dc, _ := controllerAt(DegradationSettings{})

	dc.SetMode(ModeSafe)
	assert.Equal(t, ModeSafe, dc.Mode())
	assert.False(t, dc.IsAvailable("extras", TierOptional))
	assert.True(t, dc.IsAvailable("prompt", TierCore))

	dc.SetMode(ModeGraceful)
	assert.Equal(t, ModeGraceful, dc.Mode())
}

func TestDegradationOnChangeHook(t *testing.T) {
	dc, _ := controllerAt(DegradationSettings{})

	var changes []string
	dc.OnChange(func(from, to DegradationMode, reason string) {
		changes = append(changes, from.String()+"->"+to.String())
	})

	dc.RecordBreakerTransition("a", CircuitClosed, CircuitOpen, 1)
	dc.RecordBreakerTransition("b", CircuitClosed, CircuitOpen, 2)
	dc.RecordBreakerTransition("c", CircuitClosed, CircuitOpen, 3)
	dc.RecordBreakerTransition("d", CircuitClosed, CircuitOpen, 4)

	assert.Equal(t, []string{"graceful->minimal", "minimal->safe"}, changes)
}

func TestDegradationRecentOpeningsWindow(t *testing.T) {
	dc, clock := controllerAt(DegradationSettings{Window: time.Minute})

	dc.RecordBreakerTransition("a", CircuitClosed, CircuitOpen, 1)
	*clock = clock.Add(30 * time.Second)
	dc.RecordBreakerTransition("b", CircuitClosed, CircuitOpen, 2)
	assert.Equal(t, 2, dc.RecentOpenings())

	*clock = clock.Add(45 * time.Second)
	assert.Equal(t, 1, dc.RecentOpenings(), "the first opening aged out of the window")

	*clock = clock.Add(time.Hour)
	assert.Equal(t, 0, dc.RecentOpenings())
}
