package modhost

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReloader records reload requests instead of driving a real loader.
type fakeReloader struct {
	mu      sync.Mutex
	calls   []string
	outcome LoadOutcome
	err     error
}

func (f *fakeReloader) LoadModule(ctx context.Context, name string, force bool) (LoadOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.outcome, f.err
}

func (f *fakeReloader) reloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// monitorHarness wires a monitor over one loaded module whose health and
// recover entry points the test scripts.
type monitorHarness struct {
	registry *Registry
	entries  *EntryPointRegistry
	reloader *fakeReloader
	monitor  *HealthMonitor
	clock    time.Time

	healthMu sync.Mutex
	results  []HealthResult
	recovers atomic.Int64
}

func newMonitorHarness(t *testing.T, settings MonitorSettings) *monitorHarness {
	t.Helper()
	logger := testLogger()
	h := &monitorHarness{
		registry: NewRegistry(logger),
		entries:  NewEntryPointRegistry(logger),
		reloader: &fakeReloader{outcome: OutcomeLoaded},
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.monitor = NewHealthMonitor(h.registry, h.entries, h.reloader, settings, logger)
	h.monitor.now = func() time.Time { return h.clock }
	return h
}

// addLoaded registers a loaded module whose health check pops scripted
// results and whose recover entry point counts invocations.
func (h *monitorHarness) addLoaded(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, h.registry.Register(desc(name)))
	require.NoError(t, h.registry.SetState(name, StateLoading, ""))
	require.NoError(t, h.registry.SetState(name, StateLoaded, ""))
	require.NoError(t, h.entries.Register(name, EntryPoints{
		Init: func(ctx context.Context) error { return nil },
		Health: func(ctx context.Context) HealthResult {
			h.healthMu.Lock()
			defer h.healthMu.Unlock()
			if len(h.results) == 0 {
				return HealthResult{Level: HealthOK}
			}
			next := h.results[0]
			h.results = h.results[1:]
			return next
		},
		Recover: func(ctx context.Context) error {
			h.recovers.Add(1)
			return nil
		},
	}))
}

func (h *monitorHarness) script(results ...HealthResult) {
	h.healthMu.Lock()
	defer h.healthMu.Unlock()
	h.results = append(h.results, results...)
}

// check runs one rate-limit-free check by advancing the fake clock first.
func (h *monitorHarness) check(t *testing.T, name string) {
	t.Helper()
	h.clock = h.clock.Add(time.Minute)
	require.NoError(t, h.monitor.CheckNow(context.Background(), name))
}

func TestMonitorHealthyModuleResetsCounters(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{})
	h.addLoaded(t, "steady")
	h.script(HealthResult{Level: HealthWarning, Message: "blip"}, HealthResult{Level: HealthOK})

	h.check(t, "steady")
	rec, ok := h.monitor.Record("steady")
	require.True(t, ok)
	assert.Equal(t, 1, rec.ConsecutiveFailures)
	assert.Equal(t, 1, rec.RecoveryAttempts)

	h.check(t, "steady")
	rec, _ = h.monitor.Record("steady")
	assert.Equal(t, HealthOK, rec.Level)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
	assert.Equal(t, 0, rec.RecoveryAttempts, "an ok result restores the recovery budget")
}

func TestMonitorWarningTriggersSoftRecovery(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{})
	h.addLoaded(t, "warm")
	h.script(HealthResult{Level: HealthWarning, Message: "cache pressure"})

	h.check(t, "warm")
	assert.Equal(t, int64(1), h.recovers.Load())
	assert.Empty(t, h.reloader.reloads(), "a warning must not escalate straight to reload")
	assert.Equal(t, StateLoaded, mustState(t, h.registry, "warm"))
}

func TestMonitorSustainedErrorsTriggerReload(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{SustainedErrorThreshold: 2})
	h.addLoaded(t, "erratic")
	h.script(
		HealthResult{Level: HealthError, Message: "timeout"},
		HealthResult{Level: HealthError, Message: "timeout"},
	)

	h.check(t, "erratic")
	assert.Empty(t, h.reloader.reloads(), "one error is below the sustained threshold")
	assert.Equal(t, int64(1), h.recovers.Load())

	h.check(t, "erratic")
	assert.Equal(t, []string{"erratic"}, h.reloader.reloads())
}

func TestMonitorCriticalQuarantinesImmediately(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{})
	h.addLoaded(t, "dangerous")
	h.script(HealthResult{Level: HealthCritical, Message: "corrupting state"})

	h.check(t, "dangerous")
	info, err := h.registry.Get("dangerous")
	require.NoError(t, err)
	assert.Equal(t, StateQuarantined, info.State)
	assert.Contains(t, info.StateReason, "critical")
	assert.Empty(t, h.reloader.reloads())
}

func TestMonitorExhaustedRecoveryBudgetQuarantines(t *testing.T) {
	// Budget of two recovery actions: the first error gets a soft recovery,
	// the second (sustained) a reload, and the third lands in quarantine.
	h := newMonitorHarness(t, MonitorSettings{
		MaxRecoveryAttempts:     2,
		SustainedErrorThreshold: 2,
	})
	h.addLoaded(t, "hopeless")
	h.script(
		HealthResult{Level: HealthError, Message: "failing"},
		HealthResult{Level: HealthError, Message: "failing"},
		HealthResult{Level: HealthError, Message: "failing"},
	)

	h.check(t, "hopeless")
	assert.Equal(t, int64(1), h.recovers.Load())

	h.check(t, "hopeless")
	assert.Equal(t, []string{"hopeless"}, h.reloader.reloads())

	h.check(t, "hopeless")
	info, _ := h.registry.Get("hopeless")
	assert.Equal(t, StateQuarantined, info.State)
	assert.Contains(t, info.StateReason, "exhausted")
}

func TestMonitorRateLimitsChecks(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{MinInterval: 10 * time.Second})
	h.addLoaded(t, "busy")

	h.check(t, "busy")
	// Second check without advancing the clock is inside the rate limit.
	require.NoError(t, h.monitor.CheckNow(context.Background(), "busy"))

	rec, ok := h.monitor.Record("busy")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.TotalChecks)
	assert.Equal(t, int64(1), rec.ChecksSkipped)
}

func TestMonitorSkipsUnloadedModules(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{})
	require.NoError(t, h.registry.Register(desc("dormant")))

	require.NoError(t, h.monitor.CheckNow(context.Background(), "dormant"))
	_, ok := h.monitor.Record("dormant")
	assert.False(t, ok)

	err := h.monitor.CheckNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestMonitorNoHealthEntryPointReportsUnknown(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{})
	require.NoError(t, h.registry.Register(desc("mute")))
	require.NoError(t, h.registry.SetState("mute", StateLoading, ""))
	require.NoError(t, h.registry.SetState("mute", StateLoaded, ""))

	h.check(t, "mute")
	rec, ok := h.monitor.Record("mute")
	require.True(t, ok)
	assert.Equal(t, HealthUnknown, rec.Level)
	assert.Equal(t, StateLoaded, mustState(t, h.registry, "mute"))
}

func TestMonitorPanickingCheckCountsAsError(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{})
	require.NoError(t, h.registry.Register(desc("explosive")))
	require.NoError(t, h.registry.SetState("explosive", StateLoading, ""))
	require.NoError(t, h.registry.SetState("explosive", StateLoaded, ""))
	require.NoError(t, h.entries.Register("explosive", EntryPoints{
		Init:   func(ctx context.Context) error { return nil },
		Health: func(ctx context.Context) HealthResult { panic("boom") },
	}))

	h.check(t, "explosive")
	rec, ok := h.monitor.Record("explosive")
	require.True(t, ok)
	assert.Equal(t, HealthError, rec.Level)
	assert.Equal(t, 1, rec.ConsecutiveFailures)
}

func TestMonitorSweepDropsUnregisteredRecords(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{})
	h.addLoaded(t, "transient")

	h.check(t, "transient")
	_, ok := h.monitor.Record("transient")
	require.True(t, ok)

	require.NoError(t, h.registry.Unregister("transient"))
	h.monitor.Sweep(context.Background())
	_, ok = h.monitor.Record("transient")
	assert.False(t, ok)
}

func TestMonitorResetRecordClearsBudget(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{})
	h.addLoaded(t, "fresh")
	h.script(HealthResult{Level: HealthWarning})

	h.check(t, "fresh")
	rec, _ := h.monitor.Record("fresh")
	require.Equal(t, 1, rec.RecoveryAttempts)

	h.monitor.ResetRecord("fresh")
	_, ok := h.monitor.Record("fresh")
	assert.False(t, ok)
}

func TestMonitorSummaryReportsWorstLevel(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{})
	h.addLoaded(t, "aaa-fine")
	h.addLoaded(t, "bbb-bad")
	h.script(HealthResult{Level: HealthOK}, HealthResult{Level: HealthError, Message: "down"})

	h.check(t, "aaa-fine")
	h.check(t, "bbb-bad")

	summary := h.monitor.Summary()
	assert.Equal(t, HealthError, summary.Worst)
	require.Len(t, summary.Records, 2)
	assert.Equal(t, "aaa-fine", summary.Records[0].Module)
	assert.Equal(t, "bbb-bad", summary.Records[1].Module)
}

func TestMonitorStartStopLifecycle(t *testing.T) {
	logger := testLogger()
	registry := NewRegistry(logger)
	entries := NewEntryPointRegistry(logger)
	require.NoError(t, registry.Register(desc("watched")))
	require.NoError(t, registry.SetState("watched", StateLoading, ""))
	require.NoError(t, registry.SetState("watched", StateLoaded, ""))

	var checks atomic.Int64
	require.NoError(t, entries.Register("watched", EntryPoints{
		Init: func(ctx context.Context) error { return nil },
		Health: func(ctx context.Context) HealthResult {
			checks.Add(1)
			return HealthResult{Level: HealthOK}
		},
	}))

	monitor := NewHealthMonitor(registry, entries, &fakeReloader{}, MonitorSettings{
		Interval:    10 * time.Millisecond,
		MinInterval: time.Nanosecond,
	}, logger)

	require.NoError(t, monitor.Start(context.Background()))
	require.NoError(t, monitor.Start(context.Background()), "starting twice is a no-op")
	assert.True(t, monitor.IsRunning())

	assert.Eventually(t, func() bool { return checks.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)

	monitor.Stop()
	monitor.Stop()
	assert.False(t, monitor.IsRunning())
}

func TestMonitorBadCronExpressionFailsStart(t *testing.T) {
	h := newMonitorHarness(t, MonitorSettings{Cron: "not a cron"})
	err := h.monitor.Start(context.Background())
	require.Error(t, err)
	assert.False(t, h.monitor.IsRunning())
}

func mustState(t *testing.T, reg *Registry, name string) LoadState {
	t.Helper()
	info, err := reg.Get(name)
	require.NoError(t, err)
	return info.State
}
