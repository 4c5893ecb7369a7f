package modhost

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadHarness wires a loader with in-memory content so tests never touch
// the filesystem.
type loadHarness struct {
	registry  *Registry
	entries   *EntryPointRegistry
	breakers  *BreakerRegistry
	fallbacks *FallbackRegistry
	loader    *Loader
}

func newLoadHarness(t *testing.T, verify bool, content map[string][]byte) *loadHarness {
	t.Helper()
	logger := testLogger()
	h := &loadHarness{
		registry:  NewRegistry(logger),
		entries:   NewEntryPointRegistry(logger),
		breakers:  NewBreakerRegistry(BreakerSettings{}, logger),
		fallbacks: NewFallbackRegistry(logger),
	}
	verifier := NewIntegrityVerifier(verify, logger, testAudit(t))
	h.loader = NewLoader(h.registry, h.entries, verifier, h.breakers, h.fallbacks, logger).
		WithContentReader(func(source string) ([]byte, error) {
			if c, ok := content[source]; ok {
				return c, nil
			}
			return nil, os.ErrNotExist
		})
	return h
}

// add registers a descriptor and its init entry point in one step.
func (h *loadHarness) add(t *testing.T, d ModuleDescriptor, init InitFunc) {
	t.Helper()
	require.NoError(t, h.registry.Register(d))
	if init == nil {
		init = func(ctx context.Context) error { return nil }
	}
	require.NoError(t, h.entries.Register(d.Name, EntryPoints{Init: init}))
}

func (h *loadHarness) state(t *testing.T, name string) LoadState {
	t.Helper()
	info, err := h.registry.Get(name)
	require.NoError(t, err)
	return info.State
}

func TestLoadAllInitializesInDependencyOrder(t *testing.T) {
	h := newLoadHarness(t, false, nil)

	var order []string
	trace := func(name string) InitFunc {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	h.add(t, desc("logging"), trace("logging"))
	h.add(t, desc("cache", "logging"), trace("cache"))
	h.add(t, desc("web", "cache"), trace("web"))

	report, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"logging", "cache", "web"}, order)
	assert.ElementsMatch(t, []string{"logging", "cache", "web"}, report.Loaded)
	assert.Equal(t, StateLoaded, h.state(t, "web"))
}

func TestLoadAllIsIdempotent(t *testing.T) {
	h := newLoadHarness(t, false, nil)

	inits := 0
	h.add(t, desc("once"), func(ctx context.Context) error {
		inits++
		return nil
	})

	_, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)
	report, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, inits, "a second pass must not re-run init")
	assert.Equal(t, []string{"once"}, report.AlreadyLoaded)
}

func TestLoadBrokenDependencyBlocksDependentOnly(t *testing.T) {
	h := newLoadHarness(t, false, nil)

	h.add(t, desc("flaky"), func(ctx context.Context) error {
		return errPrimaryFailed
	})
	h.add(t, desc("dependent", "flaky"), nil)
	h.add(t, desc("bystander"), nil)

	report, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"flaky", "dependent"}, report.Broken)
	assert.Equal(t, []string{"bystander"}, report.Loaded)

	info, _ := h.registry.Get("dependent")
	assert.Equal(t, StateBroken, info.State)
	assert.Contains(t, info.StateReason, "flaky")
}

func TestLoadFallbackProducesDegraded(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	h.add(t, desc("wobbly"), func(ctx context.Context) error {
		return errPrimaryFailed
	})

	fallbackRuns := 0
	require.NoError(t, h.fallbacks.Register("wobbly", func(ctx context.Context) error {
		fallbackRuns++
		return nil
	}))

	report, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"wobbly"}, report.Degraded)
	assert.Equal(t, 1, fallbackRuns)

	info, _ := h.registry.Get("wobbly")
	assert.Equal(t, StateLoaded, info.State)
	assert.True(t, info.Degraded)
}

func TestLoadFallbackFailureBreaksModule(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	h.add(t, desc("doomed"), func(ctx context.Context) error {
		return errPrimaryFailed
	})
	require.NoError(t, h.fallbacks.Register("doomed", func(ctx context.Context) error {
		return errPrimaryFailed
	}))

	outcome, err := h.loader.LoadModule(context.Background(), "doomed", false)
	assert.Equal(t, OutcomeBroken, outcome)
	assert.ErrorIs(t, err, ErrLoadFailed)
	assert.Equal(t, StateBroken, h.state(t, "doomed"))
}

func TestLoadOpenBreakerSkipsPrimaryAndUsesFallback(t *testing.T) {
	h := newLoadHarness(t, false, nil)

	inits := 0
	h.add(t, desc("tripped"), func(ctx context.Context) error {
		inits++
		return nil
	})
	require.NoError(t, h.fallbacks.Register("tripped", func(ctx context.Context) error {
		return nil
	}))

	h.breakers.SetOverride("tripped", BreakerSettings{FailureThreshold: 1})
	h.breakers.For("tripped").RecordFailure()

	outcome, err := h.loader.LoadModule(context.Background(), "tripped", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, outcome)
	assert.Equal(t, 0, inits, "an open breaker must not invoke the primary init")
}

func TestLoadBreakerRecoversThroughHalfOpenProbe(t *testing.T) {
	h := newLoadHarness(t, false, nil)

	inits := 0
	h.add(t, desc("flaky"), func(ctx context.Context) error {
		inits++
		if inits < 3 {
			return errPrimaryFailed
		}
		return nil
	})
	h.breakers.SetOverride("flaky", BreakerSettings{
		FailureThreshold: 1,
		ResetTimeout:     25 * time.Millisecond,
	})

	outcome, err := h.loader.LoadModule(context.Background(), "flaky", false)
	assert.Equal(t, OutcomeBroken, outcome)
	require.ErrorIs(t, err, ErrLoadFailed)
	require.Equal(t, CircuitOpen, h.breakers.For("flaky").GetState())

	// Inside the reset timeout the breaker rejects without running init.
	_, err = h.loader.LoadModule(context.Background(), "flaky", true)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, inits)

	// After the timeout the retry runs as the half-open probe; its failure
	// reopens the breaker instead of wedging it.
	time.Sleep(50 * time.Millisecond)
	_, err = h.loader.LoadModule(context.Background(), "flaky", true)
	require.ErrorIs(t, err, ErrLoadFailed)
	assert.Equal(t, 2, inits, "the probe must reach the primary init")
	require.Equal(t, CircuitOpen, h.breakers.For("flaky").GetState())

	// The next timeout admits a fresh probe whose success closes the
	// breaker and loads the module.
	time.Sleep(50 * time.Millisecond)
	outcome, err = h.loader.LoadModule(context.Background(), "flaky", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoaded, outcome)
	assert.Equal(t, 3, inits)
	assert.Equal(t, CircuitClosed, h.breakers.For("flaky").GetState())
	assert.Equal(t, StateLoaded, h.state(t, "flaky"))
}

func TestLoadIntegrityFailureIsContained(t *testing.T) {
	goodContent := []byte("good body\n")
	good := desc("good")
	good.Source = "good.mod"
	good.Checksum = ComputeChecksum(goodContent)

	bad := desc("tampered")
	bad.Source = "tampered.mod"
	bad.Checksum = ComputeChecksum([]byte("authored body\n"))

	h := newLoadHarness(t, true, map[string][]byte{
		"good.mod":     goodContent,
		"tampered.mod": []byte("modified body\n"),
	})
	h.add(t, good, nil)
	h.add(t, bad, nil)

	report, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, report.Loaded)
	assert.Equal(t, []string{"tampered"}, report.Broken)

	info, _ := h.registry.Get("tampered")
	assert.Contains(t, info.StateReason, "integrity")
}

func TestLoadUnsignedModuleIsFlaggedNotRejected(t *testing.T) {
	unsigned := desc("bare")
	unsigned.Source = "bare.mod"

	h := newLoadHarness(t, true, map[string][]byte{"bare.mod": []byte("body\n")})
	h.add(t, unsigned, nil)

	outcome, err := h.loader.LoadModule(context.Background(), "bare", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoaded, outcome)

	info, _ := h.registry.Get("bare")
	assert.True(t, info.Unsigned)
}

func TestLoadForceBypassesIntegrityMismatch(t *testing.T) {
	d := desc("stale")
	d.Source = "stale.mod"
	d.Checksum = ComputeChecksum([]byte("old body\n"))

	h := newLoadHarness(t, true, map[string][]byte{"stale.mod": []byte("new body\n")})
	h.add(t, d, nil)

	outcome, err := h.loader.LoadModule(context.Background(), "stale", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoaded, outcome)
}

func TestLoadRuntimeCycleDetected(t *testing.T) {
	h := newLoadHarness(t, false, nil)

	// alpha's init dynamically loads beta, whose init loads alpha again.
	h.add(t, desc("beta"), func(ctx context.Context) error {
		_, err := h.loader.LoadModule(ctx, "alpha", false)
		return err
	})
	h.add(t, desc("alpha"), func(ctx context.Context) error {
		_, err := h.loader.LoadModule(ctx, "beta", false)
		return err
	})

	_, err := h.loader.LoadModule(context.Background(), "alpha", false)
	require.ErrorIs(t, err, ErrRuntimeLoadCycle)
	assert.Contains(t, err.Error(), "alpha -> beta -> alpha")
	assert.Equal(t, StateBroken, h.state(t, "alpha"))
}

func TestLoadModuleAlreadyLoadingIsRejected(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	h.add(t, desc("inflight"), nil)
	require.NoError(t, h.registry.SetState("inflight", StateLoading, ""))

	outcome, err := h.loader.LoadModule(context.Background(), "inflight", false)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.ErrorIs(t, err, ErrRuntimeLoadCycle)
}

func TestLoadQuarantinedModuleIsSkipped(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	h.add(t, desc("isolated"), nil)
	require.NoError(t, h.registry.SetState("isolated", StateQuarantined, "operator isolated"))

	outcome, err := h.loader.LoadModule(context.Background(), "isolated", true)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.ErrorIs(t, err, ErrModuleQuarantined)
	assert.Equal(t, StateQuarantined, h.state(t, "isolated"),
		"even a forced load must not touch a quarantined module")
}

func TestLoadBrokenModuleNeedsForce(t *testing.T) {
	h := newLoadHarness(t, false, nil)

	attempts := 0
	h.add(t, desc("retry"), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return errPrimaryFailed
		}
		return nil
	})

	_, err := h.loader.LoadModule(context.Background(), "retry", false)
	require.Error(t, err)
	require.Equal(t, StateBroken, h.state(t, "retry"))

	_, err = h.loader.LoadModule(context.Background(), "retry", false)
	assert.ErrorIs(t, err, ErrPreviouslyBroken)

	outcome, err := h.loader.LoadModule(context.Background(), "retry", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoaded, outcome)
}

func TestLoadEnabledFilterPullsRequiredDependencies(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	h.add(t, desc("base"), nil)
	h.add(t, desc("app", "base"), nil)
	h.add(t, desc("extra"), nil)

	h.loader.WithEnabledFilter(func(name string) bool { return name == "app" })

	report, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"base", "app"}, report.Loaded)
	assert.Equal(t, []string{"extra"}, report.Skipped)
}

func TestLoadOptionalDependencyDoesNotBlock(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	h.add(t, descOpt("flexible", "absent"), nil)

	outcome, err := h.loader.LoadModule(context.Background(), "flexible", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLoaded, outcome)
}

func TestLoadPanickingInitIsContained(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	h.add(t, desc("volatile"), func(ctx context.Context) error {
		panic("boom")
	})
	h.add(t, desc("steady"), nil)

	report, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"volatile"}, report.Broken)
	assert.Equal(t, []string{"steady"}, report.Loaded)

	info, _ := h.registry.Get("volatile")
	assert.Contains(t, info.StateReason, "panicked")
}

func TestLoadMissingDependencyMarksBroken(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	h.add(t, desc("orphan", "ghost"), nil)

	report, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, report.Broken)

	info, _ := h.registry.Get("orphan")
	assert.Contains(t, info.StateReason, "ghost")
}

func TestLoadDependencyCycleMarksAllMembersBroken(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	h.add(t, desc("X", "Y"), nil)
	h.add(t, desc("Y", "X"), nil)
	h.add(t, desc("independent"), nil)

	report, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"X", "Y"}, report.Broken)
	assert.Equal(t, []string{"independent"}, report.Loaded)

	info, _ := h.registry.Get("X")
	assert.Contains(t, info.StateReason, "cycle")
}

func TestLoadParallelRespectsOrderingAndIsolation(t *testing.T) {
	h := newLoadHarness(t, false, nil)

	var mu sync.Mutex
	position := make(map[string]int)
	next := 0
	trace := func(name string, fail bool) InitFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			position[name] = next
			next++
			mu.Unlock()
			if fail {
				return errPrimaryFailed
			}
			return nil
		}
	}

	h.add(t, desc("base"), trace("base", false))
	h.add(t, desc("left", "base"), trace("left", false))
	h.add(t, desc("right", "base"), trace("right", false))
	h.add(t, desc("broken-root"), trace("broken-root", true))
	h.add(t, desc("lone"), trace("lone", false))

	h.loader.WithParallelism(true, 4)
	report, err := h.loader.LoadAll(context.Background(), false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"base", "left", "right", "lone"}, report.Loaded)
	assert.Equal(t, []string{"broken-root"}, report.Broken)
	assert.Less(t, position["base"], position["left"])
	assert.Less(t, position["base"], position["right"])
}

func TestLoadMissingInitEntryPointBreaksModule(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	require.NoError(t, h.registry.Register(desc("silent")))

	outcome, err := h.loader.LoadModule(context.Background(), "silent", false)
	assert.Equal(t, OutcomeBroken, outcome)
	assert.ErrorIs(t, err, ErrInitNotRegistered)
}

func TestLoadCancelledContextSkipsRemaining(t *testing.T) {
	h := newLoadHarness(t, false, nil)
	h.add(t, desc("a"), nil)
	h.add(t, desc("b"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.loader.LoadAll(ctx, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ElementsMatch(t, []string{"a", "b"}, report.Skipped)
}
