package host

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipbridge/internal/engine"
	"clipbridge/internal/engine/enginetest"
	"clipbridge/internal/envelope"
)

type harness struct {
	host   *Host
	fake   *enginetest.Engine
	mu     sync.Mutex
	states []State
	events []string
}

func (hs *harness) seen() []State {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	out := append([]State(nil), hs.states...)
	hs.states = nil
	return out
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	lib := filepath.Join(dir, engine.DefaultLibraryName())
	require.NoError(t, os.WriteFile(lib, []byte("lib"), 0o644))

	hs := &harness{fake: enginetest.New()}
	core := filepath.Join(dir, "core")
	cfg := Config{
		Locator: engine.Locator{Path: lib},
		Loader:  hs.fake.Loader(),
		Core: envelope.NewCoreConfig(
			filepath.Join(core, "data"), filepath.Join(core, "cache"), filepath.Join(core, "logs"),
			"test-device", "info", envelope.DefaultLimits()),
		AppDataDir:  filepath.Join(dir, "shell"),
		CoreDataDir: core,
		OnEvent: func(ev string) {
			hs.mu.Lock()
			hs.events = append(hs.events, ev)
			hs.mu.Unlock()
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	hs.host = New(cfg)
	hs.host.OnStateChange(func(_, s State) {
		hs.mu.Lock()
		hs.states = append(hs.states, s)
		hs.mu.Unlock()
	})
	return hs
}

func (hs *harness) handle() uintptr {
	hs.host.hmu.RLock()
	defer hs.host.hmu.RUnlock()
	return hs.host.handle
}

func TestInitializeShutdownRoundTrip(t *testing.T) {
	hs := newHarness(t)
	hs.fake.SetInitEnvelope(`{"ok":true,"data":12345}`)
	ctx := context.Background()

	require.NoError(t, hs.host.Initialize(ctx))
	assert.Equal(t, []State{Loading, Ready}, hs.seen())
	assert.Equal(t, uintptr(12345), hs.handle())
	assert.True(t, hs.host.Ready())
	assert.Equal(t, SummaryOK, hs.host.Diagnostics().LastInitSummary)

	hs.host.Shutdown(ctx)
	assert.Equal(t, []State{ShuttingDown, NotLoaded}, hs.seen())
	assert.Zero(t, hs.handle())
	assert.False(t, hs.host.Ready())
	assert.False(t, hs.fake.Live())
	assert.False(t, hs.fake.Emit(`{"type":"LOG_WRITTEN"}`), "callback released")

	require.NoError(t, hs.host.Initialize(ctx))
	assert.Equal(t, []State{Loading, Ready}, hs.seen())
	assert.Equal(t, uintptr(12345), hs.handle())
}

func TestInitializeShutdownRepeated(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_ = hs.host.Initialize(ctx)
		st := hs.host.State()
		require.True(t, st == Ready || st == Degraded, "iteration %d: %s", i, st)

		hs.host.Shutdown(ctx)
		require.Equal(t, NotLoaded, hs.host.State(), "iteration %d", i)
	}
	assert.Equal(t, 50, hs.fake.CallCount(enginetest.MethodInit))
	assert.Equal(t, 50, hs.fake.CallCount(enginetest.MethodShutdown))
}

func TestInitializeIsIdempotentWhenReady(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	require.NoError(t, hs.host.Initialize(ctx))
	hs.seen()

	require.NoError(t, hs.host.Initialize(ctx))
	assert.Empty(t, hs.seen())
	assert.Equal(t, 1, hs.fake.CallCount(enginetest.MethodInit))
}

func TestShutdownWhenNotLoadedIsNoop(t *testing.T) {
	hs := newHarness(t)
	hs.host.Shutdown(context.Background())
	assert.Empty(t, hs.seen())
	assert.Zero(t, hs.fake.CallCount(enginetest.MethodShutdown))
}

func TestShutdownFromDegraded(t *testing.T) {
	hs := newHarness(t)
	hs.fake.SetInitEnvelope(envelope.Fail("CORE_ERR", "boom"))
	ctx := context.Background()
	require.Error(t, hs.host.Initialize(ctx))
	hs.seen()

	hs.host.Shutdown(ctx)
	assert.Equal(t, []State{ShuttingDown, NotLoaded}, hs.seen())
	assert.Zero(t, hs.fake.CallCount(enginetest.MethodShutdown), "no handle to destroy")
}

func TestInitializeDegradedPaths(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		setup       func(*enginetest.Engine)
		wantSummary string
		wantLastErr string
	}{
		{
			name:        "library missing",
			mutate:      func(c *Config) { c.Locator.Path = filepath.Join(c.AppDataDir, "nope.so") },
			wantSummary: SummaryDLLMissing,
		},
		{
			name: "arch mismatch",
			mutate: func(c *Config) {
				c.Loader = enginetest.FailingLoader(&engine.LoadError{Path: "x", Reason: engine.ErrArchMismatch})
			},
			wantSummary: SummaryArchMismatch,
		},
		{
			name: "load failed",
			mutate: func(c *Config) {
				c.Loader = enginetest.FailingLoader(&engine.LoadError{Path: "x", Reason: engine.ErrLoadFailed, Detail: "bad header"})
			},
			wantSummary: SummaryLoadFailed,
		},
		{
			name:        "engine error",
			setup:       func(f *enginetest.Engine) { f.SetInitEnvelope(envelope.Fail("CORE_ERR", "boom")) },
			wantSummary: "Init failed: CORE_ERR: boom",
			wantLastErr: "boom",
		},
		{
			name:        "null data",
			setup:       func(f *enginetest.Engine) { f.SetInitEnvelope(`{"ok":true,"data":null}`) },
			wantSummary: "Init failed: JSON_PARSE_ERR: init returned no handle",
		},
		{
			name:        "zero handle",
			setup:       func(f *enginetest.Engine) { f.SetInitEnvelope(`{"ok":true,"data":0}`) },
			wantSummary: "Init failed: JSON_PARSE_ERR: init returned a null handle",
		},
		{
			name:        "malformed envelope",
			setup:       func(f *enginetest.Engine) { f.SetInitEnvelope(`not json`) },
			wantSummary: "Init failed: GEN_INVALID_MESSAGE:",
		},
		{
			name:        "panic",
			setup:       func(f *enginetest.Engine) { f.PanicOnInit("kaboom") },
			wantSummary: "Init failed: panic: kaboom",
			wantLastErr: "kaboom",
		},
		{
			name:        "abi mismatch",
			setup:       func(f *enginetest.Engine) { f.SetVersion(engine.ABIMajor+1, 0) },
			wantSummary: "Init failed: abi:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*Config)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			hs := newHarness(t, mutate...)
			if tt.setup != nil {
				tt.setup(hs.fake)
			}

			err := hs.host.Initialize(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDegraded)
			assert.Equal(t, []State{Loading, Degraded}, hs.seen())
			assert.False(t, hs.host.Ready())

			d := hs.host.Diagnostics()
			assert.Contains(t, d.LastInitSummary, tt.wantSummary)
			assert.Equal(t, "Degraded", d.State)
			assert.NotEmpty(t, hs.host.LastError())
			if tt.wantLastErr != "" {
				assert.Equal(t, tt.wantLastErr, hs.host.LastError())
			}
		})
	}
}

func TestInitializeRecordsEnvelopeAndAbi(t *testing.T) {
	hs := newHarness(t)
	env := envelope.Fail("CORE_ERR", "boom")
	hs.fake.SetInitEnvelope(env)
	_ = hs.host.Initialize(context.Background())

	d := hs.host.Diagnostics()
	require.NotNil(t, d.LastInitEnvelopeJSON)
	assert.Equal(t, env, *d.LastInitEnvelopeJSON)
	require.NotNil(t, d.FFIABI)
	assert.Equal(t, ABIVersion{Major: engine.ABIMajor, Minor: engine.ABIMinor}, *d.FFIABI)
	assert.NotEmpty(t, d.DLLPath)
	assert.NotEmpty(t, d.CacheDir)
	assert.NotEmpty(t, d.CoreDataDir)
}

func TestInitializeRetryFromDegraded(t *testing.T) {
	hs := newHarness(t)
	hs.fake.SetInitEnvelope(envelope.Fail("CORE_ERR", "boom"))
	ctx := context.Background()
	require.Error(t, hs.host.Initialize(ctx))

	hs.fake.SetInitEnvelope("")
	require.NoError(t, hs.host.Initialize(ctx))
	assert.True(t, hs.host.Ready())
	assert.Empty(t, hs.host.LastError())
}

func TestLibraryLoadedOnce(t *testing.T) {
	loads := 0
	fake := enginetest.New()
	hs := newHarness(t, func(c *Config) {
		c.Loader = func(path string) (engine.Engine, error) {
			loads++
			return fake, nil
		}
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, hs.host.Initialize(ctx))
		hs.host.Shutdown(ctx)
	}
	assert.Equal(t, 1, loads)

	require.NoError(t, hs.host.Close(ctx))
	assert.True(t, fake.Closed())
}

func TestEventsReachOnEvent(t *testing.T) {
	hs := newHarness(t)
	require.NoError(t, hs.host.Initialize(context.Background()))

	<-hs.fake.EmitAsync(`{"type":"A"}`, `{"type":"B"}`)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	assert.Equal(t, []string{`{"type":"A"}`, `{"type":"B"}`}, hs.events)
}

func TestStateObserversOrderedAndRemovable(t *testing.T) {
	hs := newHarness(t)
	var order []string
	hs.host.OnStateChange(func(_, s State) { order = append(order, "first:"+s.String()) })
	hs.host.OnStateChange(func(State, State) { panic("observer bug") })
	remove := hs.host.OnStateChange(func(_, s State) { order = append(order, "third:"+s.String()) })

	ctx := context.Background()
	require.NoError(t, hs.host.Initialize(ctx))
	remove()
	hs.host.Shutdown(ctx)

	assert.Equal(t, []string{
		"first:Loading", "third:Loading",
		"first:Ready", "third:Ready",
		"first:ShuttingDown", "first:NotLoaded",
	}, order)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ShuttingDown", ShuttingDown.String())
	assert.Equal(t, "State(42)", State(42).String())
}

type recorder struct {
	mu     sync.Mutex
	calls  map[string]int
	errs   int
	states []State
}

func (r *recorder) ObserveCall(op string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[op]++
	if err != nil {
		r.errs++
	}
}

func (r *recorder) ObserveState(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func TestRecorder(t *testing.T) {
	rec := &recorder{}
	hs := newHarness(t, func(c *Config) { c.Recorder = rec })
	ctx := context.Background()

	_, err := hs.host.ListPeers(ctx)
	require.Error(t, err)
	require.NoError(t, hs.host.Initialize(ctx))
	_, err = hs.host.ListPeers(ctx)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.calls["init"])
	assert.Equal(t, 2, rec.calls["list_peers"])
	assert.Equal(t, 1, rec.errs)
	assert.Equal(t, []State{Loading, Ready}, rec.states)
}

func TestShutdownWaitsForInFlightCalls(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	require.NoError(t, hs.host.Initialize(ctx))

	release := hs.fake.Hold()
	errc := make(chan error, 1)
	go func() {
		_, err := hs.host.ListPeers(ctx)
		errc <- err
	}()
	inFlight := func() bool {
		if hs.host.sem.TryAcquire(DefaultWorkers) {
			hs.host.sem.Release(DefaultWorkers)
			return false
		}
		return true
	}
	require.Eventually(t, inFlight, time.Second, time.Millisecond)

	shut := make(chan struct{})
	go func() {
		hs.host.Shutdown(ctx)
		close(shut)
	}()

	select {
	case <-shut:
		t.Fatal("shutdown finished while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	require.NoError(t, <-errc)
	<-shut
	assert.Equal(t, NotLoaded, hs.host.State())
}
