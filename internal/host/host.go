// Package host owns the native engine handle and its lifecycle.
//
// A Host loads the library once, probes its ABI, creates one engine
// instance and tears it down again. Load and init failures never escape as
// panics: Initialize always ends in Ready or Degraded and Shutdown always
// ends in NotLoaded. Every request/response call is gated on Ready and runs
// on a bounded worker pool so callers observe it as cancellable work.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"clipbridge/internal/engine"
	"clipbridge/internal/envelope"
)

// State is the lifecycle state of the engine handle.
type State int32

const (
	NotLoaded State = iota
	Loading
	Ready
	Degraded
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "NotLoaded"
	case Loading:
		return "Loading"
	case Ready:
		return "Ready"
	case Degraded:
		return "Degraded"
	case ShuttingDown:
		return "ShuttingDown"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Init summaries recorded in Diagnostics.
const (
	SummaryOK           = "Init OK"
	SummaryDLLMissing   = "Core degraded: DLL missing."
	SummaryLoadFailed   = "Core degraded: DLL load failed."
	SummaryArchMismatch = "Core degraded: Arch mismatch."
)

// DefaultWorkers bounds concurrent calls into the engine.
const DefaultWorkers = 4

var (
	// ErrNotReady is returned by operations issued outside the Ready state.
	ErrNotReady = errors.New("host: core not ready")
	// ErrDegraded is returned by Initialize when it ended in Degraded.
	ErrDegraded = errors.New("host: core degraded")
)

// NotReadyError carries the state an operation was rejected in.
type NotReadyError struct {
	Op    string
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("host: %s: core not ready (state %s)", e.Op, e.State)
}

func (e *NotReadyError) Unwrap() error { return ErrNotReady }

// Recorder receives per-call measurements. The metrics package implements
// it.
type Recorder interface {
	ObserveCall(op string, took time.Duration, err error)
	ObserveState(s State)
}

// Config configures a Host.
type Config struct {
	Locator engine.Locator
	// Loader opens the located library. Nil means engine.Open.
	Loader engine.Loader
	// Core is rendered to JSON and passed to init.
	Core envelope.CoreConfig
	// AppDataDir is reported in diagnostics.
	AppDataDir string
	// CoreDataDir is the root of the engine's data, cache and log dirs.
	CoreDataDir string
	// OnEvent receives every pushed event. It runs on the engine's thread
	// and must not block.
	OnEvent engine.EventFunc

	Workers     int
	CallTimeout time.Duration
	Recorder    Recorder
	Logger      *slog.Logger
}

// StateObserver is called synchronously, in registration order, on every
// transition.
type StateObserver func(old, new State)

// Host is the single owner of the engine handle.
type Host struct {
	cfg    Config
	logger *slog.Logger
	sem    *semaphore.Weighted

	// life serialises Initialize and Shutdown.
	life sync.Mutex

	// calls is held shared by every engine call for its whole duration and
	// exclusively around init and shutdown, so the instance is never
	// destroyed under an in-flight call.
	calls sync.RWMutex

	hmu    sync.RWMutex
	state  State
	handle uintptr
	eng    engine.Engine

	diagMu sync.RWMutex
	diag   Diagnostics

	obsMu     sync.Mutex
	observers []observerEntry
	nextObs   int
}

type observerEntry struct {
	id int
	fn StateObserver
}

// New creates a Host in NotLoaded.
func New(cfg Config) *Host {
	if cfg.Loader == nil {
		cfg.Loader = engine.Open
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(string) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		cfg:    cfg,
		logger: logger.With("component", "host"),
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// State returns the current state.
func (h *Host) State() State {
	h.hmu.RLock()
	defer h.hmu.RUnlock()
	return h.state
}

// Ready reports whether operations may be issued.
func (h *Host) Ready() bool {
	h.hmu.RLock()
	defer h.hmu.RUnlock()
	return h.state == Ready && h.handle != 0
}

// LastError returns the message of the last load or init failure.
func (h *Host) LastError() string {
	h.diagMu.RLock()
	defer h.diagMu.RUnlock()
	return h.diag.LastError
}

// OnStateChange registers fn and returns a func that unregisters it.
func (h *Host) OnStateChange(fn StateObserver) func() {
	h.obsMu.Lock()
	id := h.nextObs
	h.nextObs++
	h.observers = append(h.observers, observerEntry{id: id, fn: fn})
	h.obsMu.Unlock()

	return func() {
		h.obsMu.Lock()
		defer h.obsMu.Unlock()
		for i, o := range h.observers {
			if o.id == id {
				h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
				return
			}
		}
	}
}

// setState must be called with life held and hmu not held.
func (h *Host) setState(s State) {
	h.hmu.Lock()
	old := h.state
	h.state = s
	h.hmu.Unlock()

	h.diagMu.Lock()
	h.diag.State = s.String()
	h.diagMu.Unlock()

	h.logger.Debug("state changed", "from", old.String(), "to", s.String())
	if h.cfg.Recorder != nil {
		h.cfg.Recorder.ObserveState(s)
	}

	h.obsMu.Lock()
	obs := make([]StateObserver, len(h.observers))
	for i, o := range h.observers {
		obs[i] = o.fn
	}
	h.obsMu.Unlock()
	for _, fn := range obs {
		h.notify(fn, old, s)
	}
}

func (h *Host) notify(fn StateObserver, old, s State) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("state observer panicked", "panic", r)
		}
	}()
	fn(old, s)
}

// Initialize loads the library if needed and creates an engine instance.
// It is a no-op while Loading or Ready and may be retried from Degraded.
// The returned error wraps ErrDegraded when the host ended in Degraded.
func (h *Host) Initialize(ctx context.Context) (err error) {
	h.life.Lock()
	defer h.life.Unlock()

	switch h.State() {
	case Loading, Ready:
		return nil
	}

	h.updateDiag(func(d *Diagnostics) {
		d.LastError = ""
		d.LastInitEnvelopeJSON = nil
		d.AppDataDir = h.cfg.AppDataDir
		d.CoreDataDir = h.cfg.CoreDataDir
		d.CacheDir = h.cfg.Core.CacheDir
		d.LogDir = h.cfg.Core.LogDir
	})
	h.setState(Loading)

	defer func() {
		if r := recover(); r != nil {
			err = h.degrade(failureSummary(&PanicError{Value: r}))
		}
	}()

	eng, err := h.load()
	if err != nil {
		return err
	}

	cfgJSON, cerr := h.cfg.Core.JSON()
	if cerr != nil {
		return h.degrade("Init failed: config: "+cerr.Error(), cerr.Error())
	}

	start := time.Now()
	var env string
	late := make(chan string, 1)
	cerr = h.run(ctx, func() error {
		h.calls.Lock()
		defer h.calls.Unlock()
		defer func() { late <- env }()
		env = eng.Init(cfgJSON, h.cfg.OnEvent)
		return nil
	})
	h.record("init", start, cerr)
	if cerr != nil {
		if isContextErr(cerr) {
			go h.reapLateInit(eng, late)
		}
		return h.degrade(failureSummary(cerr))
	}
	h.updateDiag(func(d *Diagnostics) { d.LastInitEnvelopeJSON = &env })

	data, cerr := envelope.Decode(env)
	var handle uintptr
	if cerr == nil {
		handle, cerr = envelope.DecodeHandle(data)
	}
	if cerr != nil {
		return h.degrade(failureSummary(cerr))
	}

	h.hmu.Lock()
	h.handle = handle
	h.hmu.Unlock()
	h.updateDiag(func(d *Diagnostics) { d.LastInitSummary = SummaryOK })
	h.setState(Ready)
	h.logger.Info("core ready", "handle", handle, "took", time.Since(start))
	return nil
}

// load resolves, opens and probes the library once per Host. A failed load
// is retried by the next Initialize.
func (h *Host) load() (engine.Engine, error) {
	h.hmu.RLock()
	eng := h.eng
	h.hmu.RUnlock()
	if eng != nil {
		return eng, nil
	}

	path, err := h.cfg.Locator.Locate()
	h.updateDiag(func(d *Diagnostics) { d.DLLPath = path })
	if err != nil {
		h.updateDiag(func(d *Diagnostics) { d.DLLLoadError = err.Error() })
		return nil, h.degrade(SummaryDLLMissing, err.Error())
	}

	eng, err = h.cfg.Loader(path)
	if err != nil {
		h.updateDiag(func(d *Diagnostics) { d.DLLLoadError = err.Error() })
		switch {
		case errors.Is(err, engine.ErrArchMismatch):
			return nil, h.degrade(SummaryArchMismatch, err.Error())
		case errors.Is(err, engine.ErrLibraryNotFound):
			return nil, h.degrade(SummaryDLLMissing, err.Error())
		default:
			return nil, h.degrade(SummaryLoadFailed, err.Error())
		}
	}

	major, minor := eng.FFIVersion()
	h.updateDiag(func(d *Diagnostics) { d.FFIABI = &ABIVersion{Major: major, Minor: minor} })
	if err := engine.CheckABI(major, minor); err != nil {
		_ = eng.Close()
		return nil, h.degrade("Init failed: abi: "+err.Error(), err.Error())
	}

	h.hmu.Lock()
	h.eng = eng
	h.hmu.Unlock()
	h.logger.Info("core library loaded", "path", path, "abi_major", major, "abi_minor", minor)
	return eng, nil
}

func (h *Host) degrade(summary, lastErr string) error {
	h.updateDiag(func(d *Diagnostics) {
		d.LastInitSummary = summary
		d.LastError = lastErr
	})
	h.setState(Degraded)
	h.logger.Warn("core degraded", "summary", summary, "error", lastErr)
	return fmt.Errorf("%w: %s", ErrDegraded, summary)
}

// reapLateInit destroys an instance whose init outlived the caller's
// context.
func (h *Host) reapLateInit(eng engine.Engine, late <-chan string) {
	env := <-late
	data, err := envelope.Decode(env)
	if err != nil {
		return
	}
	handle, err := envelope.DecodeHandle(data)
	if err != nil {
		return
	}
	h.calls.Lock()
	defer h.calls.Unlock()
	h.logger.Warn("destroying core instance from abandoned init", "handle", handle)
	_ = eng.Shutdown(handle)
}

func kindOf(err error) string {
	var ce *envelope.CoreError
	var pe *PanicError
	switch {
	case errors.As(err, &ce):
		return ce.Code
	case errors.As(err, &pe):
		return "panic"
	case isContextErr(err):
		return "cancelled"
	default:
		return "error"
	}
}

// Shutdown destroys the engine instance. It is a no-op in NotLoaded.
// Failures are logged; the host always ends in NotLoaded.
func (h *Host) Shutdown(ctx context.Context) {
	h.life.Lock()
	defer h.life.Unlock()

	if h.State() == NotLoaded {
		return
	}
	h.setState(ShuttingDown)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("core shutdown panicked", "panic", r)
			}
		}()

		h.calls.Lock()
		defer h.calls.Unlock()

		h.hmu.Lock()
		handle, eng := h.handle, h.eng
		h.handle = 0
		h.hmu.Unlock()
		if handle == 0 || eng == nil {
			return
		}
		start := time.Now()
		env := eng.Shutdown(handle)
		_, err := envelope.Decode(env)
		h.record("shutdown", start, err)
		if err != nil {
			h.logger.Warn("core shutdown reported failure", "error", err)
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("core shutdown still running", "error", ctx.Err())
	}
	h.setState(NotLoaded)
}

// Close shuts down and unloads the library.
func (h *Host) Close(ctx context.Context) error {
	h.Shutdown(ctx)

	h.life.Lock()
	defer h.life.Unlock()
	h.hmu.Lock()
	eng := h.eng
	h.eng = nil
	h.hmu.Unlock()
	if eng == nil {
		return nil
	}
	return eng.Close()
}
