package clipboard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"clipbridge/internal/envelope"
	"clipbridge/internal/ingest"
)

// Watcher defaults.
const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultDebounce      = 200 * time.Millisecond
	DefaultIngestTimeout = 10 * time.Second
)

// Ingester is the engine side of capture.
type Ingester interface {
	Ready() bool
	IngestLocalCopy(ctx context.Context, snap envelope.ClipboardSnapshot) (*envelope.ItemMeta, error)
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	PollInterval  time.Duration
	Debounce      time.Duration
	IngestTimeout time.Duration
	ShareMode     string
	// CaptureEnabled is the initial capture state.
	CaptureEnabled bool
	// OnDecision is called for every settled change that reached the
	// policy, with the ingest error if the engine rejected it.
	OnDecision func(d ingest.Decision, err error)
	Logger     *slog.Logger
}

// Watcher polls the clipboard, waits for it to settle, and forwards new
// local copies to the engine through the ingestion policy.
type Watcher struct {
	svc    *Service
	policy *ingest.Policy
	core   Ingester
	cfg    WatcherConfig
	log    *slog.Logger

	enabled atomic.Bool

	mu        sync.Mutex
	seq       uint64
	haveSeq   bool
	seen      string
	pending   *envelope.ClipboardSnapshot
	pendingAt time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a stopped watcher.
func NewWatcher(svc *Service, policy *ingest.Policy, core Ingester, cfg WatcherConfig) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.IngestTimeout <= 0 {
		cfg.IngestTimeout = DefaultIngestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{svc: svc, policy: policy, core: core, cfg: cfg, log: logger.With("component", "clipboard")}
	w.enabled.Store(cfg.CaptureEnabled)
	return w
}

// SetCaptureEnabled turns capture on or off. Turning it off discards a
// change that has not settled yet.
func (w *Watcher) SetCaptureEnabled(on bool) {
	if w.enabled.Swap(on) == on {
		return
	}
	if !on {
		w.mu.Lock()
		w.pending = nil
		w.mu.Unlock()
	}
	w.log.Info("clipboard capture changed", "enabled", on)
}

// CaptureEnabled reports the capture state.
func (w *Watcher) CaptureEnabled() bool { return w.enabled.Load() }

// Start records the current clipboard as already seen and begins polling.
func (w *Watcher) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return
	}
	w.baseline(ctx)
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
}

// Stop ends polling and waits for an in-flight ingest.
func (w *Watcher) Stop() {
	w.runMu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *Watcher) baseline(ctx context.Context) {
	snap, ok, err := w.svc.Snapshot(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq, w.haveSeq = w.svc.sequence()
	if err == nil && ok {
		w.seen = snap.Fingerprint
	}
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(w.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			w.Poll(ctx, now)
		}
	}
}

// Poll observes the clipboard once and processes a change that has been
// stable for the debounce interval. It is driven by the poll loop and may
// be called directly.
func (w *Watcher) Poll(ctx context.Context, now time.Time) {
	w.observe(ctx, now)

	w.mu.Lock()
	snap := w.pending
	due := snap != nil && now.Sub(w.pendingAt) >= w.cfg.Debounce
	if due {
		w.pending = nil
	}
	w.mu.Unlock()

	if due {
		w.process(ctx, *snap)
	}
}

func (w *Watcher) observe(ctx context.Context, now time.Time) {
	if seq, ok := w.svc.sequence(); ok {
		w.mu.Lock()
		unchanged := w.haveSeq && seq == w.seq
		w.seq, w.haveSeq = seq, true
		w.mu.Unlock()
		if unchanged {
			return
		}
	}

	snap, ok, err := w.svc.Snapshot(ctx)
	if err != nil {
		w.log.Debug("clipboard read failed", "error", err)
		return
	}
	fp := ""
	if ok {
		fp = snap.Fingerprint
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if fp == w.seen {
		return
	}
	w.seen = fp
	if !ok || !w.enabled.Load() {
		w.pending = nil
		return
	}
	// A newer change restarts the debounce window.
	w.pending = &snap
	w.pendingAt = now
}

func (w *Watcher) process(ctx context.Context, snap envelope.ClipboardSnapshot) {
	if !w.enabled.Load() || !w.core.Ready() {
		return
	}
	snap.ShareMode = w.cfg.ShareMode

	d := w.policy.Decide(snap)
	if !d.Allow {
		w.log.Debug("clipboard change skipped", "reason", string(d.Reason), "fingerprint", snap.Fingerprint)
		w.report(d, nil)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.IngestTimeout)
	defer cancel()
	meta, err := w.core.IngestLocalCopy(ctx, snap)
	if err != nil {
		w.log.Warn("ingest local copy failed", "fingerprint", snap.Fingerprint, "size", len(snap.Data), "error", err)
		w.report(d, err)
		return
	}
	w.policy.OnIngestSuccess(snap)

	attrs := []any{"fingerprint", snap.Fingerprint, "size", len(snap.Data)}
	if meta != nil {
		attrs = append(attrs, "item_id", meta.ItemID)
	}
	w.log.Info("clipboard change ingested", attrs...)
	w.report(d, nil)
}

func (w *Watcher) report(d ingest.Decision, err error) {
	if w.cfg.OnDecision != nil {
		w.cfg.OnDecision(d, err)
	}
}
