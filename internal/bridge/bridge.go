// Package bridge wires the engine host, event pump, fetch correlator and
// sinks into one object owned by the daemon.
//
// A Bridge has no package-level state: two bridges in one process are
// independent. Construction never touches the engine; Start loads it and
// keeps running in Degraded mode when it cannot, serving cached history and
// peers from the local store.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clipbridge/internal/clipboard"
	"clipbridge/internal/config"
	"clipbridge/internal/engine"
	"clipbridge/internal/envelope"
	"clipbridge/internal/fetch"
	"clipbridge/internal/health"
	"clipbridge/internal/host"
	"clipbridge/internal/ingest"
	"clipbridge/internal/logging"
	"clipbridge/internal/logship"
	"clipbridge/internal/metrics"
	"clipbridge/internal/notify"
	"clipbridge/internal/pump"
	"clipbridge/internal/sink"
	"clipbridge/internal/store"
)

// Correlator housekeeping.
const (
	SweepInterval = time.Minute
	SweepMaxAge   = 10 * time.Minute
)

// PumpBacklogLimit is the queue length above which the pump reports
// degraded health.
const PumpBacklogLimit = 10000

const notifyTimeout = 5 * time.Second

// ErrStarted is returned by Start on a running bridge.
var ErrStarted = errors.New("bridge already started")

// Options are the collaborators of a Bridge. Only Config is required.
type Options struct {
	Config *config.Config
	// Loader opens the engine library. Nil means engine.Open.
	Loader engine.Loader
	// Accessor is the system clipboard. Nil means the platform accessor.
	Accessor clipboard.Accessor
	// Store is the local cache. Nil opens Config.Storage.Path, and the
	// bridge closes it on Stop.
	Store *store.Store
	// Registry receives the collectors. Nil creates one with runtime
	// collectors.
	Registry *metrics.Registry
	// Notifier shows state changes. Nil disables notifications.
	Notifier notify.Notifier
	// Logger is the base logger. Records are also shipped to the engine.
	Logger *logging.Logger
}

// Bridge owns every runtime component of the daemon.
type Bridge struct {
	cfg  *config.Config
	base *logging.Logger
	log  *slog.Logger

	Host       *host.Host
	Pump       *pump.Pump
	Correlator *fetch.Correlator
	Sinks      *sink.Sinks
	Store      *store.Store
	Policy     *ingest.Policy
	Clipboard  *clipboard.Service
	Watcher    *clipboard.Watcher
	Applier    *clipboard.Applier
	Shipper    *logship.Shipper
	Metrics    *metrics.Metrics
	Health     *health.Checker

	shipLevel *slog.LevelVar
	notifier  notify.Notifier
	tracker   *notify.Tracker
	ownsStore bool
	started   time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

// New builds a stopped bridge.
func New(opts Options) (*Bridge, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	base := opts.Logger
	if base == nil {
		base = logging.Discard()
	}

	b := &Bridge{
		cfg:       cfg,
		base:      base,
		Store:     opts.Store,
		notifier:  opts.Notifier,
		tracker:   notify.NewTracker(),
		shipLevel: new(slog.LevelVar),
	}

	if b.Store == nil {
		st, err := store.OpenWith(cfg.Storage.Path, store.Options{
			BusyTimeout: time.Duration(cfg.Storage.BusyTimeoutMs) * time.Millisecond,
			HistoryCap:  cfg.Storage.HistoryCap,
			StashCap:    cfg.Storage.StashCap,
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		b.Store = st
		b.ownsStore = true
	}

	reg := opts.Registry
	if reg == nil {
		reg = metrics.NewRegistry(true)
	}
	b.Metrics = metrics.New(reg)

	// The shipper reports its own problems on the base logger only.
	b.Shipper = logship.New(logship.Config{
		QueueCapacity: cfg.Logship.QueueCapacity,
		BatchSize:     cfg.Logship.BatchSize,
		FlushInterval: time.Duration(cfg.Logship.FlushIntervalMs) * time.Millisecond,
		Logger:        base.Logger,
	}, shipTarget{b}, b.Store)
	b.setShipLevel(cfg.Logship)
	b.log = slog.New(logging.Fanout(base.Handler(), logship.NewHandler(b.Shipper, b.shipLevel)))

	b.Correlator = fetch.New()
	b.Sinks = sink.New(cfg.Storage.HistoryCap)
	b.Pump = pump.New(pump.Config{Sinks: b.Sinks, Correlator: b.Correlator, Logger: b.log})

	b.Host = host.New(host.Config{
		Locator:     cfg.Locator(),
		Loader:      opts.Loader,
		Core:        cfg.CoreConfig(),
		AppDataDir:  cfg.Paths.DataDir,
		CoreDataDir: cfg.CoreDataDir(),
		OnEvent:     b.Pump.Enqueue,
		Workers:     cfg.Core.Workers,
		CallTimeout: cfg.CallTimeout(),
		Recorder:    b.Metrics,
		Logger:      b.log,
	})

	acc := opts.Accessor
	if acc == nil {
		acc = clipboard.NewPlatformAccessor()
	}
	b.Clipboard = clipboard.NewService(acc)
	b.Policy = ingest.NewPolicy(b.Clipboard)
	b.Watcher = clipboard.NewWatcher(b.Clipboard, b.Policy, b.Host, clipboard.WatcherConfig{
		PollInterval:   time.Duration(cfg.Clipboard.PollIntervalMs) * time.Millisecond,
		Debounce:       time.Duration(cfg.Clipboard.DebounceMs) * time.Millisecond,
		ShareMode:      cfg.Clipboard.ShareMode,
		CaptureEnabled: cfg.Clipboard.CaptureEnabled,
		OnDecision:     b.Metrics.ObserveDecision,
		Logger:         b.log,
	})
	b.Applier = clipboard.NewApplier(b.Host, b.Correlator, b.Clipboard,
		time.Duration(cfg.Clipboard.ApplyTimeoutSec)*time.Second, b.log)

	b.Metrics.BindPump(b.Pump)
	b.Metrics.BindCorrelator(b.Correlator)
	b.Metrics.BindLogship(b.Shipper)

	b.Health = health.NewChecker()
	b.Health.RegisterFunc("engine", false, health.EngineCheck(b.Host.State, b.Host.LastError))
	b.Health.RegisterFunc("store", true, health.PingCheck("database", b.Store.Ping))
	b.Health.RegisterFunc("pump", false, health.BacklogCheck("pump", b.Pump.Backlog, PumpBacklogLimit))
	b.Health.RegisterFunc("logship", false, health.BacklogCheck("logship",
		func() int { return b.Shipper.Stats().Queued }, cfg.Logship.QueueCapacity))

	b.unsubs = append(b.unsubs,
		b.Pump.Observe(b.Metrics.PumpObserver()),
		b.Host.OnStateChange(b.onState),
		b.Sinks.History.Observe(b.persistItem),
		b.Sinks.Peers.Observe(b.persistPeer),
	)
	return b, nil
}

// Logger returns the logger whose records are also shipped to the engine.
func (b *Bridge) Logger() *slog.Logger { return b.log }

// Config returns the configuration the bridge was built with.
func (b *Bridge) Config() *config.Config { return b.cfg }

// Start warms the sinks from the store, starts the pump, shipper and
// sweeper, initializes the engine and starts clipboard capture. An engine
// that cannot be loaded leaves the bridge running in Degraded mode.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return ErrStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.started = time.Now()
	b.mu.Unlock()

	b.warm()

	if err := b.Pump.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start pump: %w", err)
	}
	b.Shipper.Start(runCtx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Correlator.Run(runCtx, SweepInterval, SweepMaxAge, b.Metrics.ObserveSweep)
	}()

	b.initialize(ctx)
	b.Watcher.Start(runCtx)
	b.log.Info("bridge started", "state", b.Host.State().String())
	return nil
}

func (b *Bridge) initialize(ctx context.Context) {
	if err := b.Host.Initialize(ctx); err != nil {
		b.log.Warn("core unavailable, serving cached data", "error", err)
		return
	}
	if err := b.Refresh(ctx); err != nil {
		b.log.Warn("initial refresh failed", "error", err)
	}
}

// Stop ships what it can while the engine is still up, then stops capture,
// shuts the engine down and spools the remaining logs locally.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}

	b.Shipper.Flush(ctx)
	b.Watcher.Stop()
	if err := b.Clipboard.Close(); err != nil {
		b.log.Debug("close clipboard", "error", err)
	}

	var errs []error
	if err := b.Host.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close host: %w", err))
	}
	b.Pump.Stop()
	b.Shipper.Close(ctx)
	cancel()
	b.wg.Wait()

	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil

	if b.ownsStore {
		if err := b.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Reinitialize shuts the engine down and initializes it again.
func (b *Bridge) Reinitialize(ctx context.Context) error {
	b.Host.Shutdown(ctx)
	b.initialize(ctx)
	if s := b.Host.State(); s != host.Ready {
		return fmt.Errorf("%w: %s", host.ErrDegraded, b.Host.LastError())
	}
	return nil
}

// Refresh replaces the history and peer sinks with the engine's lists and
// writes them through to the store.
func (b *Bridge) Refresh(ctx context.Context) error {
	page, err := b.Host.ListHistory(ctx, envelope.HistoryQuery{Limit: b.historyCap()})
	if err != nil {
		return fmt.Errorf("refresh history: %w", err)
	}
	peers, err := b.Host.ListPeers(ctx)
	if err != nil {
		return fmt.Errorf("refresh peers: %w", err)
	}

	b.Sinks.History.Reset(page.Items)
	b.Sinks.Peers.Reset(peers)
	for _, it := range page.Items {
		if err := b.Store.SaveHistoryItem(it); err != nil {
			b.log.Warn("cache history item", "item_id", it.ItemID, "error", err)
		}
	}
	for _, p := range peers {
		if err := b.Store.SavePeer(p); err != nil {
			b.log.Warn("cache peer", "device_id", p.DeviceID, "error", err)
		}
	}
	return nil
}

// warm fills the sinks from the store so that consumers see the last known
// state before the engine answers.
func (b *Bridge) warm() {
	if items, err := b.Store.History(b.historyCap()); err != nil {
		b.log.Warn("load cached history", "error", err)
	} else {
		b.Sinks.History.Reset(items)
	}
	if peers, err := b.Store.Peers(); err != nil {
		b.log.Warn("load cached peers", "error", err)
	} else {
		b.Sinks.Peers.Reset(peers)
	}
}

func (b *Bridge) historyCap() int {
	if n := b.cfg.Storage.HistoryCap; n > 0 {
		return n
	}
	return sink.DefaultHistoryLimit
}

func (b *Bridge) onState(_, s host.State) {
	b.Health.SetReady(s == host.Ready)
	switch s {
	case host.Loading:
		b.Policy.Reset()
	case host.Ready:
		b.Shipper.Kick()
	}

	if b.notifier == nil {
		return
	}
	if msg, ok := b.tracker.Observe(s, b.Host.LastError()); ok {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := b.notifier.Notify(ctx, msg); err != nil {
				b.base.Debug("notification failed", "error", err)
			}
		}()
	}
}

func (b *Bridge) persistItem(ch sink.Change[envelope.ItemMeta]) {
	var err error
	if ch.Kind == sink.Removed {
		err = b.Store.RemoveHistoryItem(ch.Item.ItemID)
	} else {
		err = b.Store.SaveHistoryItem(ch.Item)
	}
	if err != nil {
		b.log.Warn("cache history item", "item_id", ch.Item.ItemID, "error", err)
	}
}

func (b *Bridge) persistPeer(ch sink.Change[envelope.PeerMeta]) {
	var err error
	if ch.Kind == sink.Removed {
		err = b.Store.RemovePeer(ch.Item.DeviceID)
	} else {
		err = b.Store.SavePeer(ch.Item)
	}
	if err != nil {
		b.log.Warn("cache peer", "device_id", ch.Item.DeviceID, "error", err)
	}
}

// SetCapture turns clipboard capture on or off.
func (b *Bridge) SetCapture(on bool) {
	b.Watcher.SetCaptureEnabled(on)
	b.log.Info("clipboard capture changed", "enabled", on)
}

// CaptureEnabled reports whether capture is on.
func (b *Bridge) CaptureEnabled() bool { return b.Watcher.CaptureEnabled() }

// Fetch makes an item's content local and writes it to the clipboard.
func (b *Bridge) Fetch(ctx context.Context, itemID string) (clipboard.ApplyResult, error) {
	start := time.Now()
	res, err := b.fetch(ctx, itemID)
	b.Metrics.ObserveApply(time.Since(start), err)
	return res, err
}

func (b *Bridge) fetch(ctx context.Context, itemID string) (clipboard.ApplyResult, error) {
	meta, err := b.Host.GetItemMeta(ctx, itemID)
	if err != nil {
		return clipboard.ApplyResult{}, fmt.Errorf("item %s: %w", itemID, err)
	}
	return b.Applier.Apply(ctx, meta)
}

// CancelTransfer asks the engine to abandon a transfer.
func (b *Bridge) CancelTransfer(ctx context.Context, transferID string) error {
	return b.Host.CancelTransfer(ctx, transferID)
}

// Transfers returns the known transfers in arrival order.
func (b *Bridge) Transfers() []envelope.TransferUpdate {
	return b.Sinks.Transfers.Snapshot()
}

// Logs returns engine log rows after q.AfterID.
func (b *Bridge) Logs(ctx context.Context, q envelope.LogQuery) ([]envelope.LogRow, error) {
	return b.Host.LogsQueryAfterID(ctx, q)
}

// Diagnostics returns the host's diagnostics snapshot.
func (b *Bridge) Diagnostics() host.Diagnostics { return b.Host.Diagnostics() }

// ApplyConfig applies the settings that can change without restarting the
// engine: capture, log levels and log shipping.
func (b *Bridge) ApplyConfig(old, next *config.Config) {
	if old.Clipboard.CaptureEnabled != next.Clipboard.CaptureEnabled {
		b.SetCapture(next.Clipboard.CaptureEnabled)
	}
	if old.Logging.Level != next.Logging.Level {
		if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
			b.base.SetLevel(lvl)
			b.log.Info("log level changed", "level", logging.LevelString(lvl))
		}
	}
	if old.Logship != next.Logship {
		b.setShipLevel(next.Logship)
		b.log.Info("log shipping changed", "enabled", next.Logship.Enabled, "level", next.Logship.Level)
	}
	if old.Core != next.Core || old.Paths != next.Paths || old.Storage != next.Storage {
		b.log.Warn("core, path and storage settings apply after restart")
	}
}

// disabledLevel is above every level a record can carry.
const disabledLevel = slog.Level(1 << 10)

func (b *Bridge) setShipLevel(c config.LogshipConfig) {
	if !c.Enabled {
		b.shipLevel.Set(disabledLevel)
		return
	}
	lvl, err := logging.ParseLevel(c.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	b.shipLevel.Set(lvl)
}

// shipTarget defers to the host, which is created after the shipper.
type shipTarget struct{ b *Bridge }

func (t shipTarget) Ready() bool { return t.b.Host != nil && t.b.Host.Ready() }

func (t shipTarget) LogsWrite(ctx context.Context, w envelope.LogWrite) (int64, error) {
	return t.b.Host.LogsWrite(ctx, w)
}
