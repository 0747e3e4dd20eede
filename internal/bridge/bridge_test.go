package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipbridge/internal/clipboard"
	"clipbridge/internal/config"
	"clipbridge/internal/engine"
	"clipbridge/internal/engine/enginetest"
	"clipbridge/internal/envelope"
	"clipbridge/internal/host"
	"clipbridge/internal/metrics"
	"clipbridge/internal/notify"
	"clipbridge/internal/store"
)

type fixture struct {
	b      *Bridge
	fake   *enginetest.Engine
	acc    *clipboard.Memory
	notes  *notify.Memory
	dbPath string
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	lib := filepath.Join(dir, engine.DefaultLibraryName())
	require.NoError(t, os.WriteFile(lib, []byte("lib"), 0o644))

	cfg := config.DefaultConfig()
	cfg.Core.LibraryPath = lib
	cfg.Core.DeviceName = "test-device"
	cfg.Paths.DataDir = filepath.Join(dir, "data")
	cfg.Paths.CacheDir = filepath.Join(dir, "cache")
	cfg.Paths.LogDir = filepath.Join(dir, "logs")
	cfg.Storage.Path = filepath.Join(dir, "data", "clipbridge.db")
	cfg.Clipboard.PollIntervalMs = 10
	cfg.Clipboard.DebounceMs = 20
	cfg.Logship.FlushIntervalMs = 10
	return cfg
}

func newFixture(t *testing.T, mutate ...func(*config.Config, *Options)) *fixture {
	t.Helper()
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700))

	f := &fixture{
		fake:   enginetest.New(),
		acc:    clipboard.NewMemory(),
		notes:  &notify.Memory{},
		dbPath: cfg.Storage.Path,
	}
	opts := Options{
		Config:   cfg,
		Loader:   f.fake.Loader(),
		Accessor: f.acc,
		Registry: metrics.NewRegistry(false),
		Notifier: f.notes,
	}
	for _, m := range mutate {
		m(cfg, &opts)
	}

	b, err := New(opts)
	require.NoError(t, err)
	f.b = b
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.b.Start(context.Background()))
}

func item(id, text string, ts int64) envelope.ItemMeta {
	return envelope.ItemMeta{
		ItemID:      id,
		Kind:        envelope.KindText,
		CreatedTsMs: ts,
		Preview:     &envelope.ItemPreview{Text: text},
	}
}

func TestStartRefreshesSinksAndStore(t *testing.T) {
	f := newFixture(t)
	f.fake.Respond(enginetest.MethodListHistory, envelope.MustOK(envelope.HistoryPage{
		Items: []envelope.ItemMeta{item("b", "second", 2), item("a", "first", 1)},
	}))
	f.fake.Respond(enginetest.MethodListPeers, envelope.MustOK([]envelope.PeerMeta{{DeviceID: "p1", Name: "phone"}}))

	f.start(t)

	assert.Equal(t, host.Ready, f.b.Host.State())
	assert.True(t, f.b.Health.IsReady())
	assert.Equal(t, 2, f.b.Sinks.History.Len())
	assert.Equal(t, 1, f.b.Sinks.Peers.Len())

	cached, err := f.b.Store.History(0)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.Equal(t, "b", cached[0].ItemID)
	assert.ErrorIs(t, f.b.Start(context.Background()), ErrStarted)
}

func TestDegradedServesCache(t *testing.T) {
	seed := func(path string) {
		st, err := store.Open(path)
		require.NoError(t, err)
		require.NoError(t, st.SaveHistoryItem(item("x", "cached words", 30)))
		require.NoError(t, st.SaveHistoryItem(item("y", "other", 20)))
		require.NoError(t, st.SaveHistoryItem(item("z", "cached again", 10)))
		require.NoError(t, st.SavePeer(envelope.PeerMeta{DeviceID: "p1", Name: "laptop"}))
		require.NoError(t, st.Close())
	}
	f := newFixture(t, func(c *config.Config, o *Options) {
		require.NoError(t, os.MkdirAll(filepath.Dir(c.Storage.Path), 0o700))
		seed(c.Storage.Path)
		o.Loader = enginetest.FailingLoader(errors.New("no such library"))
	})
	f.start(t)

	assert.Equal(t, host.Degraded, f.b.Host.State())
	assert.False(t, f.b.Health.IsReady())
	assert.Equal(t, 3, f.b.Sinks.History.Len(), "sinks warmed from the store")

	res, err := f.b.History(context.Background(), envelope.HistoryQuery{Limit: 2})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	require.Len(t, res.Items, 2)
	require.NotNil(t, res.NextCursor)
	assert.Equal(t, int64(20), *res.NextCursor)

	res, err = f.b.History(context.Background(), envelope.HistoryQuery{Limit: 2, Cursor: res.NextCursor})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "z", res.Items[0].ItemID)
	assert.Nil(t, res.NextCursor)

	res, err = f.b.History(context.Background(), envelope.HistoryQuery{Filter: &envelope.HistoryFilter{FilterText: "cached"}})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)

	peers, cached, err := f.b.Peers(context.Background())
	require.NoError(t, err)
	assert.True(t, cached)
	require.Len(t, peers, 1)
	assert.Equal(t, "laptop", peers[0].Name)

	require.Eventually(t, func() bool { return len(f.notes.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, notify.Critical, f.notes.Messages()[0].Urgency)
}

func TestEventsReachSinksStoreAndSubscribers(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	var mu sync.Mutex
	var got []Event
	unsub := f.b.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	defer unsub()

	require.True(t, f.fake.Emit(`{"type":"ITEM_ADDED","meta":{"item_id":"i1","kind":"text","created_ts_ms":5}}`))
	require.True(t, f.fake.Emit(`{"type":"PEER_ONLINE","payload":{"device_id":"p9","name":"tablet"}}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, EventItem, got[0].Type)
	assert.Equal(t, "i1", got[0].Item.ItemID)
	assert.Equal(t, EventPeer, got[1].Type)
	require.NotNil(t, got[1].Peer)
	assert.True(t, got[1].Peer.IsOnline)
	mu.Unlock()

	cached, err := f.b.Store.History(0)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	peers, err := f.b.Store.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "tablet", peers[0].Name)
}

func TestFetchAppliesTextToClipboard(t *testing.T) {
	f := newFixture(t)
	f.fake.OnEnsure(func(req envelope.EnsureContentRequest) string { return "xfer-" + req.ItemID })
	f.start(t)

	type outcome struct {
		res clipboard.ApplyResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.b.Fetch(context.Background(), "i7")
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		return f.fake.CallCount(enginetest.MethodEnsureContentCached) == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.fake.Emit(`{"type":"CONTENT_CACHED","transfer_id":"xfer-i7","item_id":"i7","local_ref":{"text_utf8":"from phone"}}`)

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.True(t, o.res.Applied)
		assert.Equal(t, "xfer-i7", o.res.TransferID)
	case <-time.After(3 * time.Second):
		t.Fatal("fetch did not complete")
	}
	text, err := f.acc.ReadText(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from phone", text)

	tr := f.b.Transfers()
	require.Len(t, tr, 1)
	assert.Equal(t, envelope.TransferDone, tr[0].State)
}

func TestFetchNotReady(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, o *Options) {
		o.Loader = enginetest.FailingLoader(errors.New("missing"))
	})
	f.start(t)

	_, err := f.b.Fetch(context.Background(), "i1")
	assert.ErrorIs(t, err, host.ErrNotReady)
}

func TestCaptureIngestsAndSkipsSelfWrite(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.acc.WriteText(ctx, "copied locally"))
	require.Eventually(t, func() bool {
		return f.fake.CallCount(enginetest.MethodIngestLocalCopy) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.b.Clipboard.SetText(ctx, "written by us"))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, f.fake.CallCount(enginetest.MethodIngestLocalCopy), "self write is not ingested")

	f.b.SetCapture(false)
	require.NoError(t, f.acc.WriteText(ctx, "while paused"))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, f.fake.CallCount(enginetest.MethodIngestLocalCopy))
	assert.False(t, f.b.CaptureEnabled())
}

func TestLogsAreShippedWhenReady(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.b.Logger().Warn("disk nearly full", "free_mb", 12)

	require.Eventually(t, func() bool {
		for _, r := range f.fake.Logs() {
			if r.Message == "disk nearly full" {
				return r.Level == envelope.LevelWarn
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogsStashedWhileDegraded(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, o *Options) {
		o.Loader = enginetest.FailingLoader(errors.New("missing"))
	})
	f.start(t)

	f.b.Logger().Error("core missing")
	require.Eventually(t, func() bool {
		n, err := f.b.Store.StashCount()
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReinitialize(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.b.Reinitialize(context.Background()))
	assert.Equal(t, host.Ready, f.b.Host.State())
	assert.Equal(t, 2, f.fake.CallCount(enginetest.MethodInit))
}

func TestApplyConfig(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	old := f.b.Config()
	next := old.Clone()
	next.Clipboard.CaptureEnabled = false
	next.Logship.Enabled = false
	f.b.ApplyConfig(old, next)

	assert.False(t, f.b.CaptureEnabled())
	assert.Equal(t, disabledLevel, f.b.shipLevel.Level())
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	st := f.b.Status(context.Background())
	assert.Equal(t, "Ready", st.State)
	assert.True(t, st.Ready)
	assert.True(t, st.Capture)
	assert.JSONEq(t, `{"running":true}`, string(st.Core))
	require.NotNil(t, st.Store)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.b.Stop(context.Background()))
	assert.Equal(t, host.NotLoaded, f.b.Host.State())
	assert.False(t, f.fake.Live())
	require.NoError(t, f.b.Stop(context.Background()))
}

func TestRejectedLogWritesSettle(t *testing.T) {
	f := newFixture(t, func(c *config.Config, _ *Options) {
		c.Logship.Level = "debug"
	})
	f.start(t)
	f.fake.SetLogRC(-3)

	f.b.Logger().Info("one record")
	time.Sleep(300 * time.Millisecond)
	first := f.fake.CallCount(enginetest.MethodLogsWrite)
	time.Sleep(300 * time.Millisecond)
	second := f.fake.CallCount(enginetest.MethodLogsWrite)
	assert.Less(t, second-first, 50, "failed writes must not produce more writes")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, f.b.Stop(ctx))
	assert.Less(t, time.Since(start), 3*time.Second)
}
