package clipboard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipbridge/internal/envelope"
	"clipbridge/internal/fetch"
	"clipbridge/internal/ingest"
)

func TestFingerprint(t *testing.T) {
	assert.Empty(t, Fingerprint(""))
	a := Fingerprint("hello")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint("hello"))
	assert.NotEqual(t, a, Fingerprint("hello!"))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short text", Preview("short text"))
	assert.Equal(t, "line one line two", Preview("line one\nline two"))

	long := strings.Repeat("é", PreviewRunes+10)
	p := Preview(long)
	assert.True(t, strings.HasSuffix(p, "..."))
	assert.Equal(t, strings.Repeat("é", PreviewRunes)+"...", p)

	exact := strings.Repeat("x", PreviewRunes)
	assert.Equal(t, exact, Preview(exact))
}

func TestServiceSnapshot(t *testing.T) {
	mem := NewMemory()
	svc := NewService(mem)
	svc.now = func() time.Time { return time.UnixMilli(1700000000000) }
	ctx := context.Background()

	_, ok, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mem.WriteText(ctx, "hello"))
	snap, ok, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MimeText, snap.MimeType)
	assert.Equal(t, "hello", snap.Data)
	assert.Equal(t, Fingerprint("hello"), snap.Fingerprint)
	assert.Equal(t, int64(1700000000000), snap.TimestampMs)
	require.NotNil(t, snap.PreviewText)
	assert.Equal(t, "hello", *snap.PreviewText)

	mem.SetNonText(TypeImage)
	_, ok, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, TypeImage, svc.ContentType(ctx))

	mem.SetError(errors.New("busy"))
	_, _, err = svc.Snapshot(ctx)
	assert.ErrorContains(t, err, "busy")
}

func TestServiceSetTextRecordsSelfWrite(t *testing.T) {
	mem := NewMemory()
	svc := NewService(mem)
	ctx := context.Background()

	require.NoError(t, svc.SetText(ctx, "mine"))
	assert.Equal(t, Fingerprint("mine"), svc.LastWriteFingerprint())

	mem.SetError(errors.New("locked"))
	err := svc.SetText(ctx, "other")
	require.Error(t, err)
	assert.Equal(t, Fingerprint("mine"), svc.LastWriteFingerprint(), "failed write reverts the fingerprint")
}

type fakeIngester struct {
	mu    sync.Mutex
	ready bool
	err   error
	snaps []envelope.ClipboardSnapshot
}

func (f *fakeIngester) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeIngester) IngestLocalCopy(_ context.Context, snap envelope.ClipboardSnapshot) (*envelope.ItemMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.snaps = append(f.snaps, snap)
	return &envelope.ItemMeta{ItemID: "item-" + snap.Fingerprint[:8], Kind: envelope.KindText}, nil
}

func (f *fakeIngester) ingested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.snaps))
	for i, s := range f.snaps {
		out[i] = s.Data
	}
	return out
}

type watchFixture struct {
	mem       *Memory
	svc       *Service
	core      *fakeIngester
	w         *Watcher
	decisions []ingest.Decision
	now       time.Time
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	f := &watchFixture{mem: NewMemory(), core: &fakeIngester{ready: true}, now: time.Unix(1000, 0)}
	f.svc = NewService(f.mem)
	f.w = NewWatcher(f.svc, ingest.NewPolicy(f.svc), f.core, WatcherConfig{
		CaptureEnabled: true,
		ShareMode:      envelope.ShareDefault,
		OnDecision:     func(d ingest.Decision, _ error) { f.decisions = append(f.decisions, d) },
	})
	f.w.baseline(context.Background())
	return f
}

// tick advances the fake clock and polls once.
func (f *watchFixture) tick(d time.Duration) {
	f.now = f.now.Add(d)
	f.w.Poll(context.Background(), f.now)
}

func (f *watchFixture) copy(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, f.mem.WriteText(context.Background(), text))
}

func TestWatcherIngestsAfterDebounce(t *testing.T) {
	f := newWatchFixture(t)

	f.copy(t, "hello")
	f.tick(0)
	assert.Empty(t, f.core.ingested(), "not settled yet")
	f.tick(100 * time.Millisecond)
	assert.Empty(t, f.core.ingested())
	f.tick(100 * time.Millisecond)
	assert.Equal(t, []string{"hello"}, f.core.ingested())
	assert.Equal(t, envelope.ShareDefault, f.core.snaps[0].ShareMode)

	last, ok := f.w.policy.LastIngested()
	assert.True(t, ok)
	assert.Equal(t, Fingerprint("hello"), last)
}

func TestWatcherDebounceKeepsLatest(t *testing.T) {
	f := newWatchFixture(t)

	f.copy(t, "a")
	f.tick(0)
	f.tick(150 * time.Millisecond)
	f.copy(t, "ab")
	f.tick(10 * time.Millisecond)
	f.tick(150 * time.Millisecond)
	assert.Empty(t, f.core.ingested(), "second change restarted the window")
	f.tick(100 * time.Millisecond)
	assert.Equal(t, []string{"ab"}, f.core.ingested())
}

func TestWatcherIgnoresBaselineAndSelfWrites(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.WriteText(context.Background(), "before start"))
	svc := NewService(mem)
	core := &fakeIngester{ready: true}
	var decisions []ingest.Decision
	w := NewWatcher(svc, ingest.NewPolicy(svc), core, WatcherConfig{
		CaptureEnabled: true,
		OnDecision:     func(d ingest.Decision, _ error) { decisions = append(decisions, d) },
	})
	w.baseline(context.Background())

	now := time.Unix(0, 0)
	w.Poll(context.Background(), now)
	w.Poll(context.Background(), now.Add(time.Second))
	assert.Empty(t, core.ingested())

	require.NoError(t, svc.SetText(context.Background(), "applied"))
	w.Poll(context.Background(), now.Add(2*time.Second))
	w.Poll(context.Background(), now.Add(3*time.Second))
	assert.Empty(t, core.ingested())
	require.Len(t, decisions, 1)
	assert.Equal(t, ingest.ReasonSelfWriteback, decisions[0].Reason)
}

func TestWatcherDuplicateAfterSuccess(t *testing.T) {
	f := newWatchFixture(t)

	f.copy(t, "same")
	f.tick(0)
	f.tick(time.Second)
	f.mem.SetNonText(TypeImage)
	f.tick(time.Second)
	f.copy(t, "same")
	f.tick(time.Second)
	f.tick(time.Second)

	assert.Equal(t, []string{"same"}, f.core.ingested())
	require.Len(t, f.decisions, 2)
	assert.Equal(t, ingest.ReasonPass, f.decisions[0].Reason)
	assert.Equal(t, ingest.ReasonDuplicate, f.decisions[1].Reason)
}

func TestWatcherGates(t *testing.T) {
	f := newWatchFixture(t)

	f.core.ready = false
	f.copy(t, "while down")
	f.tick(0)
	f.tick(time.Second)
	assert.Empty(t, f.core.ingested())
	assert.Empty(t, f.decisions)

	f.core.ready = true
	f.w.SetCaptureEnabled(false)
	assert.False(t, f.w.CaptureEnabled())
	f.copy(t, "while paused")
	f.tick(0)
	f.tick(time.Second)
	assert.Empty(t, f.core.ingested())

	f.w.SetCaptureEnabled(true)
	f.copy(t, "resumed")
	f.tick(0)
	f.tick(time.Second)
	assert.Equal(t, []string{"resumed"}, f.core.ingested())
}

func TestWatcherIngestFailureKeepsPolicy(t *testing.T) {
	f := newWatchFixture(t)
	f.core.err = errors.New("engine busy")

	f.copy(t, "x")
	f.tick(0)
	f.tick(time.Second)
	_, ok := f.w.policy.LastIngested()
	assert.False(t, ok)
}

func TestWatcherStartStop(t *testing.T) {
	mem := NewMemory()
	svc := NewService(mem)
	core := &fakeIngester{ready: true}
	w := NewWatcher(svc, ingest.NewPolicy(svc), core, WatcherConfig{
		CaptureEnabled: true,
		PollInterval:   5 * time.Millisecond,
		Debounce:       10 * time.Millisecond,
	})
	w.Start(context.Background())
	defer w.Stop()

	require.NoError(t, mem.WriteText(context.Background(), "live"))
	assert.Eventually(t, func() bool { return len(core.ingested()) == 1 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	w.Stop()
}

type fakeFetcher struct {
	id  string
	err error
	req envelope.EnsureContentRequest
}

func (f *fakeFetcher) EnsureContentCached(_ context.Context, req envelope.EnsureContentRequest) (string, error) {
	f.req = req
	return f.id, f.err
}

func TestApplierText(t *testing.T) {
	mem := NewMemory()
	svc := NewService(mem)
	corr := fetch.New()
	corr.Resolve("t1", envelope.LocalContentRef{TextUTF8: "remote text"})

	core := &fakeFetcher{id: "t1"}
	a := NewApplier(core, corr, svc, time.Second, nil)
	res, err := a.Apply(context.Background(), envelope.ItemMeta{ItemID: "i1", Kind: envelope.KindText})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "t1", res.TransferID)
	assert.Equal(t, "i1", core.req.ItemID)

	got, _ := mem.ReadText(context.Background())
	assert.Equal(t, "remote text", got)
	assert.Equal(t, Fingerprint("remote text"), svc.LastWriteFingerprint())
}

func TestApplierReadsLocalPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.txt")
	require.NoError(t, os.WriteFile(path, []byte("from disk"), 0o600))

	mem := NewMemory()
	corr := fetch.New()
	corr.Resolve("t2", envelope.LocalContentRef{LocalPath: path})

	a := NewApplier(&fakeFetcher{id: "t2"}, corr, NewService(mem), time.Second, nil)
	res, err := a.Apply(context.Background(), envelope.ItemMeta{ItemID: "i2", Kind: envelope.KindText})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	got, _ := mem.ReadText(context.Background())
	assert.Equal(t, "from disk", got)
}

func TestApplierErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no content", func(t *testing.T) {
		corr := fetch.New()
		corr.Resolve("t3", envelope.LocalContentRef{})
		a := NewApplier(&fakeFetcher{id: "t3"}, corr, NewService(NewMemory()), time.Second, nil)
		_, err := a.Apply(ctx, envelope.ItemMeta{ItemID: "i3", Kind: envelope.KindText})
		assert.ErrorIs(t, err, ErrNoContent)
	})

	t.Run("transfer failed", func(t *testing.T) {
		corr := fetch.New()
		corr.Fail("t4", &fetch.TransferError{TransferID: "t4", Reason: "peer offline"})
		a := NewApplier(&fakeFetcher{id: "t4"}, corr, NewService(NewMemory()), time.Second, nil)
		res, err := a.Apply(ctx, envelope.ItemMeta{ItemID: "i4", Kind: envelope.KindText})
		var te *fetch.TransferError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "peer offline", te.Reason)
		assert.Equal(t, "t4", res.TransferID)
		assert.False(t, res.Applied)
	})

	t.Run("ensure failed", func(t *testing.T) {
		a := NewApplier(&fakeFetcher{err: errors.New("not ready")}, fetch.New(), NewService(NewMemory()), time.Second, nil)
		_, err := a.Apply(ctx, envelope.ItemMeta{ItemID: "i5"})
		assert.ErrorContains(t, err, "not ready")
	})

	t.Run("timeout", func(t *testing.T) {
		a := NewApplier(&fakeFetcher{id: "never"}, fetch.New(), NewService(NewMemory()), 20*time.Millisecond, nil)
		_, err := a.Apply(ctx, envelope.ItemMeta{ItemID: "i6", Kind: envelope.KindText})
		assert.ErrorIs(t, err, fetch.ErrCancelled)
	})
}

func TestApplierSkipsNonText(t *testing.T) {
	mem := NewMemory()
	corr := fetch.New()
	corr.Resolve("t7", envelope.LocalContentRef{LocalPath: "/tmp/pic.png", Mime: "image/png"})
	a := NewApplier(&fakeFetcher{id: "t7"}, corr, NewService(mem), time.Second, nil)

	res, err := a.Apply(context.Background(), envelope.ItemMeta{ItemID: "i7", Kind: envelope.KindImage})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, "/tmp/pic.png", res.Ref.LocalPath)
	assert.Equal(t, TypeUnknown, mem.ContentType(context.Background()))
}

type closingAccessor struct {
	*Memory
	closed int
}

func (c *closingAccessor) Close() error {
	c.closed++
	return nil
}

func TestServiceCloseClosesAccessor(t *testing.T) {
	acc := &closingAccessor{Memory: NewMemory()}
	require.NoError(t, NewService(acc).Close())
	assert.Equal(t, 1, acc.closed)

	require.NoError(t, NewService(NewMemory()).Close())
}
