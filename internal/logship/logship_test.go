package logship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipbridge/internal/envelope"
	"clipbridge/internal/store"
)

type fakeTarget struct {
	ready atomic.Bool

	mu     sync.Mutex
	got    []envelope.LogWrite
	reject func(envelope.LogWrite) error
}

func (f *fakeTarget) Ready() bool { return f.ready.Load() }

func (f *fakeTarget) LogsWrite(_ context.Context, w envelope.LogWrite) (int64, error) {
	if !f.ready.Load() {
		return 0, errors.New("not ready")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		if err := f.reject(w); err != nil {
			return 0, err
		}
	}
	f.got = append(f.got, w)
	return int64(len(f.got)), nil
}

func (f *fakeTarget) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.got))
	for i, w := range f.got {
		out[i] = w.Message
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "stash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(level int, msg string) envelope.LogWrite {
	return envelope.LogWrite{Level: level, Component: Component, Category: "test", Message: msg}
}

func TestShipsInOrderWhenReady(t *testing.T) {
	target := &fakeTarget{}
	target.ready.Store(true)
	s := New(Config{BatchSize: 2}, target, nil)

	for i := 0; i < 5; i++ {
		require.True(t, s.Enqueue(rec(envelope.LevelInfo, fmt.Sprint(i))))
	}
	s.Flush(context.Background())

	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, target.messages())
	st := s.Stats()
	assert.Equal(t, uint64(5), st.Shipped)
	assert.Zero(t, st.Queued)
}

func TestFullQueueDropsTraceAndDebug(t *testing.T) {
	target := &fakeTarget{}
	s := New(Config{QueueCapacity: 2}, target, nil)

	require.True(t, s.Enqueue(rec(envelope.LevelDebug, "d1")))
	require.True(t, s.Enqueue(rec(envelope.LevelInfo, "i1")))

	assert.False(t, s.Enqueue(rec(envelope.LevelTrace, "t")), "trace dropped when full")
	assert.True(t, s.Enqueue(rec(envelope.LevelError, "e1")), "error evicts queued debug")
	assert.False(t, s.Enqueue(rec(envelope.LevelWarn, "w1")), "nothing to evict and no stash")

	target.ready.Store(true)
	s.Flush(context.Background())
	assert.Equal(t, []string{"i1", "e1"}, target.messages())
	assert.Equal(t, uint64(3), s.Stats().Dropped)
}

func TestFullQueueSpoolsImportantRecords(t *testing.T) {
	target := &fakeTarget{}
	st := openStore(t)
	s := New(Config{QueueCapacity: 1}, target, st)

	require.True(t, s.Enqueue(rec(envelope.LevelInfo, "queued")))
	require.True(t, s.Enqueue(rec(envelope.LevelWarn, "spooled")))

	n, err := st.StashCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStashesWhileNotReadyAndReplaysInOrder(t *testing.T) {
	target := &fakeTarget{}
	st := openStore(t)
	s := New(Config{ReplayBatch: 2}, target, st)
	ctx := context.Background()

	s.Enqueue(rec(envelope.LevelInfo, "a"))
	s.Enqueue(rec(envelope.LevelInfo, "b"))
	s.Flush(ctx)
	s.Enqueue(rec(envelope.LevelInfo, "c"))
	s.Flush(ctx)

	n, err := st.StashCount()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Empty(t, target.messages())

	s.Enqueue(rec(envelope.LevelInfo, "d"))
	target.ready.Store(true)
	s.Flush(ctx)

	assert.Equal(t, []string{"a", "b", "c", "d"}, target.messages())
	n, err = st.StashCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, uint64(3), s.Stats().Replayed)
}

func TestRejectedRecordIsNotRetried(t *testing.T) {
	target := &fakeTarget{}
	target.ready.Store(true)
	target.reject = func(w envelope.LogWrite) error {
		if w.Message == "bad" {
			return errors.New("rc -2")
		}
		return nil
	}
	s := New(Config{}, target, nil)
	s.Enqueue(rec(envelope.LevelInfo, "bad"))
	s.Enqueue(rec(envelope.LevelInfo, "good"))
	s.Flush(context.Background())
	s.Flush(context.Background())

	assert.Equal(t, []string{"good"}, target.messages())
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestLoopFlushesAndCloseSpools(t *testing.T) {
	target := &fakeTarget{}
	target.ready.Store(true)
	st := openStore(t)
	s := New(Config{FlushInterval: 5 * time.Millisecond}, target, st)
	s.Start(context.Background())

	s.Enqueue(rec(envelope.LevelInfo, "live"))
	require.Eventually(t, func() bool { return len(target.messages()) == 1 }, time.Second, 5*time.Millisecond)

	target.ready.Store(false)
	s.Close(context.Background())
	s.Enqueue(rec(envelope.LevelInfo, "late"))
	s.Close(context.Background())

	n, err := st.StashCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandlerBuildsRecords(t *testing.T) {
	target := &fakeTarget{}
	s := New(Config{}, target, nil)
	logger := slog.New(NewHandler(s, slog.LevelDebug)).With("component", "pump")

	logger.Info("event dispatched", "kind", "ItemMeta", "api_token", "xyz", slog.Group("req", "n", 3))
	logger.Error("dispatch failed", "error", errors.New("boom"))
	logger.Log(context.Background(), slog.Level(-8), "below handler level")
	logger.Log(WithShipping(context.Background()), slog.LevelError, "from a shipping call")

	recs := s.takeAll()
	require.Len(t, recs, 2)

	assert.Equal(t, envelope.LevelInfo, recs[0].Level)
	assert.Equal(t, Component, recs[0].Component)
	assert.Equal(t, "pump", recs[0].Category)
	require.NotNil(t, recs[0].PropsJSON)
	assert.JSONEq(t, `{"kind":"ItemMeta","api_token":"[REDACTED]","req.n":3}`, *recs[0].PropsJSON)
	assert.NotZero(t, recs[0].TsUtcMs)

	assert.Equal(t, envelope.LevelError, recs[1].Level)
	require.NotNil(t, recs[1].Exception)
	assert.Equal(t, "boom", *recs[1].Exception)
	assert.Nil(t, recs[1].PropsJSON)
}

func TestEngineLevel(t *testing.T) {
	assert.Equal(t, envelope.LevelTrace, EngineLevel(slog.Level(-8)))
	assert.Equal(t, envelope.LevelDebug, EngineLevel(slog.LevelDebug))
	assert.Equal(t, envelope.LevelInfo, EngineLevel(slog.LevelInfo))
	assert.Equal(t, envelope.LevelWarn, EngineLevel(slog.LevelWarn))
	assert.Equal(t, envelope.LevelError, EngineLevel(slog.LevelError))
	assert.Equal(t, envelope.LevelCritical, EngineLevel(slog.Level(12)))
}

// loggingTarget is ready but rejects every write, logging the failure
// through a logger that feeds the same shipper, the way the host does.
type loggingTarget struct {
	calls  atomic.Int64
	logger *slog.Logger
}

func (l *loggingTarget) Ready() bool { return true }

func (l *loggingTarget) LogsWrite(ctx context.Context, _ envelope.LogWrite) (int64, error) {
	l.calls.Add(1)
	err := errors.New("rc -3")
	l.logger.DebugContext(ctx, "core call failed", "op", "logs_write", "error", err)
	return 0, err
}

func TestFailedWritesDoNotFeedBack(t *testing.T) {
	target := &loggingTarget{}
	s := New(Config{}, target, nil)
	target.logger = slog.New(NewHandler(s, slog.LevelDebug))

	target.logger.Info("hello")
	done := make(chan struct{})
	go func() {
		s.Flush(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not finish")
	}

	assert.Equal(t, int64(1), target.calls.Load())
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Failed)
	assert.Equal(t, 0, st.Queued)

	s.Flush(context.Background())
	assert.Equal(t, int64(1), target.calls.Load())
}

func TestFlushShipsOnlyWhatWasQueued(t *testing.T) {
	target := &fakeTarget{}
	target.ready.Store(true)
	s := New(Config{BatchSize: 2}, target, nil)

	target.reject = func(w envelope.LogWrite) error {
		// a record logged while shipping, outside the shipping context
		s.Enqueue(rec(envelope.LevelInfo, "after "+w.Message))
		return nil
	}
	for i := 0; i < 3; i++ {
		s.Enqueue(rec(envelope.LevelInfo, fmt.Sprint(i)))
	}
	s.Flush(context.Background())

	assert.Equal(t, []string{"0", "1", "2"}, target.messages())
	assert.Equal(t, 3, s.Stats().Queued)
}
