package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipbridge/internal/envelope"
)

func openTest(t *testing.T, opts ...func(*Options)) *Store {
	t.Helper()
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	s, err := OpenWith(filepath.Join(t.TempDir(), "clipbridge.db"), o)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDirectoryAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "clipbridge.db")
	s, err := Open(path)
	require.NoError(t, err)

	v, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	require.NoError(t, s.Close())

	// Reopening an up-to-date database is not an error.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, err = s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestClosedStore(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.StashCount()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.SavePeer(envelope.NewPeerMeta("p")), ErrClosed)
}

func logWrite(msg string, ts int64) envelope.LogWrite {
	return envelope.LogWrite{Level: envelope.LevelInfo, Component: "shell", Category: "test", Message: msg, TsUtcMs: ts}
}

func TestLogStashRoundTrip(t *testing.T) {
	s := openTest(t)
	exc := "stack"
	rec := logWrite("one", 1)
	rec.Exception = &exc

	_, err := s.StashLogs([]envelope.LogWrite{rec, logWrite("two", 2), logWrite("three", 3)})
	require.NoError(t, err)

	got, err := s.StashedLogs(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Message)
	require.NotNil(t, got[0].Exception)
	assert.Equal(t, "stack", *got[0].Exception)
	assert.Nil(t, got[0].PropsJSON)
	assert.Equal(t, "two", got[1].Message)
	assert.Less(t, got[0].ID, got[1].ID)

	n, err := s.DeleteStashedThrough(got[1].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rest, err := s.StashedLogs(0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "three", rest[0].Message)
}

func TestLogStashCap(t *testing.T) {
	s := openTest(t, func(o *Options) { o.StashCap = 3 })

	var recs []envelope.LogWrite
	for i := 0; i < 5; i++ {
		recs = append(recs, logWrite(string(rune('a'+i)), int64(i)))
	}
	trimmed, err := s.StashLogs(recs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), trimmed)

	got, err := s.StashedLogs(0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Message)
	assert.Equal(t, "e", got[2].Message)
}

func TestPeerCache(t *testing.T) {
	s := openTest(t)

	b := envelope.NewPeerMeta("dev-b")
	b.Name = "beta"
	b.IsOnline = true
	b.ShareToPeer = false
	a := envelope.NewPeerMeta("dev-a")
	a.Name = "Alpha"

	require.NoError(t, s.SavePeer(b))
	require.NoError(t, s.SavePeer(a))
	b.Name = "Beta"
	require.NoError(t, s.SavePeer(b))

	peers, err := s.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "Alpha", peers[0].Name)
	assert.Equal(t, "Beta", peers[1].Name)
	assert.False(t, peers[1].IsOnline, "cached peers are offline")
	assert.False(t, peers[1].ShareToPeer)

	require.NoError(t, s.RemovePeer("dev-a"))
	peers, err = s.Peers()
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestHistoryCacheNewestFirstAndCapped(t *testing.T) {
	s := openTest(t, func(o *Options) { o.HistoryCap = 3 })
	s.now = func() time.Time { return time.UnixMilli(1_000) }

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.SaveHistoryItem(envelope.ItemMeta{
			ItemID:      string(rune('0' + i)),
			Kind:        envelope.KindText,
			CreatedTsMs: int64(i * 100),
			Preview:     &envelope.ItemPreview{Text: "p"},
		}))
	}

	items, err := s.History(0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"4", "3", "2"}, []string{items[0].ItemID, items[1].ItemID, items[2].ItemID})
	assert.Equal(t, "p", items[0].PreviewText())

	// Upsert keeps a single row.
	require.NoError(t, s.SaveHistoryItem(envelope.ItemMeta{ItemID: "4", Kind: envelope.KindImage, CreatedTsMs: 400}))
	items, err = s.History(1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, envelope.KindImage, items[0].Kind)

	require.NoError(t, s.RemoveHistoryItem("4"))
	st, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.CachedItems)
	assert.Equal(t, uint(2), st.SchemaVersion)
}
