package sink

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipbridge/internal/envelope"
)

type entry struct {
	id  string
	val int
}

func (e entry) Key() string { return e.id }

func keys[T Keyed](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key()
	}
	return out
}

func TestCollection_AppendUpsert(t *testing.T) {
	c := NewCollection[entry](Append, 0)
	c.Upsert(entry{"a", 1})
	c.Upsert(entry{"b", 1})
	ch := c.Upsert(entry{"c", 1})
	assert.Equal(t, Inserted, ch.Kind)
	assert.Equal(t, 2, ch.Index)

	ch = c.Upsert(entry{"b", 2})
	assert.Equal(t, Replaced, ch.Kind)
	assert.Equal(t, 1, ch.Index)

	assert.Equal(t, []string{"a", "b", "c"}, keys(c.Snapshot()))
	got, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, got.val)
}

func TestCollection_PrependKeepsPositionOnReplace(t *testing.T) {
	c := NewCollection[entry](Prepend, 0)
	c.Upsert(entry{"a", 1})
	c.Upsert(entry{"b", 1})
	c.Upsert(entry{"c", 1})
	assert.Equal(t, []string{"c", "b", "a"}, keys(c.Snapshot()))

	ch := c.Upsert(entry{"a", 9})
	assert.Equal(t, Replaced, ch.Kind)
	assert.Equal(t, 2, ch.Index)
	assert.Equal(t, []string{"c", "b", "a"}, keys(c.Snapshot()))
}

func TestCollection_Limit(t *testing.T) {
	h := NewCollection[entry](Prepend, 2)
	var removed []string
	h.Observe(func(ch Change[entry]) {
		if ch.Kind == Removed {
			removed = append(removed, ch.Item.id)
		}
	})
	h.Upsert(entry{"a", 1})
	h.Upsert(entry{"b", 1})
	h.Upsert(entry{"c", 1})
	assert.Equal(t, []string{"c", "b"}, keys(h.Snapshot()))
	assert.Equal(t, []string{"a"}, removed)

	a := NewCollection[entry](Append, 2)
	a.Upsert(entry{"a", 1})
	a.Upsert(entry{"b", 1})
	a.Upsert(entry{"c", 1})
	assert.Equal(t, []string{"b", "c"}, keys(a.Snapshot()))
}

func TestCollection_UpdateMerges(t *testing.T) {
	c := NewCollection[entry](Append, 0)
	c.Upsert(entry{"a", 5})
	c.Update("a", func(old entry, exists bool) entry {
		require.True(t, exists)
		old.val++
		return old
	})
	got, _ := c.Get("a")
	assert.Equal(t, 6, got.val)

	c.Update("z", func(old entry, exists bool) entry {
		assert.False(t, exists)
		return entry{"z", 1}
	})
	assert.Equal(t, 2, c.Len())
}

func TestCollection_RemoveAndObserve(t *testing.T) {
	c := NewCollection[entry](Append, 0)
	var changes []ChangeKind
	stop := c.Observe(func(ch Change[entry]) { changes = append(changes, ch.Kind) })

	c.Upsert(entry{"a", 1})
	c.Upsert(entry{"a", 2})
	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	stop()
	c.Upsert(entry{"b", 1})

	assert.Equal(t, []ChangeKind{Inserted, Replaced, Removed}, changes)
}

func TestCollection_ObserverChangesObserversDuringNotify(t *testing.T) {
	c := NewCollection[entry](Append, 0)
	var first, late int
	var stop func()
	stop = c.Observe(func(Change[entry]) {
		first++
		stop()
		c.Observe(func(Change[entry]) { late++ })
	})

	c.Upsert(entry{"a", 1})
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, late, "observer added mid-notify sees only later changes")

	c.Upsert(entry{"b", 1})
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, late)
}

func TestCollection_ConcurrentReaders(t *testing.T) {
	c := NewCollection[entry](Prepend, 100)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.Upsert(entry{string(rune('a' + i%26)), i})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = c.Snapshot()
				_, _ = c.Get("a")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 26, c.Len())
}

func TestNotifier(t *testing.T) {
	n := &Notifier{}
	calls := 0
	stop := n.Listen(func() { calls++ })
	n.Notify()
	n.Notify()
	stop()
	n.Notify()
	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(3), n.Count())
}

func item(id, text, kind, device string) envelope.ItemMeta {
	return envelope.ItemMeta{
		ItemID:         id,
		Kind:           kind,
		SourceDeviceID: device,
		Preview:        &envelope.ItemPreview{Text: text},
	}
}

func TestSearchHistory(t *testing.T) {
	items := []envelope.ItemMeta{
		item("1", "meeting notes for monday", "text", "d1"),
		item("2", "grocery list", "text", "d2"),
		item("3", "screenshot", "image", "d1"),
		item("4", "meetnig room booked", "text", "d1"),
	}

	got := SearchHistory(items, envelope.HistoryFilter{FilterText: "meeting"}, 0)
	assert.Equal(t, []string{"1", "4"}, keys(got), "substring first, then typo match")

	got = SearchHistory(items, envelope.HistoryFilter{Kind: "image"}, 0)
	assert.Equal(t, []string{"3"}, keys(got))

	got = SearchHistory(items, envelope.HistoryFilter{DeviceID: "d1"}, 2)
	assert.Equal(t, []string{"1", "3"}, keys(got))

	got = SearchHistory(items, envelope.HistoryFilter{FilterText: "zzzz"}, 0)
	assert.Empty(t, got)
}

func TestNew_Defaults(t *testing.T) {
	s := New(0)
	for i := 0; i < DefaultHistoryLimit+5; i++ {
		s.History.Upsert(envelope.ItemMeta{ItemID: string(rune(i + 1000))})
	}
	assert.Equal(t, DefaultHistoryLimit, s.History.Len())
}
