// Package sink holds the ordered, identity-keyed views the event pump keeps
// up to date: history items, peers and transfers, plus the log-written
// notification.
//
// All mutations are expected to come from the pump's dispatch goroutine.
// Readers may call Snapshot, Get and Len from any goroutine.
package sink

import (
	"slices"
	"sync"
)

// Keyed is implemented by every sink element.
type Keyed interface {
	Key() string
}

// Placement controls where new keys are inserted.
type Placement int

const (
	// Append adds new entries at the end (peers, transfers).
	Append Placement = iota
	// Prepend adds new entries at the front, newest first (history).
	Prepend
)

// ChangeKind describes an upsert.
type ChangeKind int

const (
	Inserted ChangeKind = iota
	Replaced
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change reports one mutation to observers.
type Change[T Keyed] struct {
	Kind  ChangeKind
	Index int
	Item  T
}

// Collection is an ordered upsert collection keyed by T.Key().
type Collection[T Keyed] struct {
	placement Placement
	limit     int

	mu    sync.RWMutex
	items []T

	obsMu     sync.RWMutex
	observers []func(Change[T])
}

// NewCollection creates a collection. A positive limit caps its length;
// entries beyond it are evicted from the end opposite to insertion.
func NewCollection[T Keyed](placement Placement, limit int) *Collection[T] {
	return &Collection[T]{placement: placement, limit: limit}
}

// Upsert replaces the entry with item's key in place, or inserts item.
func (c *Collection[T]) Upsert(item T) Change[T] {
	return c.Update(item.Key(), func(T, bool) T { return item })
}

// Update computes the new value for key from the existing one under the
// collection lock and upserts it. It lets callers merge partial updates.
func (c *Collection[T]) Update(key string, fn func(old T, exists bool) T) Change[T] {
	c.mu.Lock()
	idx := c.indexLocked(key)
	var old T
	if idx >= 0 {
		old = c.items[idx]
	}
	item := fn(old, idx >= 0)

	var ch Change[T]
	var evicted []T
	if idx >= 0 {
		c.items[idx] = item
		ch = Change[T]{Kind: Replaced, Index: idx, Item: item}
	} else {
		if c.placement == Prepend {
			c.items = append(c.items, item)
			copy(c.items[1:], c.items)
			c.items[0] = item
			ch = Change[T]{Kind: Inserted, Index: 0, Item: item}
		} else {
			c.items = append(c.items, item)
			ch = Change[T]{Kind: Inserted, Index: len(c.items) - 1, Item: item}
		}
		evicted = c.trimLocked()
	}
	c.mu.Unlock()

	c.notify(ch)
	for _, e := range evicted {
		c.notify(Change[T]{Kind: Removed, Index: -1, Item: e})
	}
	return ch
}

func (c *Collection[T]) trimLocked() []T {
	if c.limit <= 0 || len(c.items) <= c.limit {
		return nil
	}
	var evicted []T
	if c.placement == Prepend {
		evicted = append(evicted, c.items[c.limit:]...)
		c.items = c.items[:c.limit]
	} else {
		n := len(c.items) - c.limit
		evicted = append(evicted, c.items[:n]...)
		c.items = append(c.items[:0], c.items[n:]...)
	}
	return evicted
}

func (c *Collection[T]) indexLocked(key string) int {
	for i, it := range c.items {
		if it.Key() == key {
			return i
		}
	}
	return -1
}

// Remove deletes the entry with key and reports whether it existed.
func (c *Collection[T]) Remove(key string) bool {
	c.mu.Lock()
	idx := c.indexLocked(key)
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	item := c.items[idx]
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	c.mu.Unlock()

	c.notify(Change[T]{Kind: Removed, Index: idx, Item: item})
	return true
}

// Reset replaces the whole content, for example with a freshly listed page.
func (c *Collection[T]) Reset(items []T) {
	c.mu.Lock()
	c.items = append([]T(nil), items...)
	c.trimLocked()
	c.mu.Unlock()
}

// Get returns the entry with key.
func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if idx := c.indexLocked(key); idx >= 0 {
		return c.items[idx], true
	}
	var zero T
	return zero, false
}

// Snapshot returns a copy of the entries in order.
func (c *Collection[T]) Snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]T(nil), c.items...)
}

// Len returns the number of entries.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Observe registers fn to be called after every mutation, on the mutating
// goroutine. The returned func unregisters it.
func (c *Collection[T]) Observe(fn func(Change[T])) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
	idx := len(c.observers) - 1
	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		if idx < len(c.observers) {
			c.observers[idx] = nil
		}
	}
}

func (c *Collection[T]) notify(ch Change[T]) {
	c.obsMu.RLock()
	obs := slices.Clone(c.observers)
	c.obsMu.RUnlock()
	for _, fn := range obs {
		if fn != nil {
			fn(ch)
		}
	}
}
