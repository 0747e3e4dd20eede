package sink

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agnivade/levenshtein"

	"clipbridge/internal/envelope"
)

// DefaultHistoryLimit caps the in-memory history view.
const DefaultHistoryLimit = 500

// Sinks groups the views exposed to the shell's consumers.
type Sinks struct {
	History   *Collection[envelope.ItemMeta]
	Peers     *Collection[envelope.PeerMeta]
	Transfers *Collection[envelope.TransferUpdate]
	Logs      *Notifier
}

// New creates empty sinks. historyLimit <= 0 uses DefaultHistoryLimit.
func New(historyLimit int) *Sinks {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Sinks{
		History:   NewCollection[envelope.ItemMeta](Prepend, historyLimit),
		Peers:     NewCollection[envelope.PeerMeta](Append, 0),
		Transfers: NewCollection[envelope.TransferUpdate](Append, 0),
		Logs:      &Notifier{},
	}
}

// Notifier is a parameterless event with any number of listeners.
type Notifier struct {
	count     atomic.Uint64
	mu        sync.RWMutex
	listeners map[int]func()
	next      int
}

// Notify increments the counter and calls every listener.
func (n *Notifier) Notify() {
	n.count.Add(1)
	n.mu.RLock()
	fns := make([]func(), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// Count returns how many notifications were raised.
func (n *Notifier) Count() uint64 { return n.count.Load() }

// Listen registers fn and returns a func that unregisters it.
func (n *Notifier) Listen(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[int]func())
	}
	id := n.next
	n.next++
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

// fuzzyThreshold is the largest normalised edit distance still counted as a
// match.
const fuzzyThreshold = 0.4

// SearchHistory filters items by preview text. Substring matches rank
// first; otherwise a word of the preview must be within fuzzyThreshold
// normalised Levenshtein distance of the query. Kind and device filters
// apply exactly. Order within each rank is preserved.
func SearchHistory(items []envelope.ItemMeta, f envelope.HistoryFilter, limit int) []envelope.ItemMeta {
	q := strings.ToUpper(strings.TrimSpace(f.FilterText))
	var exact, fuzzy []envelope.ItemMeta
	for _, it := range items {
		if f.Kind != "" && !strings.EqualFold(it.Kind, f.Kind) {
			continue
		}
		if f.DeviceID != "" && it.SourceDeviceID != f.DeviceID {
			continue
		}
		if q == "" {
			exact = append(exact, it)
			continue
		}
		text := strings.ToUpper(it.PreviewText())
		switch {
		case strings.Contains(text, q):
			exact = append(exact, it)
		case fuzzyMatch(text, q):
			fuzzy = append(fuzzy, it)
		}
	}
	out := append(exact, fuzzy...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func fuzzyMatch(text, q string) bool {
	for _, w := range strings.Fields(text) {
		dist := levenshtein.ComputeDistance(w, q)
		maxlen := len(w)
		if len(q) > maxlen {
			maxlen = len(q)
		}
		if maxlen > 0 && float64(dist)/float64(maxlen) < fuzzyThreshold {
			return true
		}
	}
	return false
}
