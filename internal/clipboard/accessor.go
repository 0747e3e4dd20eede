// Package clipboard is the daemon's side of the system clipboard: snapshots
// with fingerprints for the ingestion policy, a debounced watcher that
// forwards local copies to the engine, and an applier that writes fetched
// items back.
package clipboard

import (
	"context"
	"errors"
	"sync"
)

// Content types reported by accessors.
const (
	TypeText    = "text"
	TypeImage   = "image"
	TypeFiles   = "files"
	TypeUnknown = "unknown"
)

// ErrUnavailable is returned when no clipboard backend can be reached.
var ErrUnavailable = errors.New("clipboard: no backend available")

// Accessor is the platform-specific clipboard access.
type Accessor interface {
	// ReadText returns the clipboard text, or "" when it holds no text.
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
	ContentType(ctx context.Context) string
}

// Sequencer is implemented by accessors that can report a change counter
// without reading the content.
type Sequencer interface {
	Sequence() uint64
}

// Memory is an in-process Accessor.
type Memory struct {
	mu   sync.Mutex
	text string
	typ  string
	seq  uint64
	err  error
}

// NewMemory returns an empty in-memory clipboard.
func NewMemory() *Memory { return &Memory{typ: TypeUnknown} }

func (m *Memory) ReadText(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.typ != TypeText {
		return "", nil
	}
	return m.text, nil
}

func (m *Memory) WriteText(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.text, m.typ = text, TypeText
	m.seq++
	return nil
}

func (m *Memory) ContentType(context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typ
}

func (m *Memory) Sequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// SetNonText simulates a copy of something other than text.
func (m *Memory) SetNonText(typ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text, m.typ = "", typ
	m.seq++
}

// SetError makes every call fail with err until cleared with nil.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
