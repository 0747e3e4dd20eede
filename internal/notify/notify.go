// Package notify shows desktop notifications for engine state changes.
package notify

import (
	"context"
	"sync"

	"clipbridge/internal/host"
)

// AppName is reported to the notification server.
const AppName = "ClipBridge"

// Urgency follows the freedesktop notification levels.
type Urgency byte

const (
	Low Urgency = iota
	Normal
	Critical
)

// Message is one notification.
type Message struct {
	Title   string
	Body    string
	Urgency Urgency
}

// Notifier delivers messages to the desktop.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
	Close() error
}

// Noop drops every message.
type Noop struct{}

func (Noop) Notify(context.Context, Message) error { return nil }
func (Noop) Close() error                          { return nil }

// Memory keeps delivered messages. It is used where no desktop exists.
type Memory struct {
	mu   sync.Mutex
	msgs []Message
}

func (m *Memory) Notify(_ context.Context, msg Message) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Messages returns what was delivered so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.msgs...)
}

// Tracker turns host transitions into messages. Only settled states count:
// the user hears when sync is lost and when it comes back, not about
// Loading or the first successful start.
type Tracker struct {
	mu      sync.Mutex
	settled host.State
}

// NewTracker starts from NotLoaded.
func NewTracker() *Tracker { return &Tracker{settled: host.NotLoaded} }

// Observe returns the message for reaching s, if any.
func (t *Tracker) Observe(s host.State, lastErr string) (Message, bool) {
	switch s {
	case host.Ready, host.Degraded, host.NotLoaded:
	default:
		return Message{}, false
	}

	t.mu.Lock()
	prev := t.settled
	t.settled = s
	t.mu.Unlock()
	if prev == s {
		return Message{}, false
	}

	switch s {
	case host.Degraded:
		body := "Clipboard sync is unavailable. Cached history is still shown."
		if lastErr != "" {
			body += "\n" + lastErr
		}
		return Message{Title: "ClipBridge degraded", Body: body, Urgency: Critical}, true
	case host.Ready:
		if prev != host.Degraded {
			return Message{}, false
		}
		return Message{Title: "ClipBridge connected", Body: "Clipboard sync resumed.", Urgency: Low}, true
	}
	return Message{}, false
}
