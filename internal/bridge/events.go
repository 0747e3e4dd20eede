package bridge

import (
	"time"

	"clipbridge/internal/envelope"
	"clipbridge/internal/host"
	"clipbridge/internal/pump"
)

// Event types delivered to subscribers.
const (
	EventState    = "state"
	EventItem     = "item"
	EventPeer     = "peer"
	EventTransfer = "transfer"
	EventLog      = "log"
)

// Event is the subscriber view of a pump event or a state change. Payloads
// are the merged sink entries, not the raw patches.
type Event struct {
	Type     string                   `json:"type"`
	State    string                   `json:"state,omitempty"`
	Previous string                   `json:"previous,omitempty"`
	Item     *envelope.ItemMeta       `json:"item,omitempty"`
	Peer     *envelope.PeerMeta       `json:"peer,omitempty"`
	Transfer *envelope.TransferUpdate `json:"transfer,omitempty"`
	Reason   string                   `json:"reason,omitempty"`
	At       time.Time                `json:"at"`
}

// Subscribe calls fn for every dispatched pump event and every state
// change. fn runs on the pump goroutine or the transitioning goroutine and
// must not block. The returned func unsubscribes.
func (b *Bridge) Subscribe(fn func(Event)) func() {
	unPump := b.Pump.Observe(func(ev pump.Event, err error, _ time.Duration) {
		if err != nil {
			return
		}
		if out, ok := b.translate(ev); ok {
			fn(out)
		}
	})
	unState := b.Host.OnStateChange(func(old, s host.State) {
		fn(Event{Type: EventState, State: s.String(), Previous: old.String(), At: time.Now()})
	})
	return func() {
		unPump()
		unState()
	}
}

func (b *Bridge) translate(ev pump.Event) (Event, bool) {
	out := Event{At: time.Now()}
	switch ev.Kind {
	case pump.KindItemMeta:
		out.Type = EventItem
		out.Item = ev.Item
	case pump.KindPeer:
		out.Type = EventPeer
		if p, ok := b.Sinks.Peers.Get(ev.PeerID); ok {
			out.Peer = &p
		}
	case pump.KindContentCached, pump.KindTransferFailed, pump.KindTransferUpdate:
		out.Type = EventTransfer
		out.Reason = ev.Reason
		id := ev.TransferID
		if id == "" && ev.Transfer != nil {
			id = ev.Transfer.TransferID
		}
		if t, ok := b.Sinks.Transfers.Get(id); ok {
			out.Transfer = &t
		} else if ev.Transfer != nil {
			out.Transfer = ev.Transfer
		}
	case pump.KindLogWritten:
		out.Type = EventLog
	default:
		return Event{}, false
	}
	return out, true
}
