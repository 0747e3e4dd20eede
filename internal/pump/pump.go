// Package pump turns the engine's pushed JSON events into ordered, typed
// updates.
//
// The engine callback enqueues raw strings without parsing them. One
// consumer goroutine drains the queue in arrival order, classifies each
// event and dispatches it to the sinks or the fetch correlator. A failure
// while handling one event is logged and the loop moves on.
package pump

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"clipbridge/internal/envelope"
	"clipbridge/internal/fetch"
	"clipbridge/internal/sink"
)

// Config wires a Pump to its collaborators.
type Config struct {
	Sinks      *sink.Sinks
	Correlator *fetch.Correlator
	Logger     *slog.Logger
}

// Pump is the single-consumer event queue.
type Pump struct {
	sinks  *sink.Sinks
	corr   *fetch.Correlator
	logger *slog.Logger

	mu      sync.Mutex
	queue   []string
	closed  bool
	running bool
	signal  chan struct{}
	stop    chan struct{}
	done    chan struct{}

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	statsMu sync.Mutex
	stats   Stats
}

// Observer is called on the consumer goroutine after an event has been
// dispatched (err == nil) or skipped (err != nil).
type Observer func(ev Event, err error, took time.Duration)

// Stats counts processed events.
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Ignored   uint64 `json:"ignored"`
	Dropped   uint64 `json:"dropped"`
}

// New creates a stopped pump.
func New(cfg Config) *Pump {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		sinks:     cfg.Sinks,
		corr:      cfg.Correlator,
		logger:    logger.With("component", "pump"),
		signal:    make(chan struct{}, 1),
		observers: make(map[int]Observer),
	}
}

// Enqueue appends one raw event. It never blocks and never parses; it is
// safe to call from the engine's callback thread. Events enqueued after
// Stop are dropped.
func (p *Pump) Enqueue(raw string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.count(func(s *Stats) { s.Dropped++ })
		return
	}
	p.queue = append(p.queue, raw)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Backlog returns the number of queued, unprocessed events.
func (p *Pump) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Start launches the consumer goroutine. It stops when ctx ends or Stop is
// called.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pump already running")
	}
	p.running = true
	p.closed = false
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.mu.Unlock()

	go p.loop(ctx, stop, done)
	return nil
}

// Stop ends the consumer loop. The event being processed completes; queued
// events are dropped.
func (p *Pump) Stop() {
	p.mu.Lock()
	if !p.running {
		p.closed = true
		p.mu.Unlock()
		return
	}
	p.running = false
	p.closed = true
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done

	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.mu.Unlock()
	if dropped > 0 {
		p.count(func(s *Stats) { s.Dropped += uint64(dropped) })
		p.logger.Debug("dropped queued events on stop", "count", dropped)
	}
}

func (p *Pump) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	for {
		// An event leaves the queue only to be processed; once stopped, it
		// stays queued for Stop to count as dropped.
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		raw, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-p.signal:
			}
			continue
		}
		p.process(raw)
	}
}

func (p *Pump) next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	raw := p.queue[0]
	p.queue[0] = ""
	p.queue = p.queue[1:]
	return raw, true
}

// process handles one event. Panics are recovered so one bad event never
// stops the loop.
func (p *Pump) process(raw string) {
	start := time.Now()
	var ev Event
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		p.finish(ev, err, time.Since(start), raw)
	}()

	ev, err = Classify(raw)
	if err != nil {
		return
	}
	err = p.dispatch(ev)
}

func (p *Pump) finish(ev Event, err error, took time.Duration, raw string) {
	switch {
	case err != nil:
		p.count(func(s *Stats) { s.Failed++ })
		p.logger.Warn("skipping event", "type", ev.Type, "error", err, "bytes", len(raw))
	case ev.Kind == KindUnknown:
		p.count(func(s *Stats) { s.Ignored++ })
		p.logger.Debug("ignoring event", "type", ev.Type)
	default:
		p.count(func(s *Stats) { s.Processed++ })
	}

	p.obsMu.RLock()
	obs := make([]Observer, 0, len(p.observers))
	for i := 0; i < p.nextObs; i++ {
		if fn, ok := p.observers[i]; ok {
			obs = append(obs, fn)
		}
	}
	p.obsMu.RUnlock()
	for _, fn := range obs {
		p.safeObserve(fn, ev, err, took)
	}
}

func (p *Pump) safeObserve(fn Observer, ev Event, err error, took time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event observer panicked", "panic", r)
		}
	}()
	fn(ev, err, took)
}

func (p *Pump) dispatch(ev Event) error {
	switch ev.Kind {
	case KindItemMeta:
		p.sinks.History.Upsert(*ev.Item)

	case KindPeer:
		var mergeErr error
		p.sinks.Peers.Update(ev.PeerID, func(old envelope.PeerMeta, exists bool) envelope.PeerMeta {
			if !exists {
				old = envelope.NewPeerMeta(ev.PeerID)
			}
			merged, err := mergePeer(old, ev.PeerPatch, ev.force)
			if err != nil {
				mergeErr = err
				return old
			}
			return merged
		})
		return mergeErr

	case KindContentCached:
		woken := p.corr.Resolve(ev.TransferID, *ev.Ref)
		p.upsertTransfer(ev.TransferID, func(t *envelope.TransferUpdate) {
			t.State = envelope.TransferDone
			if ev.Ref.ItemID != "" {
				t.ItemID = ev.Ref.ItemID
			}
			if ev.Ref.TotalBytes > 0 {
				t.BytesDone = ev.Ref.TotalBytes
				t.BytesTotal = ev.Ref.TotalBytes
			}
		})
		p.logger.Debug("content cached", "transfer_id", ev.TransferID, "waiters", woken)

	case KindTransferFailed:
		p.corr.Fail(ev.TransferID, &fetch.TransferError{TransferID: ev.TransferID, Reason: ev.Reason})
		p.upsertTransfer(ev.TransferID, func(t *envelope.TransferUpdate) {
			t.State = envelope.TransferFailed
			if ev.Reason != "" {
				t.Message = ev.Reason
			}
		})

	case KindTransferUpdate:
		u := *ev.Transfer
		p.sinks.Transfers.Upsert(u)
		if u.State == envelope.TransferFailed {
			reason := strings.TrimSpace(u.Code + " " + u.Message)
			p.corr.Fail(u.TransferID, &fetch.TransferError{TransferID: u.TransferID, Reason: reason})
		}

	case KindLogWritten:
		p.sinks.Logs.Notify()
	}
	return nil
}

func (p *Pump) upsertTransfer(id string, apply func(*envelope.TransferUpdate)) {
	p.sinks.Transfers.Update(id, func(old envelope.TransferUpdate, exists bool) envelope.TransferUpdate {
		if !exists {
			old = envelope.TransferUpdate{TransferID: id}
		}
		apply(&old)
		return old
	})
}

// peerFields is PeerMeta without its defaulting UnmarshalJSON, so decoding
// a patch only overwrites the fields present in it.
type peerFields envelope.PeerMeta

func mergePeer(old envelope.PeerMeta, patch json.RawMessage, force onlineForce) (envelope.PeerMeta, error) {
	merged := peerFields(old)
	if err := json.Unmarshal(patch, &merged); err != nil {
		return old, fmt.Errorf("decode peer: %w", err)
	}
	out := envelope.PeerMeta(merged)

	var present map[string]json.RawMessage
	_ = json.Unmarshal(patch, &present)
	_, hasState := present["state"]

	switch force {
	case forceOnline:
		out.IsOnline = true
		if !hasState {
			out.State = "Online"
		}
	case forceOffline:
		out.IsOnline = false
		if !hasState {
			out.State = envelope.DefaultPeerState
		}
	}
	return out, nil
}

// Observe registers fn for every processed event and returns a func that
// unregisters it.
func (p *Pump) Observe(fn Observer) func() {
	p.obsMu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.obsMu.Unlock()
	return func() {
		p.obsMu.Lock()
		delete(p.observers, id)
		p.obsMu.Unlock()
	}
}

// Stats returns a copy of the counters.
func (p *Pump) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Pump) count(fn func(*Stats)) {
	p.statsMu.Lock()
	fn(&p.stats)
	p.statsMu.Unlock()
}
