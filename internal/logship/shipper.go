// Package logship ships the daemon's own log records into the engine's log
// store. Records are queued in memory and written in batches while the
// engine is ready; otherwise they are spooled to the local store and
// replayed, oldest first, once it becomes ready.
package logship

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"clipbridge/internal/envelope"
	"clipbridge/internal/store"
)

// Defaults for Config.
const (
	DefaultQueueCapacity = 1000
	DefaultBatchSize     = 50
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultReplayBatch   = 200
)

// Target is the engine side of shipping.
type Target interface {
	Ready() bool
	LogsWrite(ctx context.Context, w envelope.LogWrite) (int64, error)
}

// Stash is the local spool used while the target is not ready.
type Stash interface {
	StashLogs(recs []envelope.LogWrite) (int64, error)
	StashedLogs(limit int) ([]store.StashedLog, error)
	DeleteStashedThrough(maxID int64) (int64, error)
}

// Config tunes a Shipper.
type Config struct {
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration
	ReplayBatch   int
	// Logger reports shipping problems. It must not feed back into the
	// shipper.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = DefaultReplayBatch
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Stats counts what happened to shipped records.
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Shipped  uint64 `json:"shipped"`
	Dropped  uint64 `json:"dropped"`
	Stashed  uint64 `json:"stashed"`
	Replayed uint64 `json:"replayed"`
	Failed   uint64 `json:"failed"`
	Queued   int    `json:"queued"`
}

// Shipper batches records into a Target.
type Shipper struct {
	cfg    Config
	target Target
	stash  Stash
	log    *slog.Logger

	mu    sync.Mutex
	queue []envelope.LogWrite
	// stashed is set while the spool may hold records.
	stashed bool

	wake chan struct{}

	enqueued, shipped, dropped, spooled, replayed, failed atomic.Uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Shipper. stash may be nil, in which case records wait in
// memory for the target.
func New(cfg Config, target Target, stash Stash) *Shipper {
	cfg = cfg.withDefaults()
	return &Shipper{
		cfg:     cfg,
		target:  target,
		stash:   stash,
		log:     cfg.Logger.With("component", "logship"),
		stashed: stash != nil,
		wake:    make(chan struct{}, 1),
	}
}

func droppable(level int) bool { return level <= envelope.LevelDebug }

// Enqueue adds one record. When the queue is full, trace and debug records
// are dropped; higher levels first evict a queued trace or debug record and
// otherwise go straight to the spool. It reports whether the record was
// kept.
func (s *Shipper) Enqueue(rec envelope.LogWrite) bool {
	s.mu.Lock()
	if len(s.queue) >= s.cfg.QueueCapacity {
		if droppable(rec.Level) || !s.evictLocked() {
			s.mu.Unlock()
			if droppable(rec.Level) {
				s.dropped.Add(1)
				return false
			}
			return s.spool([]envelope.LogWrite{rec})
		}
	}
	s.queue = append(s.queue, rec)
	n := len(s.queue)
	s.mu.Unlock()

	s.enqueued.Add(1)
	if n >= s.cfg.BatchSize {
		s.Kick()
	}
	return true
}

func (s *Shipper) evictLocked() bool {
	for i, q := range s.queue {
		if droppable(q.Level) {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.dropped.Add(1)
			return true
		}
	}
	return false
}

func (s *Shipper) spool(recs []envelope.LogWrite) bool {
	if s.stash == nil || len(recs) == 0 {
		s.dropped.Add(uint64(len(recs)))
		return false
	}
	trimmed, err := s.stash.StashLogs(recs)
	if err != nil {
		s.failed.Add(uint64(len(recs)))
		s.log.Warn("stash logs failed", "count", len(recs), "error", err)
		return false
	}
	s.mu.Lock()
	s.stashed = true
	s.mu.Unlock()
	s.spooled.Add(uint64(len(recs)))
	if trimmed > 0 {
		s.dropped.Add(uint64(trimmed))
	}
	return true
}

// Kick requests a flush without waiting for the interval.
func (s *Shipper) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the flush loop until Close.
func (s *Shipper) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Shipper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-s.wake:
		}
		s.Flush(ctx)
	}
}

// Flush performs one pass: replay the spool and ship queued batches when
// the target is ready, or move the queue into the spool when it is not.
// A pass ships at most the records queued when it began; anything logged
// while it runs waits for the next pass.
func (s *Shipper) Flush(ctx context.Context) {
	ctx = WithShipping(ctx)
	if !s.target.Ready() {
		if s.stash != nil {
			s.spool(s.takeAll())
		}
		return
	}
	if !s.replay(ctx) {
		return
	}
	for budget := s.queued(); budget > 0; {
		batch := s.take(min(s.cfg.BatchSize, budget))
		if len(batch) == 0 {
			return
		}
		budget -= len(batch)
		if rest := s.write(ctx, batch); len(rest) > 0 {
			s.requeue(rest)
			return
		}
	}
}

func (s *Shipper) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// replay drains the spool in id order. It reports whether the spool is
// empty afterwards.
func (s *Shipper) replay(ctx context.Context) bool {
	s.mu.Lock()
	pending := s.stashed
	s.mu.Unlock()
	if !pending || s.stash == nil {
		return true
	}
	for {
		rows, err := s.stash.StashedLogs(s.cfg.ReplayBatch)
		if err != nil {
			s.log.Warn("read stashed logs failed", "error", err)
			return false
		}
		if len(rows) == 0 {
			s.mu.Lock()
			s.stashed = false
			s.mu.Unlock()
			return true
		}

		var lastID int64
		ok := true
		for _, r := range rows {
			if _, err := s.target.LogsWrite(ctx, r.LogWrite); err != nil {
				ok = false
				s.log.Debug("replay stopped", "error", err)
				break
			}
			lastID = r.ID
			s.replayed.Add(1)
		}
		if lastID > 0 {
			if _, err := s.stash.DeleteStashedThrough(lastID); err != nil {
				s.log.Warn("delete replayed logs failed", "error", err)
				return false
			}
		}
		if !ok {
			return false
		}
	}
}

// write ships a batch and returns what was not written.
func (s *Shipper) write(ctx context.Context, batch []envelope.LogWrite) []envelope.LogWrite {
	for i, rec := range batch {
		if _, err := s.target.LogsWrite(ctx, rec); err != nil {
			if ctx.Err() != nil || !s.target.Ready() {
				return batch[i:]
			}
			// The engine refused this record; do not retry it forever.
			s.failed.Add(1)
			s.log.Debug("log write rejected", "error", err)
			continue
		}
		s.shipped.Add(1)
	}
	return nil
}

func (s *Shipper) take(n int) []envelope.LogWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := make([]envelope.LogWrite, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	return batch
}

func (s *Shipper) takeAll() []envelope.LogWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *Shipper) requeue(recs []envelope.LogWrite) {
	if s.stash != nil {
		s.spool(recs)
		return
	}
	s.mu.Lock()
	s.queue = append(recs, s.queue...)
	if over := len(s.queue) - s.cfg.QueueCapacity; over > 0 {
		s.queue = s.queue[over:]
		s.dropped.Add(uint64(over))
	}
	s.mu.Unlock()
}

// Close stops the loop and makes a final pass, shipping if the target is
// ready and spooling otherwise.
func (s *Shipper) Close(ctx context.Context) {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.Flush(ctx)
	if s.stash != nil {
		s.spool(s.takeAll())
	}
}

// Stats returns a snapshot of the counters.
func (s *Shipper) Stats() Stats {
	queued := s.queued()
	return Stats{
		Enqueued: s.enqueued.Load(),
		Shipped:  s.shipped.Load(),
		Dropped:  s.dropped.Load(),
		Stashed:  s.spooled.Load(),
		Replayed: s.replayed.Load(),
		Failed:   s.failed.Load(),
		Queued:   queued,
	}
}
