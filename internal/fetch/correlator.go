// Package fetch correlates asynchronous content transfers with the callers
// waiting on them.
//
// A caller asks the engine to cache an item's content and gets back a
// transfer ID. The completion (CONTENT_CACHED) or failure (TRANSFER_FAILED)
// for that transfer arrives later on the engine's event stream, possibly
// before the caller has started waiting. The Correlator is the rendezvous
// between the two: each transfer ID maps to a slot that is either waiting
// (one or more callers parked) or ready (an outcome stashed for the first
// caller to ask).
package fetch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"clipbridge/internal/envelope"
)

var (
	// ErrCancelled is returned by Wait when its context ends first.
	ErrCancelled = errors.New("fetch: wait cancelled")
	// ErrEmptyTransferID is returned by Wait for a blank transfer ID.
	ErrEmptyTransferID = errors.New("fetch: empty transfer id")
)

// TransferError is the outcome of a transfer the engine reported as failed.
type TransferError struct {
	TransferID string
	Reason     string
}

func (e *TransferError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transfer %s failed", e.TransferID)
	}
	return fmt.Sprintf("transfer %s failed: %s", e.TransferID, e.Reason)
}

type outcome struct {
	ref envelope.LocalContentRef
	err error
}

type slot struct {
	waiters map[uint64]chan outcome
	stash   *outcome
	at      time.Time
}

const shardCount = 32

type shard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// Correlator maps transfer IDs to waiting callers or stashed outcomes.
// Keys are spread over independently locked shards.
type Correlator struct {
	shards [shardCount]shard

	seqMu sync.Mutex
	seq   uint64

	now func() time.Time
}

// New creates an empty Correlator.
func New() *Correlator {
	c := &Correlator{now: time.Now}
	for i := range c.shards {
		c.shards[i].slots = make(map[string]*slot)
	}
	return c
}

func (c *Correlator) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &c.shards[h.Sum32()%shardCount]
}

func (c *Correlator) nextToken() uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// Wait returns the outcome for transferID. A stashed outcome is consumed
// and returned immediately; otherwise Wait parks until Resolve, Fail or
// ctx ends. Several concurrent waiters on one ID all receive the same
// outcome. Cancelling removes only this caller's registration.
func (c *Correlator) Wait(ctx context.Context, transferID string) (envelope.LocalContentRef, error) {
	transferID = strings.TrimSpace(transferID)
	if transferID == "" {
		return envelope.LocalContentRef{}, ErrEmptyTransferID
	}

	sh := c.shardFor(transferID)
	sh.mu.Lock()
	s := sh.slots[transferID]
	if s != nil && s.stash != nil {
		out := *s.stash
		delete(sh.slots, transferID)
		sh.mu.Unlock()
		return out.ref, out.err
	}
	if s == nil {
		s = &slot{waiters: make(map[uint64]chan outcome)}
		sh.slots[transferID] = s
	}
	token := c.nextToken()
	ch := make(chan outcome, 1)
	s.waiters[token] = ch
	sh.mu.Unlock()

	select {
	case out := <-ch:
		return out.ref, out.err
	case <-ctx.Done():
	}

	sh.mu.Lock()
	registered := false
	if cur := sh.slots[transferID]; cur != nil {
		if _, ok := cur.waiters[token]; ok {
			registered = true
			delete(cur.waiters, token)
			if len(cur.waiters) == 0 && cur.stash == nil {
				delete(sh.slots, transferID)
			}
		}
	}
	sh.mu.Unlock()

	if !registered {
		// delivery won the race with cancellation
		out := <-ch
		return out.ref, out.err
	}
	return envelope.LocalContentRef{}, fmt.Errorf("%w: %s: %w", ErrCancelled, transferID, ctx.Err())
}

// Resolve delivers ref to every waiter on transferID, or stashes it when
// nobody is waiting. A later Resolve or Fail before consumption replaces
// the stash. It returns the number of waiters woken.
func (c *Correlator) Resolve(transferID string, ref envelope.LocalContentRef) int {
	return c.complete(transferID, outcome{ref: ref})
}

// Fail delivers a failure to every waiter on transferID, or stashes it so
// a caller that starts waiting later does not hang. A nil err is replaced
// by a *TransferError without a reason.
func (c *Correlator) Fail(transferID string, err error) int {
	if err == nil {
		err = &TransferError{TransferID: strings.TrimSpace(transferID)}
	}
	return c.complete(transferID, outcome{err: err})
}

func (c *Correlator) complete(transferID string, out outcome) int {
	transferID = strings.TrimSpace(transferID)
	if transferID == "" {
		return 0
	}

	sh := c.shardFor(transferID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s := sh.slots[transferID]
	if s != nil && len(s.waiters) > 0 {
		for _, ch := range s.waiters {
			ch <- out
		}
		n := len(s.waiters)
		delete(sh.slots, transferID)
		return n
	}

	sh.slots[transferID] = &slot{stash: &out, at: c.now()}
	return 0
}

// Stats counts the correlator's current entries.
type Stats struct {
	Waiters int `json:"waiters"`
	Stashed int `json:"stashed"`
}

// Pending reports the number of parked waiters and stashed outcomes.
func (c *Correlator) Pending() Stats {
	var st Stats
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for _, s := range sh.slots {
			st.Waiters += len(s.waiters)
			if s.stash != nil {
				st.Stashed++
			}
		}
		sh.mu.Unlock()
	}
	return st
}

// Sweep discards stashed outcomes older than maxAge that nobody claimed and
// returns how many were removed.
func (c *Correlator) Sweep(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	removed := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for id, s := range sh.slots {
			if s.stash != nil && s.at.Before(cutoff) {
				delete(sh.slots, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx ends.
func (c *Correlator) Run(ctx context.Context, interval, maxAge time.Duration, onSweep func(removed int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := c.Sweep(maxAge)
			if onSweep != nil && n > 0 {
				onSweep(n)
			}
		}
	}
}
