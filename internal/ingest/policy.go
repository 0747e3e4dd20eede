// Package ingest decides whether an observed clipboard snapshot should be
// forwarded to the engine.
package ingest

import (
	"sync"

	"clipbridge/internal/envelope"
)

// Reason explains a decision.
type Reason string

// Decision reasons, in evaluation order.
const (
	ReasonEmptyData     Reason = "EmptyData"
	ReasonSelfWriteback Reason = "SelfWriteback"
	ReasonDuplicate     Reason = "Duplicate"
	ReasonPass          Reason = "Pass"
)

// Decision is the outcome of Decide.
type Decision struct {
	Allow  bool
	Reason Reason
}

// SelfWriteSource reports the fingerprint of the content the shell itself
// last wrote to the system clipboard.
type SelfWriteSource interface {
	LastWriteFingerprint() string
}

// Policy holds the only state the decision needs: the fingerprint of the
// last snapshot the engine accepted.
type Policy struct {
	clip SelfWriteSource

	mu       sync.RWMutex
	last     string
	haveLast bool
}

// NewPolicy creates a policy that consults clip for loopback detection.
func NewPolicy(clip SelfWriteSource) *Policy {
	return &Policy{clip: clip}
}

// Decide returns the allow/deny decision for snap. The first matching rule
// wins.
func (p *Policy) Decide(snap envelope.ClipboardSnapshot) Decision {
	if snap.Data == "" {
		return Decision{Reason: ReasonEmptyData}
	}

	if snap.Fingerprint != "" && p.clip != nil && snap.Fingerprint == p.clip.LastWriteFingerprint() {
		return Decision{Reason: ReasonSelfWriteback}
	}

	// The last fingerprint starts empty, so a snapshot without one is a
	// duplicate even before the first ingest.
	p.mu.RLock()
	dup := snap.Fingerprint == p.last
	p.mu.RUnlock()
	if dup {
		return Decision{Reason: ReasonDuplicate}
	}

	return Decision{Allow: true, Reason: ReasonPass}
}

// OnIngestSuccess records snap as the last accepted snapshot. Call it only
// after the engine has accepted the ingest.
func (p *Policy) OnIngestSuccess(snap envelope.ClipboardSnapshot) {
	p.mu.Lock()
	p.last = snap.Fingerprint
	p.haveLast = true
	p.mu.Unlock()
}

// LastIngested returns the last accepted fingerprint and whether one exists.
func (p *Policy) LastIngested() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.haveLast
}

// Reset forgets the last accepted fingerprint.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.last = ""
	p.haveLast = false
	p.mu.Unlock()
}
