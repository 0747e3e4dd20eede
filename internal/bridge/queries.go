package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clipbridge/internal/envelope"
	"clipbridge/internal/fetch"
	"clipbridge/internal/host"
	"clipbridge/internal/logship"
	"clipbridge/internal/pump"
	"clipbridge/internal/sink"
	"clipbridge/internal/store"
)

// HistoryResult is one page of history. Cached is set when the page came
// from the local store because the engine was not Ready.
type HistoryResult struct {
	envelope.HistoryPage
	Cached bool `json:"cached"`
}

// History lists history from the engine, or from the local cache while the
// engine is not Ready. The cache honours the same filter and pages by
// creation time.
func (b *Bridge) History(ctx context.Context, q envelope.HistoryQuery) (HistoryResult, error) {
	q = q.Normalize()
	page, err := b.Host.ListHistory(ctx, q)
	if err == nil {
		return HistoryResult{HistoryPage: page}, nil
	}
	if !errors.Is(err, host.ErrNotReady) {
		return HistoryResult{}, err
	}

	items, cerr := b.Store.History(b.historyCap())
	if cerr != nil {
		return HistoryResult{}, fmt.Errorf("cached history: %w", cerr)
	}
	return HistoryResult{HistoryPage: pageCached(items, q), Cached: true}, nil
}

func pageCached(items []envelope.ItemMeta, q envelope.HistoryQuery) envelope.HistoryPage {
	if q.Filter != nil {
		items = sink.SearchHistory(items, *q.Filter, 0)
	}
	if q.Cursor != nil {
		kept := items[:0:0]
		for _, it := range items {
			if it.CreatedTsMs < *q.Cursor {
				kept = append(kept, it)
			}
		}
		items = kept
	}

	page := envelope.HistoryPage{Items: items}
	if len(items) > q.Limit {
		page.Items = items[:q.Limit]
		next := page.Items[len(page.Items)-1].CreatedTsMs
		page.NextCursor = &next
	}
	if page.Items == nil {
		page.Items = []envelope.ItemMeta{}
	}
	return page
}

// Peers lists peers from the engine, or the cached peers (all offline)
// while it is not Ready.
func (b *Bridge) Peers(ctx context.Context) ([]envelope.PeerMeta, bool, error) {
	peers, err := b.Host.ListPeers(ctx)
	if err == nil {
		return peers, false, nil
	}
	if !errors.Is(err, host.ErrNotReady) {
		return nil, false, err
	}
	cached, cerr := b.Store.Peers()
	if cerr != nil {
		return nil, false, fmt.Errorf("cached peers: %w", cerr)
	}
	return cached, true, nil
}

// Status is a point-in-time summary of the daemon.
type Status struct {
	State     string `json:"state"`
	Ready     bool   `json:"ready"`
	LastError string `json:"last_error,omitempty"`
	Capture   bool   `json:"capture"`
	Uptime    string `json:"uptime"`

	History   int `json:"history"`
	Peers     int `json:"peers"`
	Transfers int `json:"transfers"`

	Pump        pump.Stats      `json:"pump"`
	PumpBacklog int             `json:"pump_backlog"`
	Correlator  fetch.Stats     `json:"correlator"`
	Logship     logship.Stats   `json:"logship"`
	Store       *store.Stats    `json:"store,omitempty"`
	Core        json.RawMessage `json:"core,omitempty"`
	CoreError   string          `json:"core_error,omitempty"`
}

// Status collects the summary. The engine's own status is included while
// it is Ready.
func (b *Bridge) Status(ctx context.Context) Status {
	st := Status{
		State:       b.Host.State().String(),
		Ready:       b.Host.Ready(),
		LastError:   b.Host.LastError(),
		Capture:     b.CaptureEnabled(),
		History:     b.Sinks.History.Len(),
		Peers:       b.Sinks.Peers.Len(),
		Transfers:   b.Sinks.Transfers.Len(),
		Pump:        b.Pump.Stats(),
		PumpBacklog: b.Pump.Backlog(),
		Correlator:  b.Correlator.Pending(),
		Logship:     b.Shipper.Stats(),
	}
	b.mu.Lock()
	if !b.started.IsZero() {
		st.Uptime = time.Since(b.started).Truncate(time.Second).String()
	}
	b.mu.Unlock()

	if s, err := b.Store.GetStats(); err == nil {
		st.Store = s
	}
	if st.Ready {
		raw, err := b.Host.GetStatus(ctx)
		if err != nil {
			st.CoreError = err.Error()
		} else {
			st.Core = raw
		}
	}
	return st
}
