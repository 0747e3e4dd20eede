package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"clipbridge/internal/engine"
	"clipbridge/internal/envelope"
)

// do runs fn against the live instance. It fails fast with *NotReadyError
// outside Ready, and rechecks the handle once it holds the call lock.
func (h *Host) do(ctx context.Context, op string, fn func(eng engine.Engine, handle uintptr) error) error {
	start := time.Now()
	err := h.doReady(ctx, op, fn)
	h.record(op, start, err)
	if err != nil && !errors.Is(err, ErrNotReady) {
		h.logger.DebugContext(ctx, "core call failed", "op", op, "error", err)
	}
	return err
}

func (h *Host) doReady(ctx context.Context, op string, fn func(engine.Engine, uintptr) error) error {
	if !h.Ready() {
		return &NotReadyError{Op: op, State: h.State()}
	}
	return h.run(ctx, func() error {
		h.calls.RLock()
		defer h.calls.RUnlock()

		h.hmu.RLock()
		st, handle, eng := h.state, h.handle, h.eng
		h.hmu.RUnlock()
		if st != Ready || handle == 0 || eng == nil {
			return &NotReadyError{Op: op, State: st}
		}
		return fn(eng, handle)
	})
}

func marshalArg(op string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%s: encode request: %w", op, err)
	}
	return string(b), nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ListHistory fetches one page of history.
func (h *Host) ListHistory(ctx context.Context, q envelope.HistoryQuery) (envelope.HistoryPage, error) {
	const op = "list_history"
	var page envelope.HistoryPage
	arg, err := marshalArg(op, q.Normalize())
	if err != nil {
		return page, err
	}
	err = h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		return wrap(op, envelope.DecodeInto(eng.ListHistory(handle, arg), &page))
	})
	if err != nil {
		return envelope.HistoryPage{}, err
	}
	if page.Items == nil {
		page.Items = []envelope.ItemMeta{}
	}
	return page, nil
}

// EnsureContentCached asks the engine to make an item's content local and
// returns the transfer id whose completion the pump will report.
func (h *Host) EnsureContentCached(ctx context.Context, req envelope.EnsureContentRequest) (string, error) {
	const op = "ensure_content_cached"
	arg, err := marshalArg(op, req)
	if err != nil {
		return "", err
	}
	var res envelope.EnsureContentResult
	err = h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		return wrap(op, envelope.DecodeInto(eng.EnsureContentCached(handle, arg), &res))
	})
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(res.TransferID)
	if id == "" {
		return "", wrap(op, &envelope.CoreError{Code: envelope.CodeInvalidMessage, Message: "missing transfer_id"})
	}
	return id, nil
}

// ListPeers returns the engine's peer list.
func (h *Host) ListPeers(ctx context.Context) ([]envelope.PeerMeta, error) {
	const op = "list_peers"
	var peers []envelope.PeerMeta
	err := h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		return wrap(op, envelope.DecodeInto(eng.ListPeers(handle), &peers))
	})
	if err != nil {
		return nil, err
	}
	if peers == nil {
		peers = []envelope.PeerMeta{}
	}
	return peers, nil
}

// GetStatus returns the engine's status object as sent.
func (h *Host) GetStatus(ctx context.Context) (json.RawMessage, error) {
	const op = "get_status"
	var status json.RawMessage
	err := h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		return wrap(op, envelope.DecodeInto(eng.GetStatus(handle), &status))
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// PlanLocalIngest asks the engine how it would ingest a snapshot.
func (h *Host) PlanLocalIngest(ctx context.Context, snap envelope.ClipboardSnapshot) (envelope.IngestPlan, error) {
	const op = "plan_local_ingest"
	var out struct {
		Plan envelope.IngestPlan `json:"plan"`
	}
	arg, err := marshalArg(op, snap)
	if err != nil {
		return out.Plan, err
	}
	err = h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		return wrap(op, envelope.DecodeInto(eng.PlanLocalIngest(handle, arg), &out))
	})
	if err != nil {
		return envelope.IngestPlan{}, err
	}
	return out.Plan, nil
}

// IngestLocalCopy hands a local clipboard snapshot to the engine. The
// returned meta is nil when the engine answers {"meta":null}, having
// accepted the snapshot without creating a new item.
func (h *Host) IngestLocalCopy(ctx context.Context, snap envelope.ClipboardSnapshot) (*envelope.ItemMeta, error) {
	const op = "ingest_local_copy"
	arg, err := marshalArg(op, snap)
	if err != nil {
		return nil, err
	}
	var out struct {
		Meta *envelope.ItemMeta `json:"meta"`
	}
	err = h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		return wrap(op, envelope.DecodeInto(eng.IngestLocalCopy(handle, arg), &out))
	})
	if err != nil {
		return nil, err
	}
	return out.Meta, nil
}

// CancelTransfer aborts a transfer.
func (h *Host) CancelTransfer(ctx context.Context, transferID string) error {
	const op = "cancel_transfer"
	arg, err := marshalArg(op, transferID)
	if err != nil {
		return err
	}
	return h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		_, err := envelope.Decode(eng.CancelTransfer(handle, arg))
		return wrap(op, err)
	})
}

// GetItemMeta fetches one item's metadata.
func (h *Host) GetItemMeta(ctx context.Context, itemID string) (envelope.ItemMeta, error) {
	const op = "get_item_meta"
	var meta envelope.ItemMeta
	arg, err := marshalArg(op, itemID)
	if err != nil {
		return meta, err
	}
	err = h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		return wrap(op, envelope.DecodeInto(eng.GetItemMeta(handle, arg), &meta))
	})
	if err != nil {
		return envelope.ItemMeta{}, err
	}
	return meta, nil
}

// SetPeerPolicy updates sharing policy for one peer.
func (h *Host) SetPeerPolicy(ctx context.Context, p envelope.PeerPolicy) error {
	const op = "set_peer_policy"
	arg, err := marshalArg(op, p)
	if err != nil {
		return err
	}
	return h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		_, err := envelope.Decode(eng.SetPeerPolicy(handle, arg))
		return wrap(op, err)
	})
}

// LogsWrite appends one row to the engine's log store and returns its id.
func (h *Host) LogsWrite(ctx context.Context, w envelope.LogWrite) (int64, error) {
	const op = "logs_write"
	var id int64
	err := h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		var rc int
		id, rc = eng.LogsWrite(handle, w)
		return engine.CheckRC("cb_logs_write", rc)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func decodeRows(op, raw string) ([]envelope.LogRow, error) {
	rows := []envelope.LogRow{}
	if strings.TrimSpace(raw) == "" {
		return rows, nil
	}
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, wrap(op, &envelope.CoreError{Code: envelope.CodeJSONParse, Message: err.Error()})
	}
	return rows, nil
}

// LogsQueryAfterID returns rows with id greater than q.AfterID.
func (h *Host) LogsQueryAfterID(ctx context.Context, q envelope.LogQuery) ([]envelope.LogRow, error) {
	const op = "logs_query_after_id"
	var rows []envelope.LogRow
	err := h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		raw, rc := eng.LogsQueryAfterID(handle, q)
		if err := engine.CheckRC("cb_logs_query_after_id", rc); err != nil {
			return err
		}
		var err error
		rows, err = decodeRows(op, raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LogsQueryRange returns rows with a timestamp in [q.StartMs, q.EndMs].
func (h *Host) LogsQueryRange(ctx context.Context, q envelope.LogQuery) ([]envelope.LogRow, error) {
	const op = "logs_query_range"
	var rows []envelope.LogRow
	err := h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		raw, rc := eng.LogsQueryRange(handle, q)
		if err := engine.CheckRC("cb_logs_query_range", rc); err != nil {
			return err
		}
		var err error
		rows, err = decodeRows(op, raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LogsDeleteBefore removes rows older than cutoffMs and returns how many.
func (h *Host) LogsDeleteBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	const op = "logs_delete_before"
	var n int64
	err := h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		var rc int
		n, rc = eng.LogsDeleteBefore(handle, cutoffMs)
		return engine.CheckRC("cb_logs_delete_before", rc)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// LogsStats summarises the engine's log store.
func (h *Host) LogsStats(ctx context.Context) (envelope.LogStats, error) {
	const op = "logs_stats"
	var st envelope.LogStats
	err := h.do(ctx, op, func(eng engine.Engine, handle uintptr) error {
		raw, rc := eng.LogsStats(handle)
		if err := engine.CheckRC("cb_logs_stats", rc); err != nil {
			return err
		}
		if strings.TrimSpace(raw) == "" {
			return nil
		}
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return wrap(op, &envelope.CoreError{Code: envelope.CodeJSONParse, Message: err.Error()})
		}
		return nil
	})
	if err != nil {
		return envelope.LogStats{}, err
	}
	return st, nil
}
