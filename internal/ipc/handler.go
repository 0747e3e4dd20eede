package ipc

import (
	"context"
	"errors"
	"strings"

	"clipbridge/internal/bridge"
	"clipbridge/internal/clipboard"
	"clipbridge/internal/envelope"
	"clipbridge/internal/host"
)

// Backend is the daemon surface the handler exposes. *bridge.Bridge
// implements it.
type Backend interface {
	Status(ctx context.Context) bridge.Status
	Diagnostics() host.Diagnostics
	Reinitialize(ctx context.Context) error
	History(ctx context.Context, q envelope.HistoryQuery) (bridge.HistoryResult, error)
	Peers(ctx context.Context) ([]envelope.PeerMeta, bool, error)
	Transfers() []envelope.TransferUpdate
	Logs(ctx context.Context, q envelope.LogQuery) ([]envelope.LogRow, error)
	Fetch(ctx context.Context, itemID string) (clipboard.ApplyResult, error)
	CancelTransfer(ctx context.Context, transferID string) error
	SetCapture(on bool)
	CaptureEnabled() bool
	Subscribe(fn func(bridge.Event)) func()
}

// DaemonHandler maps request frames onto a Backend.
type DaemonHandler struct {
	backend Backend
}

// NewDaemonHandler wraps b.
func NewDaemonHandler(b Backend) *DaemonHandler {
	return &DaemonHandler{backend: b}
}

// Attach streams the backend's events to the server's subscribers. The
// returned func detaches.
func (h *DaemonHandler) Attach(s *Server) func() {
	return h.backend.Subscribe(s.Broadcast)
}

// HandleMessage implements Handler.
func (h *DaemonHandler) HandleMessage(ctx context.Context, _ *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID
	switch msg.Header.Type {
	case MsgStatus:
		return NewResponse(MsgStatusResp, id, h.backend.Status(ctx))

	case MsgDiagnostics:
		d := h.backend.Diagnostics()
		return NewResponse(MsgDiagnosticsResp, id, DiagnosticsResponse{Diagnostics: d, SupportText: d.SupportText()})

	case MsgReinitialize:
		resp := ReinitializeResponse{}
		if err := h.backend.Reinitialize(ctx); err != nil {
			if !errors.Is(err, host.ErrDegraded) {
				return nil, err
			}
			resp.Error = err.Error()
		}
		resp.State = h.backend.Diagnostics().State
		return NewResponse(MsgReinitializeResp, id, resp)

	case MsgHistory:
		var q HistoryRequest
		if err := Decode(msg.Payload, &q); err != nil {
			return invalidRequest(id, "invalid history request: %v", err), nil
		}
		res, err := h.backend.History(ctx, q)
		if err != nil {
			return nil, err
		}
		return NewResponse(MsgHistoryResp, id, res)

	case MsgPeers:
		peers, cached, err := h.backend.Peers(ctx)
		if err != nil {
			return nil, err
		}
		if peers == nil {
			peers = []envelope.PeerMeta{}
		}
		return NewResponse(MsgPeersResp, id, PeersResponse{Peers: peers, Cached: cached})

	case MsgTransfers:
		ts := h.backend.Transfers()
		if ts == nil {
			ts = []envelope.TransferUpdate{}
		}
		return NewResponse(MsgTransfersResp, id, TransfersResponse{Transfers: ts})

	case MsgLogs:
		var q LogsRequest
		if err := Decode(msg.Payload, &q); err != nil {
			return invalidRequest(id, "invalid logs request: %v", err), nil
		}
		rows, err := h.backend.Logs(ctx, q)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []envelope.LogRow{}
		}
		return NewResponse(MsgLogsResp, id, LogsResponse{Rows: rows})

	case MsgFetch:
		var req FetchRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalidRequest(id, "invalid fetch request: %v", err), nil
		}
		if strings.TrimSpace(req.ItemID) == "" {
			return invalidRequest(id, "item_id is required"), nil
		}
		res, err := h.backend.Fetch(ctx, req.ItemID)
		if err != nil {
			return nil, err
		}
		return NewResponse(MsgFetchResp, id, res)

	case MsgCancelTransfer:
		var req CancelTransferRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalidRequest(id, "invalid cancel request: %v", err), nil
		}
		if strings.TrimSpace(req.TransferID) == "" {
			return invalidRequest(id, "transfer_id is required"), nil
		}
		if err := h.backend.CancelTransfer(ctx, req.TransferID); err != nil {
			return nil, err
		}
		return NewMessage(MsgCancelTransferResp, id, nil), nil

	case MsgSetCapture:
		var req SetCaptureRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return invalidRequest(id, "invalid capture request: %v", err), nil
		}
		h.backend.SetCapture(req.Enabled)
		return NewResponse(MsgSetCaptureResp, id, SetCaptureResponse{Enabled: h.backend.CaptureEnabled()})

	default:
		return invalidRequest(id, "unknown message type: %s", msg.Header.Type), nil
	}
}
