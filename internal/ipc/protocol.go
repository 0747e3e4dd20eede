// Package ipc is the local-socket protocol between clipbridged and its
// clients.
//
// Every frame is a 16-byte header followed by a JSON payload. Requests and
// responses share a request ID; events are pushed with MsgEvent after a
// client subscribes.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"clipbridge/internal/bridge"
	"clipbridge/internal/clipboard"
	"clipbridge/internal/envelope"
	"clipbridge/internal/host"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x43424950 // "CBIP"
)

// MaxPayload bounds a single frame's payload.
const MaxPayload = 16 << 20

// MessageType identifies a frame.
type MessageType uint16

const (
	// Control (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status (0x01xx)
	MsgStatus           MessageType = 0x0100
	MsgStatusResp       MessageType = 0x0101
	MsgDiagnostics      MessageType = 0x0102
	MsgDiagnosticsResp  MessageType = 0x0103
	MsgReinitialize     MessageType = 0x0104
	MsgReinitializeResp MessageType = 0x0105

	// Queries (0x02xx)
	MsgHistory       MessageType = 0x0200
	MsgHistoryResp   MessageType = 0x0201
	MsgPeers         MessageType = 0x0202
	MsgPeersResp     MessageType = 0x0203
	MsgTransfers     MessageType = 0x0204
	MsgTransfersResp MessageType = 0x0205
	MsgLogs          MessageType = 0x0206
	MsgLogsResp      MessageType = 0x0207

	// Actions (0x03xx)
	MsgFetch              MessageType = 0x0300
	MsgFetchResp          MessageType = 0x0301
	MsgCancelTransfer     MessageType = 0x0302
	MsgCancelTransferResp MessageType = 0x0303
	MsgSetCapture         MessageType = 0x0304
	MsgSetCaptureResp     MessageType = 0x0305

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504
)

var typeNames = map[MessageType]string{
	MsgPing: "ping", MsgPong: "pong", MsgHandshake: "handshake", MsgHandshakeAck: "handshake_ack",
	MsgError: "error", MsgStatus: "status", MsgDiagnostics: "diagnostics", MsgReinitialize: "reinitialize",
	MsgHistory: "history", MsgPeers: "peers", MsgTransfers: "transfers", MsgLogs: "logs",
	MsgFetch: "fetch", MsgCancelTransfer: "cancel_transfer", MsgSetCapture: "set_capture",
	MsgSubscribe: "subscribe", MsgUnsubscribe: "unsubscribe", MsgEvent: "event",
}

func (t MessageType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Header is the fixed 16-byte frame header, big endian.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

const HeaderSize = 16

// Header flags.
const (
	FlagJSON      uint8 = 0x04
	FlagStreamEnd uint8 = 0x10
)

// Frame errors.
var (
	ErrBadMagic        = errors.New("ipc: invalid magic number")
	ErrBadVersion      = errors.New("ipc: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// Message is one frame.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage frames payload as a JSON message.
func NewMessage(t MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      t,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// ReadHeader reads and checks a header.
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}
	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %08x", ErrBadMagic, h.Magic)
	}
	if h.Version == 0 || h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	return h, nil
}

// Write writes the header and payload in one call.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.Length = uint32(len(m.Payload))
	m.Header.encode(buf)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one complete frame.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Length > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Encode marshals a payload.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode unmarshals a payload. An empty payload leaves v untouched.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewResponse encodes v as a response frame.
func NewResponse(t MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(t, requestID, payload), nil
}

// Payloads.

type HandshakeRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	State           string `json:"state"`
}

type StatusResponse = bridge.Status

type DiagnosticsResponse struct {
	Diagnostics host.Diagnostics `json:"diagnostics"`
	SupportText string           `json:"support_text"`
}

type ReinitializeResponse struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type HistoryRequest = envelope.HistoryQuery

type HistoryResponse = bridge.HistoryResult

type PeersResponse struct {
	Peers  []envelope.PeerMeta `json:"peers"`
	Cached bool                `json:"cached"`
}

type TransfersResponse struct {
	Transfers []envelope.TransferUpdate `json:"transfers"`
}

type LogsRequest = envelope.LogQuery

type LogsResponse struct {
	Rows []envelope.LogRow `json:"rows"`
}

type FetchRequest struct {
	ItemID string `json:"item_id"`
}

type FetchResponse = clipboard.ApplyResult

type CancelTransferRequest struct {
	TransferID string `json:"transfer_id"`
}

type SetCaptureRequest struct {
	Enabled bool `json:"enabled"`
}

type SetCaptureResponse struct {
	Enabled bool `json:"enabled"`
}

// SubscribeRequest selects event types; empty means all.
type SubscribeRequest struct {
	Events []string `json:"events,omitempty"`
}

type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
}

type Event = bridge.Event
