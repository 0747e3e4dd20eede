package envelope

import (
	"encoding/json"
	"strings"
)

// Item kinds reported by the engine.
const (
	KindText     = "text"
	KindImage    = "image"
	KindFileList = "file_list"
)

// ItemPreview is the short description of an item shown in history lists.
type ItemPreview struct {
	Text      string     `json:"text,omitempty"`
	ImageHint *ImageHint `json:"image_hint,omitempty"`
	FileCount int        `json:"file_count,omitempty"`
}

// ImageHint carries image dimensions.
type ImageHint struct {
	W int `json:"w"`
	H int `json:"h"`
}

// ItemContent describes the stored content of an item.
type ItemContent struct {
	Mime       string `json:"mime"`
	Sha256     string `json:"sha256"`
	TotalBytes int64  `json:"total_bytes"`
}

// ItemMeta is the metadata of one clipboard history item.
type ItemMeta struct {
	ItemID           string       `json:"item_id"`
	Kind             string       `json:"kind"`
	CreatedTsMs      int64        `json:"created_ts_ms"`
	SourceDeviceID   string       `json:"source_device_id"`
	SourceDeviceName string       `json:"source_device_name,omitempty"`
	SizeBytes        int64        `json:"size_bytes,omitempty"`
	Preview          *ItemPreview `json:"preview,omitempty"`
	Content          *ItemContent `json:"content,omitempty"`
	ExpiresTsMs      *int64       `json:"expires_ts_ms,omitempty"`
}

// UnmarshalJSON applies the engine's default kind.
func (m *ItemMeta) UnmarshalJSON(b []byte) error {
	type plain ItemMeta
	p := plain{Kind: KindText}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = ItemMeta(p)
	if m.Kind == "" {
		m.Kind = KindText
	}
	return nil
}

// Key returns the identity used by history sinks.
func (m ItemMeta) Key() string { return m.ItemID }

// Mime returns the content mime type, or "".
func (m ItemMeta) Mime() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.Mime
}

// PreviewText returns the preview text, or "".
func (m ItemMeta) PreviewText() string {
	if m.Preview == nil {
		return ""
	}
	return m.Preview.Text
}

// LooksLikeItemMeta reports whether a raw object carries both item_id and
// kind, which is how unwrapped meta payloads are recognised.
func LooksLikeItemMeta(raw json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, hasID := probe["item_id"]
	_, hasKind := probe["kind"]
	return hasID && hasKind
}

// PeerMeta describes a remote device.
type PeerMeta struct {
	DeviceID       string `json:"device_id"`
	Name           string `json:"name"`
	IsOnline       bool   `json:"is_online"`
	LastSeen       int64  `json:"last_seen"`
	IsAllowed      bool   `json:"is_allowed"`
	ShareToPeer    bool   `json:"share_to_peer"`
	AcceptFromPeer bool   `json:"accept_from_peer"`
	State          string `json:"state"`
}

// Peer defaults for fields the engine omits.
const (
	DefaultPeerName  = "Unknown"
	DefaultPeerState = "Offline"
)

// NewPeerMeta returns a PeerMeta with engine defaults applied.
func NewPeerMeta(deviceID string) PeerMeta {
	return PeerMeta{
		DeviceID:       deviceID,
		Name:           DefaultPeerName,
		IsAllowed:      true,
		ShareToPeer:    true,
		AcceptFromPeer: true,
		State:          DefaultPeerState,
	}
}

// UnmarshalJSON applies defaults for omitted fields.
func (p *PeerMeta) UnmarshalJSON(b []byte) error {
	type plain PeerMeta
	v := plain(NewPeerMeta(""))
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = PeerMeta(v)
	return nil
}

// Key returns the identity used by peer sinks.
func (p PeerMeta) Key() string { return p.DeviceID }

// LocalContentRef points at content the engine has cached locally.
type LocalContentRef struct {
	TransferID string `json:"transfer_id"`
	ItemID     string `json:"item_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Mime       string `json:"mime,omitempty"`
	TextUTF8   string `json:"text_utf8,omitempty"`
	LocalPath  string `json:"local_path,omitempty"`
	Sha256     string `json:"sha256,omitempty"`
	TotalBytes int64  `json:"total_bytes,omitempty"`
}

// HasText reports whether the content was delivered inline.
func (r LocalContentRef) HasText() bool { return r.TextUTF8 != "" }

// Transfer states.
const (
	TransferPending = "pending"
	TransferRunning = "running"
	TransferDone    = "done"
	TransferFailed  = "failed"
)

// TransferUpdate is the latest known state of one transfer.
type TransferUpdate struct {
	TransferID string `json:"transfer_id"`
	ItemID     string `json:"item_id,omitempty"`
	State      string `json:"state"`
	BytesDone  int64  `json:"bytes_done"`
	BytesTotal int64  `json:"bytes_total"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// UnmarshalJSON accepts the engine's alternate field names
// (received/total, error_msg).
func (t *TransferUpdate) UnmarshalJSON(b []byte) error {
	var w struct {
		TransferID string `json:"transfer_id"`
		ItemID     string `json:"item_id"`
		State      string `json:"state"`
		BytesDone  *int64 `json:"bytes_done"`
		BytesTotal *int64 `json:"bytes_total"`
		Received   *int64 `json:"received"`
		Total      *int64 `json:"total"`
		Code       string `json:"code"`
		Message    string `json:"message"`
		ErrorMsg   string `json:"error_msg"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*t = TransferUpdate{
		TransferID: strings.TrimSpace(w.TransferID),
		ItemID:     w.ItemID,
		State:      strings.ToLower(strings.TrimSpace(w.State)),
		BytesDone:  firstInt(w.BytesDone, w.Received),
		BytesTotal: firstInt(w.BytesTotal, w.Total),
		Code:       w.Code,
		Message:    w.Message,
	}
	if t.Message == "" {
		t.Message = w.ErrorMsg
	}
	if t.State == "" {
		t.State = TransferRunning
	}
	return nil
}

// Key returns the identity used by transfer sinks.
func (t TransferUpdate) Key() string { return t.TransferID }

func firstInt(vals ...*int64) int64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

// HistoryFilter narrows a history query.
type HistoryFilter struct {
	FilterText string `json:"filter_text,omitempty"`
	Kind       string `json:"kind,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
}

// DefaultHistoryLimit is the page size used when none is given.
const DefaultHistoryLimit = 20

// HistoryQuery requests one page of history. A nil Cursor starts from the
// newest item.
type HistoryQuery struct {
	Limit  int            `json:"limit"`
	Cursor *int64         `json:"cursor"`
	Filter *HistoryFilter `json:"filter,omitempty"`
}

// Normalize applies the default limit.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	return q
}

// HistoryPage is one page of history results.
type HistoryPage struct {
	Items      []ItemMeta `json:"items"`
	NextCursor *int64     `json:"next_cursor"`
}

// Done reports whether pagination has reached the end.
func (p HistoryPage) Done() bool {
	return p.NextCursor == nil || len(p.Items) == 0
}

// Share modes accepted by the engine's ingest calls.
const (
	ShareDefault = "default"
	ShareForce   = "force"
)

// ClipboardSnapshot is one observed clipboard state.
type ClipboardSnapshot struct {
	MimeType    string  `json:"mime_type"`
	Data        string  `json:"data"`
	PreviewText *string `json:"preview_text,omitempty"`
	TimestampMs int64   `json:"timestamp"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	ShareMode   string  `json:"share_mode,omitempty"`
}

// IngestPlan is the engine's answer to a plan request.
type IngestPlan struct {
	Meta             *ItemMeta `json:"meta,omitempty"`
	NeedsUserConfirm bool      `json:"needs_user_confirm"`
	Strategy         string    `json:"strategy,omitempty"`
}

// EnsureContentRequest asks the engine to make an item's content local.
type EnsureContentRequest struct {
	ItemID string  `json:"item_id"`
	FileID *string `json:"file_id"`
}

// EnsureContentResult carries the transfer to wait on.
type EnsureContentResult struct {
	TransferID string `json:"transfer_id"`
}

// PeerPolicy changes the sharing policy for one peer. Nil fields are left
// unchanged.
type PeerPolicy struct {
	PeerID         string `json:"peer_id"`
	ShareToPeer    *bool  `json:"share_to_peer,omitempty"`
	AcceptFromPeer *bool  `json:"accept_from_peer,omitempty"`
}

// Log levels understood by the engine's log store.
const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

// LogRow is one record from the engine's log store.
type LogRow struct {
	ID        int64   `json:"id"`
	TimeUnix  int64   `json:"time_unix"`
	Level     int     `json:"level"`
	Component string  `json:"component,omitempty"`
	Category  string  `json:"category"`
	Message   string  `json:"message"`
	Exception *string `json:"exception,omitempty"`
	PropsJSON *string `json:"props_json,omitempty"`
}

// LogStats summarises the engine's log store.
type LogStats struct {
	Count   int64   `json:"count"`
	FirstMs *int64  `json:"first_ms"`
	LastMs  *int64  `json:"last_ms"`
	ByLevel []int64 `json:"by_level"`
}

// LogWrite is one shell log record shipped to the engine.
type LogWrite struct {
	Level     int     `json:"level"`
	Component string  `json:"component"`
	Category  string  `json:"category"`
	Message   string  `json:"message"`
	MessageZh *string `json:"message_zh,omitempty"`
	Exception *string `json:"exception,omitempty"`
	PropsJSON *string `json:"props_json,omitempty"`
	TsUtcMs   int64   `json:"ts_utc"`
}

// LogQuery selects engine log rows.
type LogQuery struct {
	AfterID  int64  `json:"after_id"`
	StartMs  int64  `json:"start_ms"`
	EndMs    int64  `json:"end_ms"`
	LevelMin int    `json:"level_min"`
	Like     string `json:"like,omitempty"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
	Lang     string `json:"lang,omitempty"`
}
