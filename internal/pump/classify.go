package pump

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"clipbridge/internal/envelope"
)

// Kind is the classified type of an engine event.
type Kind int

const (
	KindUnknown Kind = iota
	KindItemMeta
	KindPeer
	KindContentCached
	KindTransferFailed
	KindTransferUpdate
	KindLogWritten
)

func (k Kind) String() string {
	switch k {
	case KindItemMeta:
		return "item_meta"
	case KindPeer:
		return "peer"
	case KindContentCached:
		return "content_cached"
	case KindTransferFailed:
		return "transfer_failed"
	case KindTransferUpdate:
		return "transfer_update"
	case KindLogWritten:
		return "log_written"
	default:
		return "unknown"
	}
}

// Online forcing applied by PEER_ONLINE / PEER_OFFLINE.
type onlineForce int

const (
	forceNone onlineForce = iota
	forceOnline
	forceOffline
)

// Event is the typed form of one pushed engine event.
type Event struct {
	Kind Kind
	// Type is the normalised (trimmed, upper-case) type field.
	Type string

	Item *envelope.ItemMeta

	// PeerID and PeerPatch carry the peer object as sent; only the fields
	// it contains are applied to an existing entry.
	PeerID    string
	PeerPatch json.RawMessage
	force     onlineForce

	Ref        *envelope.LocalContentRef
	TransferID string
	Reason     string
	Transfer   *envelope.TransferUpdate
}

// Classification errors. The pump logs and skips events that produce them.
var (
	ErrMissingType       = errors.New("event has no type")
	ErrMissingMeta       = errors.New("event carries no item meta")
	ErrMissingDeviceID   = errors.New("peer event has no device_id")
	ErrMissingTransferID = errors.New("event has no transfer_id")
)

type object map[string]json.RawMessage

func decodeObject(raw json.RawMessage) (object, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var o object
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, false
	}
	return o, true
}

func (o object) str(key string) string {
	raw, ok := o[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func (o object) obj(key string) (object, bool) {
	raw, ok := o[key]
	if !ok {
		return nil, false
	}
	return decodeObject(raw)
}

// Classify converts one raw event into an Event. Unrecognised types
// classify as KindUnknown without error.
func Classify(raw string) (Event, error) {
	root, ok := decodeObject(json.RawMessage(raw))
	if !ok {
		return Event{}, fmt.Errorf("event is not a json object")
	}
	typ := strings.ToUpper(root.str("type"))
	if typ == "" {
		return Event{}, ErrMissingType
	}
	ev := Event{Type: typ}

	switch typ {
	case "ITEM_META_ADDED", "ITEM_ADDED", "ITEM_UPDATED":
		return classifyMeta(ev, root)
	case "PEER_FOUND", "PEER_CHANGED":
		return classifyPeer(ev, root, forceNone)
	case "PEER_ONLINE":
		return classifyPeer(ev, root, forceOnline)
	case "PEER_OFFLINE":
		return classifyPeer(ev, root, forceOffline)
	case "CONTENT_CACHED":
		return classifyContentCached(ev, root)
	case "TRANSFER_FAILED":
		return classifyTransferFailed(ev, root)
	case "TRANSFER_UPDATED", "TRANSFER_PROGRESS":
		return classifyTransferUpdate(ev, root)
	case "LOG_WRITTEN", "LOGS_BATCH_WRITTEN":
		ev.Kind = KindLogWritten
		return ev, nil
	default:
		ev.Kind = KindUnknown
		return ev, nil
	}
}

func classifyMeta(ev Event, root object) (Event, error) {
	var metaRaw json.RawMessage
	if _, ok := root.obj("meta"); ok {
		metaRaw = root["meta"]
	} else if payload, ok := root.obj("payload"); ok {
		if _, ok := payload.obj("meta"); ok {
			metaRaw = payload["meta"]
		} else if envelope.LooksLikeItemMeta(root["payload"]) {
			metaRaw = root["payload"]
		}
	}
	if metaRaw == nil {
		return ev, ErrMissingMeta
	}

	var meta envelope.ItemMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return ev, fmt.Errorf("decode item meta: %w", err)
	}
	if strings.TrimSpace(meta.ItemID) == "" {
		return ev, fmt.Errorf("item meta has no item_id")
	}
	ev.Kind = KindItemMeta
	ev.Item = &meta
	return ev, nil
}

func classifyPeer(ev Event, root object, force onlineForce) (Event, error) {
	patch := root["payload"]
	body, ok := decodeObject(patch)
	if !ok {
		// peer_changed is emitted with its fields at the top level
		body = root
		trimmed := make(object, len(root))
		for k, v := range root {
			if k != "type" && k != "ts_ms" {
				trimmed[k] = v
			}
		}
		b, err := json.Marshal(trimmed)
		if err != nil {
			return ev, fmt.Errorf("re-encode peer: %w", err)
		}
		patch = b
	}

	id := body.str("device_id")
	if id == "" {
		return ev, ErrMissingDeviceID
	}
	ev.Kind = KindPeer
	ev.PeerID = id
	ev.PeerPatch = patch
	ev.force = force
	return ev, nil
}

// transferContainer returns the object holding transfer fields: the root
// when it names a transfer_id, otherwise the payload object.
func transferContainer(root object) object {
	if root.str("transfer_id") != "" {
		return root
	}
	if payload, ok := root.obj("payload"); ok {
		return payload
	}
	return root
}

func classifyContentCached(ev Event, root object) (Event, error) {
	c := transferContainer(root)
	id := c.str("transfer_id")
	if id == "" {
		return ev, ErrMissingTransferID
	}

	ref := envelope.LocalContentRef{TransferID: id, ItemID: c.str("item_id")}
	if local, ok := c.obj("local_ref"); ok {
		var lr envelope.LocalContentRef
		if err := json.Unmarshal(c["local_ref"], &lr); err != nil {
			return ev, fmt.Errorf("decode local_ref: %w", err)
		}
		ref.Kind = lr.Kind
		ref.Mime = lr.Mime
		ref.TextUTF8 = lr.TextUTF8
		ref.LocalPath = lr.LocalPath
		ref.Sha256 = lr.Sha256
		ref.TotalBytes = lr.TotalBytes
		if ref.ItemID == "" {
			ref.ItemID = local.str("item_id")
		}
	}

	ev.Kind = KindContentCached
	ev.TransferID = id
	ev.Ref = &ref
	return ev, nil
}

func classifyTransferFailed(ev Event, root object) (Event, error) {
	c := root
	if _, ok := root.obj("detail"); !ok && root.str("transfer_id") == "" {
		if payload, ok := root.obj("payload"); ok {
			c = payload
		}
	}

	var id, reason string
	if detail, ok := c.obj("detail"); ok {
		id = detail.str("transfer_id")
		reason = detail.str("message")
		if reason == "" {
			reason = detail.str("error")
		}
	}
	if id == "" {
		id = c.str("transfer_id")
	}
	if id == "" {
		return ev, ErrMissingTransferID
	}

	ev.Kind = KindTransferFailed
	ev.TransferID = id
	ev.Reason = reason
	return ev, nil
}

func classifyTransferUpdate(ev Event, root object) (Event, error) {
	raw := json.RawMessage(nil)
	if root.str("transfer_id") != "" {
		b, err := json.Marshal(root)
		if err != nil {
			return ev, err
		}
		raw = b
	} else if _, ok := root.obj("payload"); ok {
		raw = root["payload"]
	}
	if raw == nil {
		return ev, ErrMissingTransferID
	}

	var u envelope.TransferUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return ev, fmt.Errorf("decode transfer update: %w", err)
	}
	if u.TransferID == "" {
		return ev, ErrMissingTransferID
	}
	ev.Kind = KindTransferUpdate
	ev.TransferID = u.TransferID
	ev.Transfer = &u
	return ev, nil
}
