package store

import (
	"encoding/json"
	"fmt"

	"clipbridge/internal/envelope"
)

// SavePeer records the latest known state of a peer.
func (s *Store) SavePeer(p envelope.PeerMeta) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode peer: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO peer_cache (device_id, name, meta_json, updated_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name, meta_json = excluded.meta_json, updated_ms = excluded.updated_ms`,
		p.DeviceID, p.Name, string(b), s.nowMs())
	if err != nil {
		return fmt.Errorf("save peer: %w", err)
	}
	return nil
}

// RemovePeer forgets a peer.
func (s *Store) RemovePeer(deviceID string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM peer_cache WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("remove peer: %w", err)
	}
	return nil
}

// Peers returns cached peers ordered by name. Cached peers are always
// reported offline since their presence is unknown.
func (s *Store) Peers() ([]envelope.PeerMeta, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT meta_json FROM peer_cache ORDER BY name COLLATE NOCASE, device_id`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	out := []envelope.PeerMeta{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		var p envelope.PeerMeta
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode peer: %w", err)
		}
		p.IsOnline = false
		p.State = envelope.DefaultPeerState
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveHistoryItem records an item and trims the cache to its cap.
func (s *Store) SaveHistoryItem(m envelope.ItemMeta) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO history_cache (item_id, kind, created_ts_ms, preview_text, meta_json, seen_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			kind = excluded.kind, created_ts_ms = excluded.created_ts_ms,
			preview_text = excluded.preview_text, meta_json = excluded.meta_json, seen_ms = excluded.seen_ms`,
		m.ItemID, m.Kind, m.CreatedTsMs, m.PreviewText(), string(b), s.nowMs())
	if err != nil {
		return fmt.Errorf("save history item: %w", err)
	}
	_, err = tx.Exec(`
		DELETE FROM history_cache WHERE item_id IN (
			SELECT item_id FROM history_cache ORDER BY created_ts_ms DESC, seen_ms DESC LIMIT -1 OFFSET ?
		)`, s.opts.HistoryCap)
	if err != nil {
		return fmt.Errorf("trim history cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RemoveHistoryItem forgets an item.
func (s *Store) RemoveHistoryItem(itemID string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM history_cache WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("remove history item: %w", err)
	}
	return nil
}

// History returns up to limit cached items, newest first.
func (s *Store) History(limit int) ([]envelope.ItemMeta, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT meta_json FROM history_cache
		ORDER BY created_ts_ms DESC, seen_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []envelope.ItemMeta{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan history item: %w", err)
		}
		var m envelope.ItemMeta
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode history item: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Stats summarises the store's tables.
type Stats struct {
	StashedLogs   int64 `json:"stashed_logs"`
	CachedPeers   int64 `json:"cached_peers"`
	CachedItems   int64 `json:"cached_items"`
	SchemaVersion uint  `json:"schema_version"`
}

// GetStats returns row counts per table.
func (s *Store) GetStats() (*Stats, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var st Stats
	err = db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM log_stash),
			(SELECT COUNT(*) FROM peer_cache),
			(SELECT COUNT(*) FROM history_cache)`).Scan(&st.StashedLogs, &st.CachedPeers, &st.CachedItems)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	if v, err := s.Version(); err == nil {
		st.SchemaVersion = v
	}
	return &st, nil
}
