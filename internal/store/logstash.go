package store

import (
	"database/sql"
	"fmt"

	"clipbridge/internal/envelope"
)

// StashedLog is a shell log record waiting for the engine to become ready.
type StashedLog struct {
	ID int64
	envelope.LogWrite
}

// StashLogs appends records to the spool in order and trims the spool to
// its cap. It returns how many old rows the trim removed.
func (s *Store) StashLogs(recs []envelope.LogWrite) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO log_stash (level, component, category, message, message_zh, exception, props_json, ts_utc_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.Exec(r.Level, r.Component, r.Category, r.Message,
			nullable(r.MessageZh), nullable(r.Exception), nullable(r.PropsJSON), r.TsUtcMs); err != nil {
			return 0, fmt.Errorf("stash log: %w", err)
		}
	}

	res, err := tx.Exec(`
		DELETE FROM log_stash WHERE id IN (
			SELECT id FROM log_stash ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, s.opts.StashCap)
	if err != nil {
		return 0, fmt.Errorf("trim log stash: %w", err)
	}
	trimmed, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return trimmed, nil
}

// StashedLogs returns up to limit spooled records in id order.
func (s *Store) StashedLogs(limit int) ([]StashedLog, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`
		SELECT id, level, component, category, message, message_zh, exception, props_json, ts_utc_ms
		FROM log_stash ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query log stash: %w", err)
	}
	defer rows.Close()

	var out []StashedLog
	for rows.Next() {
		var l StashedLog
		var zh, exc, props sql.NullString
		if err := rows.Scan(&l.ID, &l.Level, &l.Component, &l.Category, &l.Message, &zh, &exc, &props, &l.TsUtcMs); err != nil {
			return nil, fmt.Errorf("scan stashed log: %w", err)
		}
		l.MessageZh = fromNullable(zh)
		l.Exception = fromNullable(exc)
		l.PropsJSON = fromNullable(props)
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteStashedThrough removes spooled records with id <= maxID.
func (s *Store) DeleteStashedThrough(maxID int64) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(`DELETE FROM log_stash WHERE id <= ?`, maxID)
	if err != nil {
		return 0, fmt.Errorf("delete stashed logs: %w", err)
	}
	return res.RowsAffected()
}

// StashCount returns the number of spooled records.
func (s *Store) StashCount() (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM log_stash`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stashed logs: %w", err)
	}
	return n, nil
}
