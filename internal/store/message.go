package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nknorg/d-chat/internal/payload"
)

const messageColumns = `id, payload_id, transport_id, sender, receiver, target_id, target_type,
	status, is_outbound, sent_at, received_at, is_deleted, deleted_at,
	content_type, content, options, device_id`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.PayloadID, &m.TransportID, &m.Sender, &m.Receiver,
		&m.TargetID, &m.TargetType, &m.Status, &m.IsOutbound, &m.SentAt,
		&m.ReceivedAt, &m.IsDeleted, &m.DeletedAt, &m.ContentType, &m.Content,
		&m.Options, &m.DeviceID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage stores a message row without dedup (fragments, local rows).
func (db *DB) InsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (payload_id, transport_id, sender, receiver, target_id, target_type,
			status, is_outbound, sent_at, received_at, is_deleted, deleted_at,
			content_type, content, options, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PayloadID, m.TransportID, m.Sender, m.Receiver, m.TargetID, m.TargetType,
		m.Status, m.IsOutbound, m.SentAt, m.ReceivedAt, m.IsDeleted, m.DeletedAt,
		m.ContentType, m.Content, m.Options, m.DeviceID, now)
	if err != nil {
		return err
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// InsertMessageUnique stores a message with dedup by payload id. Redelivery
// of an already-stored payload id returns inserted=false and leaves the
// existing row untouched.
func (db *DB) InsertMessageUnique(m *Message) (inserted bool, err error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO messages (payload_id, transport_id, sender, receiver, target_id, target_type,
			status, is_outbound, sent_at, received_at, is_deleted, deleted_at,
			content_type, content, options, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_id) WHERE content_type != 'piece' DO NOTHING`,
		m.PayloadID, m.TransportID, m.Sender, m.Receiver, m.TargetID, m.TargetType,
		m.Status, m.IsOutbound, m.SentAt, m.ReceivedAt, m.IsDeleted, m.DeletedAt,
		m.ContentType, m.Content, m.Options, m.DeviceID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	m.ID, _ = res.LastInsertId()
	return true, nil
}

// GetMessageByPayloadID returns the non-fragment row for a payload id.
func (db *DB) GetMessageByPayloadID(payloadID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE payload_id = ? AND content_type != 'piece'`, payloadID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// HasMessage reports whether a row with the given payload id and content
// type exists.
func (db *DB) HasMessage(payloadID string, ct payload.ContentType) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE payload_id = ? AND content_type = ?`,
		payloadID, ct).Scan(&n)
	return n > 0, err
}

// MergeStatus ORs the given bits into the message status and stamps the
// receive time. Bits are never cleared. Returns the updated row, or nil if
// no row matches.
func (db *DB) MergeStatus(payloadID string, flag payload.Status, receivedAt int64) (*Message, error) {
	_, err := db.Exec(`
		UPDATE messages SET status = status | ?, received_at = MAX(received_at, ?)
		WHERE payload_id = ? AND content_type != 'piece' AND is_deleted = 0`,
		flag, receivedAt, payloadID)
	if err != nil {
		return nil, err
	}
	return db.GetMessageByPayloadID(payloadID)
}

// MergeStatusBatch ORs the given bits into every message matching the
// payload ids as a single transaction, so no reader observes a partially
// applied batch. Returns the updated rows.
func (db *DB) MergeStatusBatch(payloadIDs []string, flag payload.Status) ([]Message, error) {
	if len(payloadIDs) == 0 {
		return nil, nil
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.Repeat("?,", len(payloadIDs)-1) + "?"
	args := make([]any, 0, len(payloadIDs))
	for _, id := range payloadIDs {
		args = append(args, id)
	}

	if _, err := tx.Exec(`
		UPDATE messages SET status = status | `+fmt.Sprint(int(flag))+`
		WHERE payload_id IN (`+placeholders+`) AND content_type != 'piece' AND is_deleted = 0`,
		args...); err != nil {
		return nil, fmt.Errorf("merge status batch: %w", err)
	}

	rows, err := tx.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE payload_id IN (`+placeholders+`) AND content_type != 'piece' AND is_deleted = 0`,
		args...)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return msgs, nil
}

// ListMessages returns visible history for a target, newest first, with
// offset/limit pagination.
func (db *DB) ListMessages(targetID string, targetType TargetType, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE target_id = ? AND target_type = ? AND is_deleted = 0
		ORDER BY sent_at DESC
		LIMIT ? OFFSET ?`, targetID, targetType, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ListPieces returns all stored fragments sharing the owning payload id,
// soft-deleted rows included.
func (db *DB) ListPieces(payloadID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE payload_id = ? AND content_type = 'piece'`, payloadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MarkPiecesDeleted stamps the fragments of a payload id as deleted after
// reassembly.
func (db *DB) MarkPiecesDeleted(payloadID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages SET is_deleted = 1, deleted_at = ?
		WHERE payload_id = ? AND content_type = 'piece'`, now, payloadID)
	return err
}

// UnreadMessages returns inbound, not yet read, visible messages for a
// target.
func (db *DB) UnreadMessages(targetID string, targetType TargetType) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE target_id = ? AND target_type = ? AND is_outbound = 0 AND is_deleted = 0
			AND (status & ?) = 0`,
		targetID, targetType, payload.StatusRead)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// UnreadCount returns the total number of unread inbound messages.
func (db *DB) UnreadCount() (int64, error) {
	var n int64
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE is_outbound = 0 AND is_deleted = 0 AND content_type != 'piece'
			AND (status & ?) = 0`, payload.StatusRead).Scan(&n)
	return n, err
}

// MarkReadByTarget ORs the read bit into every inbound message of a target
// in one statement.
func (db *DB) MarkReadByTarget(targetID string, targetType TargetType) error {
	_, err := db.Exec(`
		UPDATE messages SET status = status | ?
		WHERE target_id = ? AND target_type = ? AND is_outbound = 0 AND is_deleted = 0`,
		payload.StatusRead, targetID, targetType)
	return err
}

// MarkMessagesDeleted soft-deletes all history of a target.
func (db *DB) MarkMessagesDeleted(targetID string, targetType TargetType) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages SET is_deleted = 1, deleted_at = ?
		WHERE target_id = ? AND target_type = ? AND is_deleted = 0`,
		now, targetID, targetType)
	return err
}
