package store

import "database/sql"

const sessionColumns = `id, target_id, target_type, last_message_outbound, last_message_sender,
	last_message_at, last_message_payload, last_message_options, is_top, un_read_count`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.TargetID, &s.TargetType, &s.LastMessageOutbound,
		&s.LastMessageSender, &s.LastMessageAt, &s.LastMessagePayload,
		&s.LastMessageOptions, &s.IsTop, &s.UnReadCount)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSession inserts or updates a session row. The unread count
// accumulates rather than being overwritten, so repeated inbound messages
// keep incrementing until explicitly cleared. Returns the stored row.
func (db *DB) UpsertSession(s *Session) (*Session, error) {
	_, err := db.Exec(`
		INSERT INTO sessions (target_id, target_type, last_message_outbound, last_message_sender,
			last_message_at, last_message_payload, last_message_options, is_top, un_read_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id, target_type) DO UPDATE SET
			last_message_outbound = excluded.last_message_outbound,
			last_message_sender = excluded.last_message_sender,
			last_message_at = excluded.last_message_at,
			last_message_payload = excluded.last_message_payload,
			last_message_options = excluded.last_message_options,
			un_read_count = sessions.un_read_count + excluded.un_read_count`,
		s.TargetID, s.TargetType, s.LastMessageOutbound, s.LastMessageSender,
		s.LastMessageAt, s.LastMessagePayload, s.LastMessageOptions, s.IsTop, s.UnReadCount)
	if err != nil {
		return nil, err
	}
	return db.GetSession(s.TargetID, s.TargetType)
}

// GetSession returns a single session, or nil when absent.
func (db *DB) GetSession(targetID string, targetType TargetType) (*Session, error) {
	s, err := scanSession(db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE target_id = ? AND target_type = ?`, targetID, targetType))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// ListSessions returns sessions with pinned conversations first, then by
// recency.
func (db *DB) ListSessions(limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT `+sessionColumns+` FROM sessions
		ORDER BY is_top DESC, last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// ClearSessionUnread resets the unread counter after a read-all.
func (db *DB) ClearSessionUnread(targetID string, targetType TargetType) error {
	_, err := db.Exec(`
		UPDATE sessions SET un_read_count = 0
		WHERE target_id = ? AND target_type = ?`, targetID, targetType)
	return err
}

// SetSessionTop pins or unpins a conversation.
func (db *DB) SetSessionTop(targetID string, targetType TargetType, top bool) error {
	_, err := db.Exec(`
		UPDATE sessions SET is_top = ?
		WHERE target_id = ? AND target_type = ?`, top, targetID, targetType)
	return err
}

// DeleteSession removes the session row for a target.
func (db *DB) DeleteSession(targetID string, targetType TargetType) error {
	_, err := db.Exec(`
		DELETE FROM sessions WHERE target_id = ? AND target_type = ?`, targetID, targetType)
	return err
}
