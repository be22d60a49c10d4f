package store

import (
	"database/sql"
	"time"
)

// PutMedia stores or replaces a media cache item.
func (db *DB) PutMedia(m *MediaItem) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.LastAccessed == 0 {
		m.LastAccessed = now
	}
	if m.Size == 0 {
		m.Size = int64(len(m.Source))
	}
	_, err := db.Exec(`
		INSERT INTO media_cache (id, media_type, source, thumbnail, size, created_at, last_accessed, expires_at, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			media_type = excluded.media_type,
			source = excluded.source,
			thumbnail = excluded.thumbnail,
			size = excluded.size,
			last_accessed = excluded.last_accessed,
			expires_at = excluded.expires_at,
			tags = excluded.tags`,
		m.ID, m.MediaType, m.Source, m.Thumbnail, m.Size,
		m.CreatedAt, m.LastAccessed, m.ExpiresAt, m.Tags)
	return err
}

// GetMedia returns a cached item and bumps its last-accessed stamp.
func (db *DB) GetMedia(id string) (*MediaItem, error) {
	var m MediaItem
	err := db.QueryRow(`
		SELECT id, media_type, source, thumbnail, size, created_at, last_accessed, expires_at, tags
		FROM media_cache WHERE id = ?`, id).
		Scan(&m.ID, &m.MediaType, &m.Source, &m.Thumbnail, &m.Size,
			&m.CreatedAt, &m.LastAccessed, &m.ExpiresAt, &m.Tags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	_, _ = db.Exec(`UPDATE media_cache SET last_accessed = ? WHERE id = ?`, now, id)
	m.LastAccessed = now
	return &m, nil
}

// DeleteMedia removes a cached item, e.g. a replaced avatar.
func (db *DB) DeleteMedia(id string) error {
	_, err := db.Exec(`DELETE FROM media_cache WHERE id = ?`, id)
	return err
}

// SweepExpiredMedia deletes every item whose expiry has passed and returns
// how many were removed.
func (db *DB) SweepExpiredMedia(now int64) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM media_cache WHERE expires_at > 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
