package store

import (
	"database/sql"
	"time"
)

const topicColumns = `id, topic, joined, subscribe_at, expire_height, count,
	avatar, created_at, updated_at`

func scanTopic(row interface{ Scan(...any) error }) (*Topic, error) {
	var t Topic
	err := row.Scan(&t.ID, &t.Topic, &t.Joined, &t.SubscribeAt, &t.ExpireHeight,
		&t.Count, &t.Avatar, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTopic returns the local row for a topic, or nil when absent.
func (db *DB) GetTopic(topic string) (*Topic, error) {
	t, err := scanTopic(db.QueryRow(`
		SELECT `+topicColumns+` FROM topics WHERE topic = ?`, topic))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// UpsertTopic inserts or replaces the mutable fields of a topic row.
func (db *DB) UpsertTopic(t *Topic) error {
	now := time.Now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO topics (topic, joined, subscribe_at, expire_height, count, avatar, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic) DO UPDATE SET
			joined = excluded.joined,
			subscribe_at = excluded.subscribe_at,
			expire_height = excluded.expire_height,
			count = excluded.count,
			avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE topics.avatar END,
			updated_at = excluded.updated_at`,
		t.Topic, t.Joined, t.SubscribeAt, t.ExpireHeight, t.Count, t.Avatar, t.CreatedAt, now)
	return err
}

// SetTopicJoined flips local membership without touching the cached count.
func (db *DB) SetTopicJoined(topic string, joined bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE topics SET joined = ?, updated_at = ? WHERE topic = ?`, joined, now, topic)
	return err
}

// AdjustTopicCount shifts the cached subscriber count, clamped at zero.
// A topic with no local row yet gets one, so incremental updates arriving
// before the first full sync are not lost.
func (db *DB) AdjustTopicCount(topic string, delta int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO topics (topic, joined, subscribe_at, expire_height, count, avatar, created_at, updated_at)
		VALUES (?, 0, 0, 0, MAX(0, ?), '', ?, ?)
		ON CONFLICT(topic) DO UPDATE SET
			count = MAX(0, topics.count + ?),
			updated_at = excluded.updated_at`,
		topic, delta, now, now, delta)
	return err
}

// ListJoinedTopics returns every topic the local user is a member of.
func (db *DB) ListJoinedTopics() ([]Topic, error) {
	rows, err := db.Query(`
		SELECT ` + topicColumns + ` FROM topics WHERE joined = 1 ORDER BY topic`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var topics []Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		topics = append(topics, *t)
	}
	return topics, rows.Err()
}
