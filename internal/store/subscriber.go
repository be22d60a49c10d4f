package store

import (
	"database/sql"
	"time"
)

const subscriberColumns = `id, topic, contact_address, status, created_at, updated_at`

func scanSubscriber(row interface{ Scan(...any) error }) (*Subscriber, error) {
	var s Subscriber
	err := row.Scan(&s.ID, &s.Topic, &s.ContactAddress, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSubscriber inserts or refreshes one cached membership row.
func (db *DB) UpsertSubscriber(s *Subscriber) error {
	now := time.Now().UnixMilli()
	if s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	_, err := db.Exec(`
		INSERT INTO subscribers (topic, contact_address, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(topic, contact_address) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		s.Topic, s.ContactAddress, s.Status, s.CreatedAt, now)
	return err
}

// GetSubscriber returns one membership row, or nil when absent.
func (db *DB) GetSubscriber(topic, address string) (*Subscriber, error) {
	s, err := scanSubscriber(db.QueryRow(`
		SELECT `+subscriberColumns+` FROM subscribers
		WHERE topic = ? AND contact_address = ?`, topic, address))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// ListSubscribers returns all cached members of a topic.
func (db *DB) ListSubscribers(topic string) ([]Subscriber, error) {
	rows, err := db.Query(`
		SELECT `+subscriberColumns+` FROM subscribers
		WHERE topic = ? ORDER BY contact_address`, topic)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

// DeleteSubscriber removes one membership row.
func (db *DB) DeleteSubscriber(topic, address string) error {
	_, err := db.Exec(`
		DELETE FROM subscribers WHERE topic = ? AND contact_address = ?`, topic, address)
	return err
}

// CountSubscribers returns the number of cached members of a topic.
func (db *DB) CountSubscribers(topic string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM subscribers WHERE topic = ?`, topic).Scan(&n)
	return n, err
}
