package store

import (
	"database/sql"
	"time"
)

const contactColumns = `id, address, type, first_name, last_name, avatar,
	profile_version, profile_expires_at, created_at, updated_at`

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.Address, &c.Type, &c.FirstName, &c.LastName,
		&c.Avatar, &c.ProfileVersion, &c.ProfileExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertContact stores a new contact row. Fails with a unique violation if
// the address already exists; callers resolve that by re-reading.
func (db *DB) InsertContact(c *Contact) error {
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	res, err := db.Exec(`
		INSERT INTO contacts (address, type, first_name, last_name, avatar,
			profile_version, profile_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Address, c.Type, c.FirstName, c.LastName, c.Avatar,
		c.ProfileVersion, c.ProfileExpiresAt, c.CreatedAt, now)
	if err != nil {
		return err
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// GetContact returns the contact for an address, or nil when absent.
func (db *DB) GetContact(address string) (*Contact, error) {
	c, err := scanContact(db.QueryRow(`
		SELECT `+contactColumns+` FROM contacts WHERE address = ?`, address))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// UpdateContact writes the full mutable field set of an existing row.
func (db *DB) UpdateContact(c *Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE contacts SET type = ?, first_name = ?, last_name = ?, avatar = ?,
			profile_version = ?, profile_expires_at = ?, updated_at = ?
		WHERE address = ?`,
		c.Type, c.FirstName, c.LastName, c.Avatar,
		c.ProfileVersion, c.ProfileExpiresAt, now, c.Address)
	return err
}

// SetContactProfile applies the result of a full profile exchange.
func (db *DB) SetContactProfile(address, firstName, avatar, version string, expiresAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE contacts SET first_name = ?, avatar = ?, profile_version = ?,
			profile_expires_at = ?, updated_at = ?
		WHERE address = ?`,
		firstName, avatar, version, expiresAt, now, address)
	return err
}

// TouchContactExpiry extends the freshness horizon without changing the
// profile.
func (db *DB) TouchContactExpiry(address string, expiresAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE contacts SET profile_expires_at = ?, updated_at = ? WHERE address = ?`,
		expiresAt, now, address)
	return err
}

// ListContacts returns contacts of an optional type, newest first.
func (db *DB) ListContacts(ctype *ContactType, limit, offset int) ([]Contact, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + contactColumns + ` FROM contacts`
	args := []any{}
	if ctype != nil {
		query += ` WHERE type = ?`
		args = append(args, *ctype)
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}
