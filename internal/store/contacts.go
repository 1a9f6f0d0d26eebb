package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Contact is a phone number known to one user.
type Contact struct {
	ID               int64
	UserID           int64
	Number           string
	NormalizedNumber string
	Name             sql.NullString
	MergedInto       sql.NullInt64
	MergedAt         sql.NullTime
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether the contact has not been merged into another.
func (c *Contact) Active() bool {
	return !c.MergedInto.Valid
}

// DisplayName returns the contact's name, or its number when unnamed.
func (c *Contact) DisplayName() string {
	if c.Name.Valid && c.Name.String != "" {
		return c.Name.String
	}
	return c.Number
}

var (
	// ErrContactExists is returned when saving a second active contact for
	// the same normalized number.
	ErrContactExists = errors.New("active contact already exists for number")
	// ErrInvalidMerge is returned for merges that would break lineage.
	ErrInvalidMerge = errors.New("invalid contact merge")
)

// maxMergeDepth bounds lineage traversal.
const maxMergeDepth = 32

const contactColumns = `id, user_id, number, normalized_number, name, merged_into, merged_at, created_at, updated_at`

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.UserID, &c.Number, &c.NormalizedNumber, &c.Name,
		&c.MergedInto, &c.MergedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}
	return &c, nil
}

// GetContact returns a contact by id, or ErrNotFound.
func (s *Store) GetContact(id int64) (*Contact, error) {
	return scanContact(s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
}

// FindActiveContact returns the active contact for a normalized number.
// When the number only belongs to merged contacts, the merge chain is
// followed to the surviving contact. Returns nil, nil if none exists.
func (s *Store) FindActiveContact(userID int64, normalized string) (*Contact, error) {
	c, err := scanContact(s.db.QueryRow(`
		SELECT `+contactColumns+` FROM contacts
		WHERE user_id = ? AND normalized_number = ? AND merged_into IS NULL
	`, userID, normalized))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var target int64
	err = s.db.QueryRow(`
		SELECT merged_into FROM contacts
		WHERE user_id = ? AND normalized_number = ? AND merged_into IS NOT NULL
		ORDER BY merged_at DESC, id DESC
		LIMIT 1
	`, userID, normalized).Scan(&target)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find merged contact: %w", err)
	}
	return s.followMerge(target)
}

func (s *Store) followMerge(id int64) (*Contact, error) {
	for i := 0; i < maxMergeDepth; i++ {
		c, err := s.GetContact(id)
		if err != nil {
			return nil, fmt.Errorf("follow merge lineage: %w", err)
		}
		if c.Active() {
			return c, nil
		}
		id = c.MergedInto.Int64
	}
	return nil, fmt.Errorf("follow merge lineage from contact %d: chain exceeds %d links", id, maxMergeDepth)
}

// SaveContact inserts a new contact (ID == 0) or updates the mutable fields
// of an existing one.
func (s *Store) SaveContact(c *Contact) error {
	if c.ID != 0 {
		_, err := s.db.Exec(`
			UPDATE contacts SET name = ?, merged_into = ?, merged_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, c.Name, c.MergedInto, c.MergedAt, c.ID)
		if err != nil {
			return fmt.Errorf("update contact %d: %w", c.ID, err)
		}
		return nil
	}

	res, err := s.db.Exec(`
		INSERT INTO contacts (user_id, number, normalized_number, name)
		VALUES (?, ?, ?, ?)
	`, c.UserID, c.Number, c.NormalizedNumber, c.Name)
	if err != nil {
		if isSQLiteError(err, "UNIQUE constraint failed") {
			return fmt.Errorf("insert contact %s: %w", c.NormalizedNumber, ErrContactExists)
		}
		return fmt.Errorf("insert contact %s: %w", c.NormalizedNumber, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// ListContacts returns a user's contacts, merged ones included, by id.
func (s *Store) ListContacts(userID int64) ([]*Contact, error) {
	rows, err := s.db.Query(`SELECT `+contactColumns+` FROM contacts WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MergeContacts folds contact fromID into intoID. The merged contact keeps
// its row with lineage fields set; conversation membership, sent-message
// references and earlier merges into it move to the surviving contact.
// The surviving contact inherits the merged name when it has none.
func (s *Store) MergeContacts(userID, intoID, fromID int64) error {
	if intoID == fromID {
		return fmt.Errorf("%w: contact %d merged into itself", ErrInvalidMerge, intoID)
	}
	into, err := s.GetContact(intoID)
	if err != nil {
		return fmt.Errorf("merge target %d: %w", intoID, err)
	}
	from, err := s.GetContact(fromID)
	if err != nil {
		return fmt.Errorf("merge source %d: %w", fromID, err)
	}
	if into.UserID != userID || from.UserID != userID {
		return fmt.Errorf("%w: contacts belong to another user", ErrInvalidMerge)
	}
	if !into.Active() || !from.Active() {
		return fmt.Errorf("%w: contact already merged", ErrInvalidMerge)
	}

	now := time.Now().UTC()
	return s.withTx(func(tx *sql.Tx) error {
		stmts := []struct {
			query string
			args  []any
		}{
			{`UPDATE contacts SET merged_into = ?, merged_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
				[]any{intoID, now, fromID}},
			{`UPDATE contacts SET merged_into = ? WHERE merged_into = ?`,
				[]any{intoID, fromID}},
			{`INSERT OR IGNORE INTO conversation_participants (conversation_id, contact_id)
			  SELECT conversation_id, ? FROM conversation_participants WHERE contact_id = ?`,
				[]any{intoID, fromID}},
			{`DELETE FROM conversation_participants WHERE contact_id = ?`,
				[]any{fromID}},
			{`UPDATE messages SET sender_contact_id = ? WHERE sender_contact_id = ?`,
				[]any{intoID, fromID}},
			{`UPDATE contacts SET name = ?, updated_at = CURRENT_TIMESTAMP
			  WHERE id = ? AND (name IS NULL OR name = '')`,
				[]any{from.Name, intoID}},
		}
		for _, st := range stmts {
			if _, err := tx.Exec(st.query, st.args...); err != nil {
				return fmt.Errorf("merge contact %d into %d: %w", fromID, intoID, err)
			}
		}
		return nil
	})
}
