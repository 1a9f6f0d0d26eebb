package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Conversation types.
const (
	ConversationOneToOne = "ONE_TO_ONE"
	ConversationGroup    = "GROUP"
)

// Conversation is a one-to-one or group thread belonging to one user.
type Conversation struct {
	ID            int64
	UserID        int64
	Type          string
	ThreadKey     sql.NullString // GROUP only
	Name          sql.NullString
	LastMessageAt sql.NullInt64 // epoch milliseconds
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsGroup reports whether the conversation is a group thread.
func (c *Conversation) IsGroup() bool {
	return c.Type == ConversationGroup
}

const conversationColumns = `c.id, c.user_id, c.conversation_type, c.thread_key, c.name, c.last_message_at, c.created_at, c.updated_at`

// Candidate ordering when several rows share one identity: most recent
// activity first, then lowest id.
const conversationPreference = `ORDER BY (c.last_message_at IS NULL), c.last_message_at DESC, c.id ASC`

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Type, &c.ThreadKey, &c.Name, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

func optionalConversation(c *Conversation, err error) (*Conversation, error) {
	if err == ErrNotFound {
		return nil, nil
	}
	return c, err
}

// GetConversation returns a conversation by id, or ErrNotFound.
func (s *Store) GetConversation(id int64) (*Conversation, error) {
	return scanConversation(s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`, id))
}

// FindOneToOneConversation returns the user's one-to-one conversation with
// the given participant contact. Returns nil, nil if none exists.
func (s *Store) FindOneToOneConversation(userID, contactID int64) (*Conversation, error) {
	return optionalConversation(scanConversation(s.db.QueryRow(`
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE c.user_id = ? AND c.conversation_type = ? AND cp.contact_id = ?
		`+conversationPreference+`
		LIMIT 1
	`, userID, ConversationOneToOne, contactID)))
}

// FindGroupConversation returns the user's group conversation for a thread
// key. Returns nil, nil if none exists.
func (s *Store) FindGroupConversation(userID int64, threadKey string) (*Conversation, error) {
	return optionalConversation(scanConversation(s.db.QueryRow(`
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.user_id = ? AND c.conversation_type = ? AND c.thread_key = ?
		`+conversationPreference+`
		LIMIT 1
	`, userID, ConversationGroup, threadKey)))
}

// SaveConversation inserts a new conversation (ID == 0) or updates an
// existing one's name and last-message time.
func (s *Store) SaveConversation(c *Conversation) error {
	if c.ID != 0 {
		_, err := s.db.Exec(`
			UPDATE conversations SET name = ?, last_message_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, c.Name, c.LastMessageAt, c.ID)
		if err != nil {
			return fmt.Errorf("update conversation %d: %w", c.ID, err)
		}
		return nil
	}

	res, err := s.db.Exec(`
		INSERT INTO conversations (user_id, conversation_type, thread_key, name, last_message_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.UserID, c.Type, c.ThreadKey, c.Name, c.LastMessageAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
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

// AddConversationParticipants links contacts to a conversation. Existing
// links are left alone.
func (s *Store) AddConversationParticipants(conversationID int64, contactIDs ...int64) error {
	if len(contactIDs) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO conversation_participants (conversation_id, contact_id) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range contactIDs {
			if _, err := stmt.Exec(conversationID, id); err != nil {
				return fmt.Errorf("add participant %d to conversation %d: %w", id, conversationID, err)
			}
		}
		return nil
	})
}

// ConversationParticipants returns the contacts linked to a conversation.
func (s *Store) ConversationParticipants(conversationID int64) ([]*Contact, error) {
	rows, err := s.db.Query(`
		SELECT `+contactColumns+` FROM contacts
		WHERE id IN (SELECT contact_id FROM conversation_participants WHERE conversation_id = ?)
		ORDER BY normalized_number
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
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

// TouchConversation advances last_message_at to at if it is newer.
func (s *Store) TouchConversation(conversationID, at int64) error {
	_, err := s.db.Exec(`
		UPDATE conversations
		SET last_message_at = MAX(COALESCE(last_message_at, 0), ?), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, at, conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation %d: %w", conversationID, err)
	}
	return nil
}

// ListConversations returns a user's conversations, most recent first.
func (s *Store) ListConversations(userID int64) ([]*Conversation, error) {
	rows, err := s.db.Query(`
		SELECT `+conversationColumns+` FROM conversations c
		WHERE c.user_id = ?
		`+conversationPreference, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
