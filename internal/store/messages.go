package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/JoshFouchey/sms-archive-sub000/internal/dedup"
)

// Message protocols.
const (
	ProtocolSMS = "SMS"
	ProtocolMMS = "MMS"
	ProtocolRCS = "RCS"
)

// Message directions.
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// Message is an archived message.
type Message struct {
	ID              int64
	UserID          int64
	ConversationID  int64
	Protocol        string
	Direction       string
	Box             int
	SenderContactID sql.NullInt64 // NULL for the owner's own messages
	SentAt          int64         // epoch milliseconds
	Body            string
	Parts           []*MessagePart
}

// Timestamp returns SentAt as a UTC time.
func (m *Message) Timestamp() time.Time {
	return time.UnixMilli(m.SentAt).UTC()
}

// DuplicateKey returns the message's duplicate-detection key.
func (m *Message) DuplicateKey() dedup.Key {
	return dedup.NewKey(m.ConversationID, m.SentAt, m.Box, m.Protocol, m.Body)
}

// MessagePart is one stored part of a multipart message.
type MessagePart struct {
	ID          int64
	MessageID   int64
	Seq         int
	ContentType string
	Name        string
	Text        string
	FilePath    string
	SizeBytes   int64
}

// ExistsByDuplicateKey reports whether the user already has a message with
// the given duplicate key.
func (s *Store) ExistsByDuplicateKey(userID int64, k dedup.Key) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM messages
		WHERE user_id = ? AND conversation_id = ? AND sent_at = ? AND msg_box = ? AND protocol = ? AND body_hash = ?
		LIMIT 1
	`, userID, k.ConversationID, k.Timestamp, k.Box, k.Protocol, k.BodyHash()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check duplicate key: %w", err)
	}
	return true, nil
}

// SaveMessages inserts a batch of messages and their parts in one
// transaction. A message whose duplicate key is already stored is skipped
// and left with ID 0. Returns the number of messages inserted.
func (s *Store) SaveMessages(batch []*Message) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(func(tx *sql.Tx) error {
		msgStmt, err := tx.Prepare(`
			INSERT INTO messages (user_id, conversation_id, protocol, direction, msg_box, sender_contact_id, sent_at, body, body_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, conversation_id, sent_at, msg_box, protocol, body_hash) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare message insert: %w", err)
		}
		defer msgStmt.Close()

		partStmt, err := tx.Prepare(`
			INSERT INTO message_parts (message_id, seq, content_type, name, text, file_path, size_bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare part insert: %w", err)
		}
		defer partStmt.Close()

		for _, m := range batch {
			res, err := msgStmt.Exec(m.UserID, m.ConversationID, m.Protocol, m.Direction, m.Box,
				m.SenderContactID, m.SentAt, m.Body, m.DuplicateKey().BodyHash())
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				m.ID = 0
				continue
			}
			if m.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			inserted++

			for _, p := range m.Parts {
				p.MessageID = m.ID
				res, err := partStmt.Exec(p.MessageID, p.Seq, nullIfEmpty(p.ContentType), nullIfEmpty(p.Name),
					nullIfEmpty(p.Text), nullIfEmpty(p.FilePath), p.SizeBytes)
				if err != nil {
					return fmt.Errorf("insert part %d of message %d: %w", p.Seq, m.ID, err)
				}
				if p.ID, err = res.LastInsertId(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		for _, m := range batch {
			m.ID = 0
		}
		return 0, err
	}
	return inserted, nil
}

// UpdatePartPaths rewrites the stored file path of each part.
func (s *Store) UpdatePartPaths(parts []*MessagePart) error {
	if len(parts) == 0 {
		return nil
	}
	return s.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`UPDATE message_parts SET file_path = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range parts {
			if _, err := stmt.Exec(nullIfEmpty(p.FilePath), p.ID); err != nil {
				return fmt.Errorf("update path of part %d: %w", p.ID, err)
			}
		}
		return nil
	})
}

// CountMessages returns the number of messages a user has.
func (s *Store) CountMessages(userID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// CountParts returns the number of message parts a user has.
func (s *Store) CountParts(userID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM message_parts p JOIN messages m ON m.id = p.message_id
		WHERE m.user_id = ?
	`, userID).Scan(&n)
	return n, err
}

// ListMessages returns a conversation's messages in time order, parts included.
func (s *Store) ListMessages(conversationID int64) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, conversation_id, protocol, direction, msg_box, sender_contact_id, sent_at, COALESCE(body, '')
		FROM messages WHERE conversation_id = ?
		ORDER BY sent_at, id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	byID := make(map[int64]*Message)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Protocol, &m.Direction, &m.Box,
			&m.SenderContactID, &m.SentAt, &m.Body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
		byID[m.ID] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	partRows, err := s.db.Query(`
		SELECT `+partColumns+` FROM message_parts p
		JOIN messages m ON m.id = p.message_id
		WHERE m.conversation_id = ?
		ORDER BY p.message_id, p.seq
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer partRows.Close()
	for partRows.Next() {
		p, err := scanPart(partRows)
		if err != nil {
			return nil, err
		}
		if m := byID[p.MessageID]; m != nil {
			m.Parts = append(m.Parts, p)
		}
	}
	return out, partRows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
