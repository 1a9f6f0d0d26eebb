package store

import (
	"database/sql"
	"fmt"
	"strings"
)

const partColumns = `p.id, p.message_id, p.seq, COALESCE(p.content_type, ''), COALESCE(p.name, ''),
	COALESCE(p.text, ''), COALESCE(p.file_path, ''), p.size_bytes`

func scanPart(row rowScanner) (*MessagePart, error) {
	var p MessagePart
	if err := row.Scan(&p.ID, &p.MessageID, &p.Seq, &p.ContentType, &p.Name, &p.Text, &p.FilePath, &p.SizeBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan part: %w", err)
	}
	return &p, nil
}

// PartFilter selects stored parts.
type PartFilter struct {
	UserID            int64
	ContentTypePrefix string // e.g. "image/"; matched case-insensitively
	ContactID         int64  // 0 = any contact
}

// ListParts returns parts matching the filter, ordered by id. A contact
// filter matches parts of messages the contact sent or of conversations the
// contact participates in.
func (s *Store) ListParts(f PartFilter) ([]*MessagePart, error) {
	query := `
		SELECT ` + partColumns + `
		FROM message_parts p
		JOIN messages m ON m.id = p.message_id
		WHERE m.user_id = ? AND lower(COALESCE(p.content_type, '')) LIKE ?`
	args := []any{f.UserID, strings.ToLower(f.ContentTypePrefix) + "%"}
	if f.ContactID != 0 {
		query += `
		  AND (m.sender_contact_id = ?
		       OR m.conversation_id IN (SELECT conversation_id FROM conversation_participants WHERE contact_id = ?))`
		args = append(args, f.ContactID, f.ContactID)
	}
	query += ` ORDER BY p.id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var out []*MessagePart
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListImageParts returns a user's image parts, optionally limited to one
// contact.
func (s *Store) ListImageParts(userID, contactID int64) ([]*MessagePart, error) {
	return s.ListParts(PartFilter{UserID: userID, ContentTypePrefix: "image/", ContactID: contactID})
}
