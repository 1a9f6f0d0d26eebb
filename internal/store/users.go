package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is an archive account. Import drop directories are keyed by Username.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// ErrUserExists is returned when creating a user whose name is taken.
var ErrUserExists = errors.New("user already exists")

// CreateUser creates an account.
func (s *Store) CreateUser(username string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("create user: username is required")
	}
	res, err := s.db.Exec(`INSERT INTO users (username) VALUES (?)`, username)
	if err != nil {
		if isSQLiteError(err, "UNIQUE constraint failed") {
			return nil, fmt.Errorf("create user %q: %w", username, ErrUserExists)
		}
		return nil, fmt.Errorf("create user %q: %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUser(id)
}

// GetUser returns a user by id, or ErrNotFound.
func (s *Store) GetUser(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(`SELECT id, username, created_at FROM users WHERE id = ?`, id))
}

// GetUserByUsername returns a user by name. Returns nil, nil if not found.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	u, err := s.scanUser(s.db.QueryRow(`SELECT id, username, created_at FROM users WHERE username = ?`, username))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return u, err
}

// ListUsers returns all users ordered by name.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT id, username, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) scanUser(row rowScanner) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
