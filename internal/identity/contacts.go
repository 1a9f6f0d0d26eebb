// Package identity resolves backup addresses to contacts and conversations.
//
// Resolution keys purely on normalized phone numbers: the protocol of a
// record and the order records arrive in never influence which contact or
// conversation a message lands in.
package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/JoshFouchey/sms-archive-sub000/internal/phone"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
)

// ErrNoIdentity is returned when a record carries no usable address.
var ErrNoIdentity = errors.New("no usable participant address")

// ContactStore is the contact persistence used by resolution.
type ContactStore interface {
	FindActiveContact(userID int64, normalized string) (*store.Contact, error)
	SaveContact(c *store.Contact) error
}

// ContactResolver finds or creates contacts for one user. It caches every
// contact it returns, so it must not outlive a single import run.
type ContactResolver struct {
	store  ContactStore
	userID int64
	cache  map[string]*store.Contact
}

// NewContactResolver returns a resolver for the user's contacts.
func NewContactResolver(s ContactStore, userID int64) *ContactResolver {
	return &ContactResolver{
		store:  s,
		userID: userID,
		cache:  make(map[string]*store.Contact),
	}
}

// Resolve returns the active contact for rawAddress, creating it when
// absent. A sanitized nameHint names new contacts and fills in a missing
// name; it never replaces an existing one. New contacts are persisted
// immediately.
func (r *ContactResolver) Resolve(rawAddress, nameHint string) (*store.Contact, error) {
	normalized := phone.Normalize(rawAddress)
	if !phone.Usable(normalized) {
		return nil, fmt.Errorf("%w: %q", ErrNoIdentity, rawAddress)
	}
	name := SanitizeName(nameHint)

	if c, ok := r.cache[normalized]; ok {
		return c, r.fillName(c, name)
	}

	c, err := r.store.FindActiveContact(r.userID, normalized)
	if err != nil {
		return nil, fmt.Errorf("find contact %s: %w", normalized, err)
	}
	if c != nil {
		r.cache[normalized] = c
		return c, r.fillName(c, name)
	}

	c = &store.Contact{
		UserID:           r.userID,
		Number:           strings.TrimSpace(rawAddress),
		NormalizedNumber: normalized,
		Name:             sql.NullString{String: name, Valid: name != ""},
	}
	if err := r.store.SaveContact(c); err != nil {
		if !errors.Is(err, store.ErrContactExists) {
			return nil, fmt.Errorf("create contact %s: %w", normalized, err)
		}
		// Another writer created it first.
		if c, err = r.store.FindActiveContact(r.userID, normalized); err != nil {
			return nil, fmt.Errorf("reload contact %s: %w", normalized, err)
		}
		if c == nil {
			return nil, fmt.Errorf("reload contact %s: %w", normalized, store.ErrNotFound)
		}
	}
	r.cache[normalized] = c
	return c, nil
}

func (r *ContactResolver) fillName(c *store.Contact, name string) error {
	if name == "" || (c.Name.Valid && c.Name.String != "") {
		return nil
	}
	c.Name = sql.NullString{String: name, Valid: true}
	if err := r.store.SaveContact(c); err != nil {
		return fmt.Errorf("name contact %d: %w", c.ID, err)
	}
	return nil
}
