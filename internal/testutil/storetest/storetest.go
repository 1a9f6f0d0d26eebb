// Package storetest provides a Fixture and helpers for tests that exercise
// the Store layer through its public API.
package storetest

import (
	"database/sql"
	"testing"

	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
	"github.com/JoshFouchey/sms-archive-sub000/internal/testutil"
)

// Fixture holds common test state for store-level tests.
type Fixture struct {
	T     *testing.T
	Store *store.Store
	User  *store.User
}

// New creates a Fixture with a fresh test database and one user ("alice").
func New(t *testing.T) *Fixture {
	t.Helper()
	st := testutil.NewTestStore(t)
	return &Fixture{T: t, Store: st, User: testutil.NewTestUser(t, st, "alice")}
}

// Contact inserts an active contact for a normalized number.
func (f *Fixture) Contact(normalized, name string) *store.Contact {
	f.T.Helper()
	c := &store.Contact{UserID: f.User.ID, Number: normalized, NormalizedNumber: normalized}
	if name != "" {
		c.Name = sql.NullString{String: name, Valid: true}
	}
	testutil.MustNoErr(f.T, f.Store.SaveContact(c), "Contact")
	return c
}

// OneToOne inserts a one-to-one conversation with the given counterparty.
func (f *Fixture) OneToOne(with *store.Contact, lastMessageAt int64) *store.Conversation {
	f.T.Helper()
	c := &store.Conversation{UserID: f.User.ID, Type: store.ConversationOneToOne}
	if lastMessageAt != 0 {
		c.LastMessageAt = sql.NullInt64{Int64: lastMessageAt, Valid: true}
	}
	testutil.MustNoErr(f.T, f.Store.SaveConversation(c), "OneToOne")
	testutil.MustNoErr(f.T, f.Store.AddConversationParticipants(c.ID, with.ID), "OneToOne participants")
	return c
}

// Group inserts a group conversation with a thread key and participants.
func (f *Fixture) Group(threadKey, name string, members ...*store.Contact) *store.Conversation {
	f.T.Helper()
	c := &store.Conversation{
		UserID:    f.User.ID,
		Type:      store.ConversationGroup,
		ThreadKey: sql.NullString{String: threadKey, Valid: true},
		Name:      sql.NullString{String: name, Valid: name != ""},
	}
	testutil.MustNoErr(f.T, f.Store.SaveConversation(c), "Group")
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	testutil.MustNoErr(f.T, f.Store.AddConversationParticipants(c.ID, ids...), "Group participants")
	return c
}

// Message inserts an SMS into a conversation. Box 1 is inbound.
func (f *Fixture) Message(conv *store.Conversation, sentAt int64, box int, body string) *store.Message {
	f.T.Helper()
	m := &store.Message{
		UserID:         f.User.ID,
		ConversationID: conv.ID,
		Protocol:       store.ProtocolSMS,
		Direction:      store.DirectionOutbound,
		Box:            box,
		SentAt:         sentAt,
		Body:           body,
	}
	if box == 1 {
		m.Direction = store.DirectionInbound
	}
	n, err := f.Store.SaveMessages([]*store.Message{m})
	testutil.MustNoErr(f.T, err, "Message")
	if n != 1 {
		f.T.Fatalf("Message: duplicate key for %q at %d", body, sentAt)
	}
	return m
}

// ContactNames returns the names of every contact of the fixture user.
func (f *Fixture) ContactNames() []string {
	f.T.Helper()
	contacts, err := f.Store.ListContacts(f.User.ID)
	testutil.MustNoErr(f.T, err, "ListContacts")
	var names []string
	for _, c := range contacts {
		if c.Name.Valid {
			names = append(names, c.Name.String)
		}
	}
	return names
}
