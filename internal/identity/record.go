package identity

import (
	"fmt"
	"strings"

	"github.com/JoshFouchey/sms-archive-sub000/internal/backup"
	"github.com/JoshFouchey/sms-archive-sub000/internal/phone"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
)

// Store is the persistence needed to resolve records.
type Store interface {
	ContactStore
	ConversationStore
}

// Identity is the resolved ownership of one backup record.
type Identity struct {
	Conversation *store.Conversation
	Sender       *store.Contact // nil when the owner sent the message
	Direction    string
	Protocol     string
}

// Resolver attaches contact and conversation identity to backup records for
// one user. It is not safe for concurrent use.
type Resolver struct {
	Contacts      *ContactResolver
	Conversations *ConversationResolver

	self map[string]bool // the owner's own normalized numbers
}

// NewResolver returns a Resolver for one import run over a user's file.
func NewResolver(s Store, userID int64) *Resolver {
	contacts := NewContactResolver(s, userID)
	return &Resolver{
		Contacts:      contacts,
		Conversations: NewConversationResolver(s, contacts, userID),
		self:          make(map[string]bool),
	}
}

// AddSelfNumbers registers the owner's own phone numbers so they are never
// treated as counterparties. Numbers are also learned from the sender entry
// of outbound multipart records; they only matter for records whose
// counterparties come from <addr> entries.
func (r *Resolver) AddSelfNumbers(raw ...string) {
	for _, a := range raw {
		if n := phone.Normalize(a); phone.Usable(n) {
			r.self[n] = true
		}
	}
}

func (r *Resolver) learnSelf(rec *backup.Record) {
	if !rec.Multipart() || rec.Inbound() {
		return
	}
	for _, a := range rec.Addresses {
		if a.Role == backup.RoleFrom {
			r.AddSelfNumbers(a.Address)
		}
	}
}

// Resolve determines direction, sender and conversation for rec. A single
// counterparty yields a one-to-one conversation; several yield a group.
func (r *Resolver) Resolve(rec *backup.Record) (*Identity, error) {
	id := &Identity{
		Direction: DirectionOf(rec),
		Protocol:  ProtocolOf(rec),
	}
	r.learnSelf(rec)
	from, counterparties := Participants(rec, func(n string) bool { return r.self[n] })

	switch len(counterparties) {
	case 0:
		return nil, fmt.Errorf("%w: %s record at %d", ErrNoIdentity, rec.Kind, rec.Date)
	case 1:
		conv, contact, err := r.Conversations.ResolveOneToOne(counterparties[0], rec.ContactName)
		if err != nil {
			return nil, err
		}
		id.Conversation = conv
		if rec.Inbound() {
			id.Sender = contact
		}
	default:
		externalKey := rec.Address
		if externalKey == "" {
			externalKey = rec.ThreadID
		}
		conv, members, err := r.Conversations.ResolveGroup(externalKey, counterparties, rec.ContactName)
		if err != nil {
			return nil, err
		}
		id.Conversation = conv
		if rec.Inbound() && from != "" && !r.self[from] {
			for _, m := range members {
				if m.NormalizedNumber == from {
					id.Sender = m
				}
			}
			if id.Sender == nil {
				if id.Sender, err = r.Contacts.Resolve(from, ""); err != nil {
					return nil, err
				}
			}
		}
	}
	return id, nil
}

// DirectionOf maps the record's box code to a message direction.
func DirectionOf(rec *backup.Record) string {
	if rec.Inbound() {
		return store.DirectionInbound
	}
	return store.DirectionOutbound
}

// ProtocolOf maps the record kind to a message protocol.
func ProtocolOf(rec *backup.Record) string {
	switch rec.Kind {
	case backup.KindMMS:
		return store.ProtocolMMS
	case backup.KindRCS:
		return store.ProtocolRCS
	default:
		return store.ProtocolSMS
	}
}

// Participants returns the normalized sender number (inbound multipart
// records only) and the raw counterparty addresses of rec, de-duplicated by
// normalized number and excluding the owner. isSelf, when non-nil, marks
// further owner numbers.
//
// The record's address attribute lists every participant except the owner,
// so it is authoritative whenever it carries a phone number. Otherwise
// multipart records fall back to their <addr> entries: inbound ones count
// the sender plus every other recipient, outbound ones the recipients only.
func Participants(rec *backup.Record, isSelf func(normalized string) bool) (from string, counterparties []string) {
	seen := make(map[string]bool)
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		n := phone.Normalize(raw)
		if phone.Usable(n) && !seen[n] && (isSelf == nil || !isSelf(n)) {
			seen[n] = true
			counterparties = append(counterparties, raw)
		}
	}

	for _, raw := range phone.SplitAddressList(rec.Address) {
		// Multipart exporters sometimes put a thread label here.
		if !rec.Multipart() || phone.LooksLikeNumber(raw) {
			add(raw)
		}
	}
	if !rec.Multipart() {
		return "", counterparties
	}

	inbound := rec.Inbound()
	if inbound {
		for _, a := range rec.Addresses {
			if a.Role != backup.RoleFrom {
				continue
			}
			if n := phone.Normalize(a.Address); phone.Usable(n) {
				from = n
				break
			}
		}
	}

	if len(counterparties) > 0 {
		return from, counterparties
	}
	for _, a := range rec.Addresses {
		if a.Role == backup.RoleFrom && !inbound {
			continue
		}
		add(a.Address)
	}
	return from, counterparties
}
