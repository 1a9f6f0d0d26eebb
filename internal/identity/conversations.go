package identity

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/JoshFouchey/sms-archive-sub000/internal/phone"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
)

// ConversationStore is the conversation persistence used by resolution.
type ConversationStore interface {
	FindOneToOneConversation(userID, contactID int64) (*store.Conversation, error)
	FindGroupConversation(userID int64, threadKey string) (*store.Conversation, error)
	SaveConversation(c *store.Conversation) error
	AddConversationParticipants(conversationID int64, contactIDs ...int64) error
}

// ConversationResolver finds or creates conversations for one user. Like
// ContactResolver it caches results for the duration of one import run.
type ConversationResolver struct {
	store    ConversationStore
	contacts *ContactResolver
	userID   int64

	oneToOne map[int64]*store.Conversation // by counterparty contact id
	groups   map[string]*store.Conversation
	members  map[int64]map[int64]bool // conversation id -> linked contact ids
}

// NewConversationResolver returns a resolver sharing contacts' cache.
func NewConversationResolver(s ConversationStore, contacts *ContactResolver, userID int64) *ConversationResolver {
	return &ConversationResolver{
		store:    s,
		contacts: contacts,
		userID:   userID,
		oneToOne: make(map[int64]*store.Conversation),
		groups:   make(map[string]*store.Conversation),
		members:  make(map[int64]map[int64]bool),
	}
}

// ResolveOneToOne returns the one-to-one conversation with the counterparty
// at rawAddress, whichever protocol created it, creating conversation and
// contact when absent.
func (r *ConversationResolver) ResolveOneToOne(rawAddress, nameHint string) (*store.Conversation, *store.Contact, error) {
	contact, err := r.contacts.Resolve(rawAddress, nameHint)
	if err != nil {
		return nil, nil, err
	}
	if conv, ok := r.oneToOne[contact.ID]; ok {
		return conv, contact, r.refreshOneToOneName(conv, contact)
	}

	conv, err := r.store.FindOneToOneConversation(r.userID, contact.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("find conversation with %s: %w", contact.NormalizedNumber, err)
	}
	if conv == nil {
		conv = &store.Conversation{
			UserID: r.userID,
			Type:   store.ConversationOneToOne,
			Name:   sql.NullString{String: contact.DisplayName(), Valid: true},
		}
		if err := r.store.SaveConversation(conv); err != nil {
			return nil, nil, fmt.Errorf("create conversation with %s: %w", contact.NormalizedNumber, err)
		}
	} else if err := r.refreshOneToOneName(conv, contact); err != nil {
		return nil, nil, err
	}
	if err := r.link(conv, contact); err != nil {
		return nil, nil, err
	}
	r.oneToOne[contact.ID] = conv
	return conv, contact, nil
}

// refreshOneToOneName replaces a number-only conversation name once the
// counterparty has a real name.
func (r *ConversationResolver) refreshOneToOneName(conv *store.Conversation, contact *store.Contact) error {
	want := contact.DisplayName()
	if conv.Name.Valid && conv.Name.String != "" && conv.Name.String != contact.Number && conv.Name.String != contact.NormalizedNumber {
		return nil
	}
	if conv.Name.String == want {
		return nil
	}
	conv.Name = sql.NullString{String: want, Valid: true}
	if err := r.store.SaveConversation(conv); err != nil {
		return fmt.Errorf("rename conversation %d: %w", conv.ID, err)
	}
	return nil
}

// ResolveGroup returns the group conversation for the thread identified by
// externalKey and the participant addresses, creating it when absent. Every
// participant is linked as a contact; nameHint becomes the conversation's
// display name and is never applied to a contact.
func (r *ConversationResolver) ResolveGroup(externalKey string, rawParticipants []string, nameHint string) (*store.Conversation, []*store.Contact, error) {
	var members []*store.Contact
	seen := make(map[int64]bool)
	var normalized []string
	for _, raw := range rawParticipants {
		c, err := r.contacts.Resolve(raw, "")
		if err != nil {
			return nil, nil, err
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		members = append(members, c)
		normalized = append(normalized, c.NormalizedNumber)
	}
	if len(members) == 0 {
		return nil, nil, fmt.Errorf("%w: group %q has no participants", ErrNoIdentity, externalKey)
	}

	key := ThreadKey(externalKey, normalized)
	conv, ok := r.groups[key]
	if !ok {
		var err error
		conv, err = r.store.FindGroupConversation(r.userID, key)
		if err != nil {
			return nil, nil, fmt.Errorf("find group %s: %w", key, err)
		}
		if conv == nil {
			conv = &store.Conversation{
				UserID:    r.userID,
				Type:      store.ConversationGroup,
				ThreadKey: sql.NullString{String: key, Valid: true},
				Name:      sql.NullString{String: GroupName(nameHint), Valid: true},
			}
			if err := r.store.SaveConversation(conv); err != nil {
				return nil, nil, fmt.Errorf("create group %s: %w", key, err)
			}
		}
		r.groups[key] = conv
	}

	if err := r.nameGroup(conv, nameHint); err != nil {
		return nil, nil, err
	}
	if err := r.link(conv, members...); err != nil {
		return nil, nil, err
	}
	return conv, members, nil
}

// nameGroup upgrades a defaulted group name to a real label.
func (r *ConversationResolver) nameGroup(conv *store.Conversation, nameHint string) error {
	name := GroupName(nameHint)
	if name == DefaultGroupName {
		return nil
	}
	if conv.Name.Valid && conv.Name.String != "" && conv.Name.String != DefaultGroupName {
		return nil
	}
	conv.Name = sql.NullString{String: name, Valid: true}
	if err := r.store.SaveConversation(conv); err != nil {
		return fmt.Errorf("name group %d: %w", conv.ID, err)
	}
	return nil
}

func (r *ConversationResolver) link(conv *store.Conversation, contacts ...*store.Contact) error {
	linked := r.members[conv.ID]
	if linked == nil {
		linked = make(map[int64]bool)
		r.members[conv.ID] = linked
	}
	var missing []int64
	for _, c := range contacts {
		if !linked[c.ID] {
			missing = append(missing, c.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if err := r.store.AddConversationParticipants(conv.ID, missing...); err != nil {
		return fmt.Errorf("link participants to conversation %d: %w", conv.ID, err)
	}
	for _, id := range missing {
		linked[id] = true
	}
	return nil
}

// ThreadKey derives the canonical group identity from the backup's external
// thread identifier and the normalized participant numbers. Participant
// order and duplicates do not affect the key, and an external identifier
// that is itself a list of numbers is canonicalized the same way.
func ThreadKey(externalKey string, normalizedParticipants []string) string {
	return canonicalExternal(externalKey) + "|" + strings.Join(sortedUnique(normalizedParticipants), ",")
}

func canonicalExternal(raw string) string {
	members := phone.SplitAddressList(raw)
	if len(members) == 0 {
		return ""
	}
	numbers := make([]string, 0, len(members))
	for _, m := range members {
		n := phone.Normalize(m)
		if !phone.LooksLikeNumber(m) || !phone.Usable(n) {
			return strings.ToLower(strings.TrimSpace(raw))
		}
		numbers = append(numbers, n)
	}
	return strings.Join(sortedUnique(numbers), "~")
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
