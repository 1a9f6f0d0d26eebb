// Package dedup recognizes messages that were already imported, both within
// a single backup file and against previously persisted messages.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key identifies a message for duplicate detection. Body holds the
// normalized body.
type Key struct {
	ConversationID int64
	Timestamp      int64 // epoch milliseconds
	Box            int
	Protocol       string
	Body           string
}

// NewKey builds a key, normalizing body.
func NewKey(conversationID, timestamp int64, box int, protocol, body string) Key {
	return Key{
		ConversationID: conversationID,
		Timestamp:      timestamp,
		Box:            box,
		Protocol:       protocol,
		Body:           NormalizeBody(body),
	}
}

// NormalizeBody trims and lower-cases a body. An empty body stays empty.
func NormalizeBody(body string) string {
	return strings.ToLower(strings.TrimSpace(body))
}

// BodyHash returns the hex SHA-256 of the normalized body, the form stored
// alongside persisted messages.
func (k Key) BodyHash() string {
	sum := sha256.Sum256([]byte(k.Body))
	return hex.EncodeToString(sum[:])
}

func (k Key) String() string {
	return fmt.Sprintf("conv=%d ts=%d box=%d proto=%s body=%.8s", k.ConversationID, k.Timestamp, k.Box, k.Protocol, k.BodyHash())
}

// compact is the in-memory form kept for every key seen in a run.
type compact struct {
	conversationID int64
	timestamp      int64
	box            int
	protocol       string
	body           [sha256.Size]byte
}

func (k Key) compact() compact {
	return compact{
		conversationID: k.ConversationID,
		timestamp:      k.Timestamp,
		box:            k.Box,
		protocol:       k.Protocol,
		body:           sha256.Sum256([]byte(k.Body)),
	}
}

// Checker reports whether a message with the given key is already persisted
// for a user.
type Checker interface {
	ExistsByDuplicateKey(userID int64, k Key) (bool, error)
}

// Verdict is the outcome of a duplicate check.
type Verdict int

const (
	Admit Verdict = iota
	DuplicateInRun
	DuplicatePersisted
)

func (v Verdict) String() string {
	switch v {
	case Admit:
		return "admit"
	case DuplicateInRun:
		return "duplicate-in-run"
	case DuplicatePersisted:
		return "duplicate-persisted"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Duplicate reports whether the verdict rejects the message.
func (v Verdict) Duplicate() bool { return v != Admit }

// Detector applies both duplicate layers for one import run. It is not safe
// for concurrent use; each run owns its own Detector.
type Detector struct {
	userID  int64
	checker Checker
	seen    map[compact]struct{}
}

// NewDetector returns a Detector for one run over a user's file.
func NewDetector(userID int64, checker Checker) *Detector {
	return &Detector{
		userID:  userID,
		checker: checker,
		seen:    make(map[compact]struct{}),
	}
}

// Check classifies k. Keys already seen in this run are rejected without
// consulting storage; every other key is recorded and then checked against
// persisted messages.
func (d *Detector) Check(k Key) (Verdict, error) {
	c := k.compact()
	if _, ok := d.seen[c]; ok {
		return DuplicateInRun, nil
	}
	d.seen[c] = struct{}{}

	exists, err := d.checker.ExistsByDuplicateKey(d.userID, k)
	if err != nil {
		return Admit, fmt.Errorf("check duplicate %s: %w", k, err)
	}
	if exists {
		return DuplicatePersisted, nil
	}
	return Admit, nil
}

// Seen returns the number of distinct keys observed in this run.
func (d *Detector) Seen() int {
	return len(d.seen)
}
