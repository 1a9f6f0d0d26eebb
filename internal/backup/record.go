// Package backup streams records out of SMS/MMS backup XML documents.
package backup

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the record variants found in a backup document.
type Kind int

const (
	KindSMS Kind = iota + 1
	KindMMS
	KindRCS
)

func (k Kind) String() string {
	switch k {
	case KindSMS:
		return "SMS"
	case KindMMS:
		return "MMS"
	case KindRCS:
		return "RCS"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Address roles carried by MMS/RCS <addr> elements.
const (
	RoleBCC  = 129
	RoleCC   = 130
	RoleFrom = 137
	RoleTo   = 151
)

// BoxInbox is the box/type code for received messages. Every other code
// (sent, draft, outbox, failed, queued) is the owner's own message.
const BoxInbox = 1

// Address is one participant entry of a multipart record.
type Address struct {
	Address string
	Role    int
}

// Part is one MMS/RCS part. Data holds the raw base64 payload as found in
// the document; use Decode to obtain the bytes.
type Part struct {
	Seq         int
	ContentType string
	Name        string
	FileName    string
	Text        string
	Data        string
}

// HasData reports whether the part carries a binary payload.
func (p Part) HasData() bool {
	return strings.TrimSpace(p.Data) != ""
}

// Decode returns the decoded payload. Whitespace inside the base64 text is
// ignored, as exporters wrap long payloads.
func (p Part) Decode() ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, p.Data)
	data, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		// Some exporters drop the padding.
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(clean, "=")); rawErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("decode part %d: %w", p.Seq, err)
	}
	return data, nil
}

// IsText reports whether the part contributes to the message body.
func (p Part) IsText() bool {
	return strings.EqualFold(baseContentType(p.ContentType), "text/plain")
}

// IsSMIL reports whether the part is the MMS presentation layout.
func (p Part) IsSMIL() bool {
	return strings.EqualFold(baseContentType(p.ContentType), "application/smil")
}

// Record is a single message parsed from a backup document.
type Record struct {
	Kind        Kind
	Date        int64 // epoch milliseconds
	Box         int   // SMS "type" or MMS/RCS "msg_box"
	Address     string
	ThreadID    string
	ContactName string
	Body        string // SMS body; multipart bodies come from Text()
	Addresses   []Address
	Parts       []Part

	// BadFields names required attributes that were missing or not
	// integers. Date and Box are zero for those.
	BadFields []string
}

// Validate reports a record whose date or box code could not be read.
// A date of 0 is a valid epoch timestamp.
func (r *Record) Validate() error {
	if len(r.BadFields) == 0 {
		return nil
	}
	return fmt.Errorf("%w: missing or invalid %s", ErrInvalidRecord, strings.Join(r.BadFields, ", "))
}

// Timestamp returns the record date as a UTC time.
func (r *Record) Timestamp() time.Time {
	return time.UnixMilli(r.Date).UTC()
}

// Inbound reports whether the owner received the message.
func (r *Record) Inbound() bool {
	return r.Box == BoxInbox
}

// Multipart reports whether the record has the MMS shape.
func (r *Record) Multipart() bool {
	return r.Kind == KindMMS || r.Kind == KindRCS
}

// Text returns the message body: the SMS body, or the text/plain parts of a
// multipart record joined by a single space.
func (r *Record) Text() string {
	if !r.Multipart() {
		return r.Body
	}
	var texts []string
	for _, p := range r.Parts {
		if p.IsText() {
			if t := strings.TrimSpace(p.Text); t != "" {
				texts = append(texts, t)
			}
		}
	}
	return strings.Join(texts, " ")
}

func baseContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}
