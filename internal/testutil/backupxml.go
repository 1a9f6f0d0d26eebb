package testutil

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
	"testing"
)

// BackupBuilder assembles backup XML documents for tests.
type BackupBuilder struct {
	records []string
}

// NewBackup starts an empty backup document.
func NewBackup() *BackupBuilder {
	return &BackupBuilder{}
}

// MMSAddr is an <addr> entry.
type MMSAddr struct {
	Address string
	Type    int
}

// MMSPart is a <part> entry. Data is base64-encoded on output.
type MMSPart struct {
	Seq         int
	ContentType string
	Name        string
	Text        string
	Data        []byte
}

// MMS describes an <mms> (or <rcs>) element.
type MMS struct {
	Element     string // defaults to "mms"
	Address     string
	Date        int64
	Box         int
	ContactName string
	ThreadID    string
	Addrs       []MMSAddr
	Parts       []MMSPart
}

// SMS appends an <sms> element.
func (b *BackupBuilder) SMS(address string, date int64, box int, body, contactName string) *BackupBuilder {
	b.records = append(b.records, fmt.Sprintf(
		`<sms protocol="0" address=%s date="%d" type="%d" body=%s contact_name=%s />`,
		attr(address), date, box, attr(body), attr(contactName)))
	return b
}

// MMS appends a multipart element.
func (b *BackupBuilder) MMS(m MMS) *BackupBuilder {
	elem := m.Element
	if elem == "" {
		elem = "mms"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `<%s date="%d" msg_box="%d" address=%s contact_name=%s`,
		elem, m.Date, m.Box, attr(m.Address), attr(m.ContactName))
	if m.ThreadID != "" {
		fmt.Fprintf(&sb, ` thread_id=%s`, attr(m.ThreadID))
	}
	sb.WriteString(">\n  <parts>\n")
	for _, p := range m.Parts {
		fmt.Fprintf(&sb, `    <part seq="%d" ct=%s name=%s`, p.Seq, attr(p.ContentType), attr(p.Name))
		if p.Text != "" {
			fmt.Fprintf(&sb, ` text=%s`, attr(p.Text))
		}
		if p.Data != nil {
			fmt.Fprintf(&sb, ` data="%s"`, base64.StdEncoding.EncodeToString(p.Data))
		}
		sb.WriteString(" />\n")
	}
	sb.WriteString("  </parts>\n  <addrs>\n")
	for _, a := range m.Addrs {
		fmt.Fprintf(&sb, `    <addr address=%s type="%d" charset="106" />`+"\n", attr(a.Address), a.Type)
	}
	fmt.Fprintf(&sb, "  </addrs>\n</%s>", elem)
	b.records = append(b.records, sb.String())
	return b
}

// Raw appends literal markup.
func (b *BackupBuilder) Raw(s string) *BackupBuilder {
	b.records = append(b.records, s)
	return b
}

// String renders the document.
func (b *BackupBuilder) String() string {
	var sb strings.Builder
	sb.WriteString("<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>\n")
	fmt.Fprintf(&sb, "<smses count=\"%d\">\n", len(b.records))
	for _, r := range b.records {
		sb.WriteString(r)
		sb.WriteString("\n")
	}
	sb.WriteString("</smses>\n")
	return sb.String()
}

// Write renders the document into dir/name and returns its path.
func (b *BackupBuilder) Write(t *testing.T, dir, name string) string {
	t.Helper()
	return WriteFile(t, dir, name, []byte(b.String()))
}

func attr(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	if err := xml.EscapeText(&sb, []byte(s)); err != nil {
		panic(err)
	}
	sb.WriteByte('"')
	return sb.String()
}
