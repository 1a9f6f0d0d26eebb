package textutil

import (
	"encoding/xml"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"golang.org/x/text/transform"

	"github.com/JoshFouchey/sms-archive-sub000/internal/testutil"
)

func repair(t *testing.T, in string) string {
	t.Helper()
	out, _, err := transform.String(NewSurrogateRepair(), in)
	testutil.MustNoErr(t, err, "transform")
	return out
}

func TestSurrogateRepair(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"decimal pair", "hi &#55357;&#56832;!", "hi &#128512;!"},
		{"hex pair", "&#xD83D;&#xDE00;", "&#128512;"},
		{"mixed case hex", "&#xd83d;&#XDE00;", "&#128512;"},
		{"ordinary reference kept", "&#233;&#x41;", "&#233;&#x41;"},
		{"named entity kept", "a &amp; b", "a &amp; b"},
		{"lone high", "x&#55357;y", "x&#65533;y"},
		{"lone low", "x&#56832;y", "x&#65533;y"},
		{"high then ordinary", "&#55357;&#65;", "&#65533;&#65;"},
		{"high at end", "tail &#55357;", "tail &#65533;"},
		{"not a reference", "&#zz; & #1", "&#zz; & #1"},
		{"trailing ampersand", "a&", "a&"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := repair(t, tt.in); got != tt.want {
				t.Errorf("repair(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSurrogateRepair_OneByteReads(t *testing.T) {
	in := strings.Repeat("ok &#55357;&#56832; ", 500)
	r := transform.NewReader(iotest.OneByteReader(strings.NewReader(in)), NewSurrogateRepair())
	got, err := io.ReadAll(r)
	testutil.MustNoErr(t, err, "ReadAll")
	want := strings.Repeat("ok &#128512; ", 500)
	if string(got) != want {
		t.Errorf("byte-at-a-time output differs: got %d bytes, want %d", len(got), len(want))
	}
}

func TestSurrogateRepair_XMLDecodes(t *testing.T) {
	doc := `<sms body="smile &#55357;&#56832;"/>`
	dec := xml.NewDecoder(transform.NewReader(strings.NewReader(doc), NewSurrogateRepair()))
	tok, err := dec.Token()
	testutil.MustNoErr(t, err, "Token")
	se, ok := tok.(xml.StartElement)
	if !ok {
		t.Fatalf("token = %T, want StartElement", tok)
	}
	if got := se.Attr[0].Value; got != "smile 😀" {
		t.Errorf("body = %q, want %q", got, "smile 😀")
	}
}
