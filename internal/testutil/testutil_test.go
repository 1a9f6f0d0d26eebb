package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewTestStore(t *testing.T) {
	st := NewTestStore(t)

	stats, err := st.GetStats()
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.MessageCount != 0 {
		t.Errorf("expected 0 messages, got %d", stats.MessageCount)
	}

	u := NewTestUser(t, st, "alice")
	if u.ID == 0 {
		t.Error("expected non-zero user id")
	}
}

func TestValidateRelativePath(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"rooted path", string(filepath.Separator) + "rooted" + string(filepath.Separator) + "path.txt", true},
		{"escape dot dot", "../escape.txt", true},
		{"escape dot dot nested", "subdir/../../escape.txt", true},
		{"escape just dot dot", "..", true},
		{"valid with dots", "file-with-dots.test.txt", false},
		{"valid current dir", "./current.txt", false},
		{"valid nested", "alice/backup.xml", false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRelativePath(dir, tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRelativePath() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteFileAndList(t *testing.T) {
	dir := t.TempDir()
	WriteFile(t, dir, "b.xml", []byte("b"))
	path := WriteFile(t, dir, "a.xml", []byte("a"))
	WriteFile(t, dir, "sub/c.xml", []byte("c"))

	AssertFileContent(t, path, "a")
	AssertStrings(t, ListFiles(t, dir), "a.xml", "b.xml")
	if got := ListFiles(t, filepath.Join(dir, "missing")); len(got) != 0 {
		t.Errorf("ListFiles(missing) = %v, want empty", got)
	}
	MustNotExist(t, filepath.Join(dir, "nope.xml"))
}

func TestBackdate(t *testing.T) {
	path := WriteFile(t, t.TempDir(), "old.xml", []byte("x"))
	Backdate(t, path, time.Hour)
	info, err := os.Stat(path)
	MustNoErr(t, err, "stat")
	if age := time.Since(info.ModTime()); age < 59*time.Minute {
		t.Errorf("file age = %v, want about an hour", age)
	}
}

func TestBackupBuilder(t *testing.T) {
	doc := NewBackup().
		SMS("5551234567", 1000, 1, `quote " and <tag>`, "Alice").
		MMS(MMS{Address: "5551234567", Date: 2000, Box: 2,
			Addrs: []MMSAddr{{Address: "5551234567", Type: 151}},
			Parts: []MMSPart{{Seq: 0, ContentType: "image/png", Name: "a.png", Data: []byte("png")}}}).
		String()

	AssertContainsAll(t, doc,
		`<smses count="2">`,
		`body="quote &#34; and &lt;tag&gt;"`,
		`msg_box="2"`,
		`data="cG5n"`,
		`</mms>`,
	)
	if !strings.HasSuffix(doc, "</smses>\n") {
		t.Errorf("document not closed: %q", doc[len(doc)-20:])
	}
}
