package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/JoshFouchey/sms-archive-sub000/internal/testutil"
)

// runCLI executes the real root command against an isolated home directory.
func runCLI(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	cfgFile, homeDir, verbose = "", "", false
	importUser, mergeUser, rebuildUser = "", "", ""
	rebuildContact, rebuildForce = 0, false
	statsUser, statsFrom, statsTo = "", "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--home", home}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_ImportWorkflow(t *testing.T) {
	t.Setenv("SMSARCHIVE_HOME", "")
	home := t.TempDir()

	out, err := runCLI(t, home, "init-db")
	testutil.MustNoErr(t, err, "init-db")
	testutil.AssertContainsAll(t, out, "smsarchive.db", "Messages:      0")

	out, err = runCLI(t, home, "add-user", "alice")
	testutil.MustNoErr(t, err, "add-user")
	testutil.AssertContainsAll(t, out, "Created user alice")

	if _, err := runCLI(t, home, "add-user", "alice"); err == nil {
		t.Error("adding an existing user should fail")
	}

	day := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC).UnixMilli()
	backup := testutil.NewBackup().
		SMS("555-123-4567", day, 1, "hello", "Bob").
		SMS("555-123-4567", day+60_000, 2, "hi bob", "Bob").
		SMS("555-123-4567", day+60_000, 2, "hi bob", "Bob").
		Write(t, t.TempDir(), "sms-2024.xml")

	out, err = runCLI(t, home, "import", "--user", "alice", backup)
	testutil.MustNoErr(t, err, "import")
	testutil.AssertContainsAll(t, out, "sms-2024.xml: COMPLETED", "Imported:     2", "Duplicates:   1")

	// Re-importing the same file only finds duplicates.
	out, err = runCLI(t, home, "import", "--user", "alice", backup)
	testutil.MustNoErr(t, err, "re-import")
	testutil.AssertContainsAll(t, out, "Imported:     0", "Duplicates:   3")

	out, err = runCLI(t, home, "stats", "--user", "alice", "--from", "2024-03-05", "--to", "2024-03-05")
	testutil.MustNoErr(t, err, "stats")
	testutil.AssertContainsAll(t, out, "Messages: 2", "Received: 1", "Sent:     1")

	out, err = runCLI(t, home, "stats")
	testutil.MustNoErr(t, err, "global stats")
	testutil.AssertContainsAll(t, out, "Users:         1", "Messages:      2")

	out, err = runCLI(t, home, "rebuild-thumbnails", "--user", "alice")
	testutil.MustNoErr(t, err, "rebuild-thumbnails")
	testutil.AssertContainsAll(t, out, "Thumbnail rebuild COMPLETED", "Parts:       0")
}

func TestCLI_ImportFailures(t *testing.T) {
	t.Setenv("SMSARCHIVE_HOME", "")
	home := t.TempDir()
	_, err := runCLI(t, home, "add-user", "alice")
	testutil.MustNoErr(t, err, "add-user")

	if _, err := runCLI(t, home, "import", "--user", "nobody", "x.xml"); err == nil ||
		!strings.Contains(err.Error(), "no such user") {
		t.Errorf("unknown user err = %v", err)
	}
	if _, err := runCLI(t, home, "import", "--user", "alice", "/nonexistent/backup.xml"); err == nil {
		t.Error("missing backup file should fail")
	}

	broken := testutil.WriteFile(t, t.TempDir(), "broken.xml", []byte(`<smses><sms address="1" date="1" `))
	out, err := runCLI(t, home, "import", "--user", "alice", broken)
	if err == nil || !strings.Contains(err.Error(), "1 of 1 imports failed") {
		t.Errorf("malformed import err = %v", err)
	}
	testutil.AssertContainsAll(t, out, "broken.xml: FAILED")
}

func TestCLI_MergeContactsValidatesIDs(t *testing.T) {
	t.Setenv("SMSARCHIVE_HOME", "")
	home := t.TempDir()

	if _, err := runCLI(t, home, "merge-contacts", "--user", "alice", "x", "2"); err == nil ||
		!strings.Contains(err.Error(), "invalid INTO_ID") {
		t.Errorf("err = %v, want invalid INTO_ID", err)
	}
}

func TestParseDate(t *testing.T) {
	def := time.Unix(42, 0)
	got, err := parseDate("", def, false)
	if err != nil || !got.Equal(def) {
		t.Errorf("parseDate(\"\") = %v, %v; want default", got, err)
	}

	got, err = parseDate("2024-02-29", def, true)
	if err != nil {
		t.Fatalf("parseDate: %v", err)
	}
	if want := time.Date(2024, 2, 29, 23, 59, 59, int(999*time.Millisecond), time.UTC); !got.Equal(want) {
		t.Errorf("end of day = %v, want %v", got, want)
	}

	if _, err := parseDate("02/29/2024", def, false); err == nil {
		t.Error("expected error for non-ISO date")
	}
}
