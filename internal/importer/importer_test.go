package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/JoshFouchey/sms-archive-sub000/internal/backup"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/media"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
	"github.com/JoshFouchey/sms-archive-sub000/internal/testutil"
	"github.com/JoshFouchey/sms-archive-sub000/internal/testutil/storetest"
)

const owner = "555-000-9999"

type harness struct {
	*storetest.Fixture
	svc       *Service
	media     *media.Store
	mediaRoot string
	dir       string
	files     int
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	f := storetest.New(t)
	root := filepath.Join(t.TempDir(), "media")
	logger := testLogger()
	m := media.NewStore(root, media.NewThumbnailer(0, 0)).WithLogger(logger)
	if opts.SelfNumbers == nil {
		opts.SelfNumbers = []string{owner}
	}
	svc := NewService(f.Store, m, jobs.Inline{Logger: logger}, opts).WithLogger(logger)
	return &harness{Fixture: f, svc: svc, media: m, mediaRoot: root, dir: t.TempDir()}
}

func (h *harness) write(doc string) string {
	h.T.Helper()
	h.files++
	return testutil.WriteFile(h.T, h.dir, fmt.Sprintf("backup-%d.xml", h.files), []byte(doc))
}

func (h *harness) importAs(username, doc string) *jobs.ImportProgress {
	h.T.Helper()
	p, err := h.svc.StartImport(Request{Username: username, Path: h.write(doc)})
	testutil.MustNoErr(h.T, err, "StartImport")
	return p
}

func (h *harness) importDoc(doc string) *jobs.ImportProgress {
	h.T.Helper()
	return h.importAs(h.User.Username, doc)
}

type counts struct {
	Status                          string
	Processed, Imported, Duplicates int64
	Skipped, MediaErrors            int64
}

func countsOf(p *jobs.ImportProgress) counts {
	s := p.Snapshot()
	return counts{
		Status:      s.Status,
		Processed:   s.Processed,
		Imported:    s.Imported,
		Duplicates:  s.Duplicates,
		Skipped:     s.Skipped,
		MediaErrors: s.MediaErrors,
	}
}

func assertCounts(t *testing.T, p *jobs.ImportProgress, want counts) {
	t.Helper()
	if diff := cmp.Diff(want, countsOf(p)); diff != "" {
		t.Errorf("import counters mismatch (-want +got):\n%s\nerrors: %v", diff, p.Errors())
	}
}

func pngData(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 10), B: 0x40, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func inboundMMS(from string, date int64, parts ...testutil.MMSPart) testutil.MMS {
	return testutil.MMS{
		Address: from,
		Date:    date,
		Box:     backup.BoxInbox,
		Addrs: []testutil.MMSAddr{
			{Address: from, Type: backup.RoleFrom},
			{Address: owner, Type: backup.RoleTo},
		},
		Parts: parts,
	}
}

func textPart(seq int, text string) testutil.MMSPart {
	return testutil.MMSPart{Seq: seq, ContentType: "text/plain", Text: text}
}

func (h *harness) conversations() []*store.Conversation {
	h.T.Helper()
	convs, err := h.Store.ListConversations(h.User.ID)
	testutil.MustNoErr(h.T, err, "ListConversations")
	return convs
}

func (h *harness) messageCount() int64 {
	h.T.Helper()
	n, err := h.Store.CountMessages(h.User.ID)
	testutil.MustNoErr(h.T, err, "CountMessages")
	return n
}

func stagedFiles(t *testing.T, m *media.Store) []string {
	t.Helper()
	entries, err := os.ReadDir(m.StagingDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	testutil.MustNoErr(t, err, "read staging dir")
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestImport_ReimportIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	doc := testutil.NewBackup().
		SMS("(555) 123-4567", 1000, 1, "hi there", "Alice").
		SMS("5551234567", 2000, 2, "hello back", "Alice").
		SMS("+1 555 222 3333", 3000, 1, "other thread", "Bob").
		MMS(inboundMMS("5551234567", 4000,
			textPart(0, "look"),
			testutil.MMSPart{Seq: 1, ContentType: "image/png", Name: "cat.png", Data: pngData(t)})).
		String()

	first := h.importDoc(doc)
	assertCounts(t, first, counts{Status: "COMPLETED", Processed: 4, Imported: 4})

	parts, err := h.Store.CountParts(h.User.ID)
	testutil.MustNoErr(t, err, "CountParts")

	second := h.importDoc(doc)
	assertCounts(t, second, counts{Status: "COMPLETED", Processed: 4, Duplicates: 4})

	if n := h.messageCount(); n != 4 {
		t.Errorf("messages after reimport = %d, want 4", n)
	}
	partsAfter, err := h.Store.CountParts(h.User.ID)
	testutil.MustNoErr(t, err, "CountParts")
	if partsAfter != parts {
		t.Errorf("parts after reimport = %d, want %d", partsAfter, parts)
	}
	if got := stagedFiles(t, h.media); len(got) != 0 {
		t.Errorf("staging dir not empty after reimport: %v", got)
	}
}

func TestImport_InFileDuplicates(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.importDoc(testutil.NewBackup().
		SMS("5551234567", 1000, 1, "one", "").
		SMS("5551234567", 1000, 1, "one", "").
		SMS("5551234567", 2000, 1, "two", "").
		SMS("5551234567", 2000, 1, "two", "").
		String())

	assertCounts(t, p, counts{Status: "COMPLETED", Processed: 4, Imported: 2, Duplicates: 2})
}

func TestImport_BodyNormalizationCollapsesDuplicates(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.importDoc(testutil.NewBackup().
		SMS("5551234567", 5000, 1, "Hello", "").
		SMS("5551234567", 5000, 1, "hello ", "").
		SMS("5551234567", 5000, 1, " HELLO", "").
		String())

	assertCounts(t, p, counts{Status: "COMPLETED", Processed: 3, Imported: 1, Duplicates: 2})
}

func TestImport_BoxCodeIsPartOfIdentity(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.importDoc(testutil.NewBackup().
		SMS("5551234567", 5000, 1, "same", "").
		SMS("5551234567", 5000, 2, "same", "").
		String())

	assertCounts(t, p, counts{Status: "COMPLETED", Processed: 2, Imported: 2})
}

func TestImport_ConversationIndependentOfProtocolOrder(t *testing.T) {
	h := newHarness(t, Options{})
	bob := testutil.NewTestUser(t, h.Store, "bob")

	sms := testutil.NewBackup().SMS("555-123-4567", 1000, 1, "sms first", "Carol").String()
	mms := testutil.NewBackup().MMS(inboundMMS("+15551234567", 2000, textPart(0, "mms second"))).String()

	for _, tc := range []struct {
		user  *store.User
		order []string
	}{
		{h.User, []string{sms, mms}},
		{bob, []string{mms, sms}},
	} {
		for _, doc := range tc.order {
			p := h.importAs(tc.user.Username, doc)
			if p.Status() != jobs.StatusCompleted || p.Imported() != 1 {
				t.Fatalf("%s: import = %+v", tc.user.Username, p.Snapshot())
			}
		}

		convs, err := h.Store.ListConversations(tc.user.ID)
		testutil.MustNoErr(t, err, "ListConversations")
		if len(convs) != 1 {
			t.Fatalf("%s: %d conversations, want 1", tc.user.Username, len(convs))
		}
		if convs[0].Type != store.ConversationOneToOne {
			t.Errorf("%s: conversation type = %s", tc.user.Username, convs[0].Type)
		}
		msgs, err := h.Store.ListMessages(convs[0].ID)
		testutil.MustNoErr(t, err, "ListMessages")
		var protocols []string
		for _, m := range msgs {
			protocols = append(protocols, m.Protocol)
		}
		if diff := cmp.Diff([]string{"SMS", "MMS"}, protocols); diff != "" {
			t.Errorf("%s: protocols mismatch (-want +got):\n%s", tc.user.Username, diff)
		}
	}
}

func TestImport_OwnerNumberUnconfigured(t *testing.T) {
	in := func(date int64) testutil.MMS { return inboundMMS("+15551234567", date, textPart(0, "hi")) }
	out := testutil.MMS{
		Address: "+15551234567",
		Date:    2000,
		Box:     2,
		Addrs: []testutil.MMSAddr{
			{Address: owner, Type: backup.RoleFrom},
			{Address: "+15551234567", Type: backup.RoleTo},
		},
		Parts: []testutil.MMSPart{textPart(0, "hello back")},
	}

	for name, doc := range map[string]string{
		"inbound first":  testutil.NewBackup().MMS(in(1000)).MMS(out).MMS(in(3000)).String(),
		"outbound first": testutil.NewBackup().MMS(out).MMS(in(1000)).MMS(in(3000)).String(),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{SelfNumbers: []string{}})
			p := h.importDoc(doc)
			assertCounts(t, p, counts{Status: "COMPLETED", Processed: 3, Imported: 3})

			convs := h.conversations()
			if len(convs) != 1 || convs[0].Type != store.ConversationOneToOne {
				t.Fatalf("conversations = %+v, want one ONE_TO_ONE", convs)
			}
			contacts, err := h.Store.ListContacts(h.User.ID)
			testutil.MustNoErr(t, err, "ListContacts")
			if len(contacts) != 1 || contacts[0].NormalizedNumber != "15551234567" {
				t.Errorf("contacts = %+v, want only the counterparty", contacts)
			}
		})
	}
}

func TestImport_GroupLabelNeverNamesContact(t *testing.T) {
	h := newHarness(t, Options{})
	group := testutil.MMS{
		Address:     "5551110001~5551110002",
		Date:        1000,
		Box:         backup.BoxInbox,
		ContactName: "Neighborhood Group",
		Addrs: []testutil.MMSAddr{
			{Address: "5551110001", Type: backup.RoleFrom},
			{Address: owner, Type: backup.RoleTo},
			{Address: "5551110002", Type: backup.RoleTo},
		},
		Parts: []testutil.MMSPart{textPart(0, "block party saturday")},
	}
	p := h.importDoc(testutil.NewBackup().
		MMS(group).
		SMS("5551110001", 2000, 1, "see you there", "Dana").
		String())
	assertCounts(t, p, counts{Status: "COMPLETED", Processed: 2, Imported: 2})

	names := h.ContactNames()
	for _, n := range names {
		if n == "Neighborhood Group" {
			t.Errorf("group label stored as contact name: %v", names)
		}
	}
	if diff := cmp.Diff([]string{"Dana"}, names); diff != "" {
		t.Errorf("contact names mismatch (-want +got):\n%s", diff)
	}

	var groupNames []string
	for _, c := range h.conversations() {
		if c.IsGroup() {
			groupNames = append(groupNames, c.Name.String)
		}
	}
	if diff := cmp.Diff([]string{"Neighborhood Group"}, groupNames); diff != "" {
		t.Errorf("group conversation names mismatch (-want +got):\n%s", diff)
	}
}

func TestImport_EmptyFileFails(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.importDoc("")

	assertCounts(t, p, counts{Status: "FAILED"})
	if strings.TrimSpace(p.FatalError()) == "" {
		t.Error("empty file: fatal error is blank")
	}
	if s := p.Snapshot(); s.Error == "" || s.FinishedAt == nil {
		t.Errorf("snapshot = %+v, want error and finish time", s)
	}
}

func TestImport_MalformedFileCommitsNothingFromOpenBatch(t *testing.T) {
	h := newHarness(t, Options{})
	doc := testutil.NewBackup().
		SMS("5551234567", 1000, 1, "first", "").
		MMS(inboundMMS("5551234567", 2000,
			testutil.MMSPart{Seq: 0, ContentType: "image/png", Name: "a.png", Data: pngData(t)})).
		String()
	doc = strings.TrimSuffix(doc, "</smses>\n") + `<sms address="5551234567" date="3000" type="1" body="cut`

	p := h.importDoc(doc)

	assertCounts(t, p, counts{Status: "FAILED", Processed: 2})
	if p.FatalError() == "" {
		t.Error("parse failure recorded no error")
	}
	if n := h.messageCount(); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if got := stagedFiles(t, h.media); len(got) != 0 {
		t.Errorf("staged media left behind: %v", got)
	}
}

func TestImport_EarlierBatchesSurviveParseFailure(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 2})
	doc := testutil.NewBackup().
		SMS("5551234567", 1000, 1, "a", "").
		SMS("5551234567", 2000, 1, "b", "").
		SMS("5551234567", 3000, 1, "c", "").
		String()
	doc = strings.TrimSuffix(doc, "</smses>\n") + "<sms address="

	p := h.importDoc(doc)

	assertCounts(t, p, counts{Status: "FAILED", Processed: 3, Imported: 2})
	if n := h.messageCount(); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}

	// Re-running the repaired file only adds what is missing.
	fixed := testutil.NewBackup().
		SMS("5551234567", 1000, 1, "a", "").
		SMS("5551234567", 2000, 1, "b", "").
		SMS("5551234567", 3000, 1, "c", "").
		String()
	again := h.importDoc(fixed)
	assertCounts(t, again, counts{Status: "COMPLETED", Processed: 3, Imported: 1, Duplicates: 2})
}

func TestImport_RecordProblemsAreCountedNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.importDoc(testutil.NewBackup().
		Raw(`<sms address="5551234567" date="abc" type="zz" body="garbled" />`).
		Raw(`<sms address="5551234567" body="no header" />`).
		SMS("", 1000, 1, "no address", "").
		SMS("5551234567", 2000, 1, "fine", "").
		String())

	assertCounts(t, p, counts{Status: "COMPLETED", Processed: 4, Imported: 1, Skipped: 3})
	errs := p.Errors()
	if len(errs) != 3 {
		t.Fatalf("errors = %v, want 3 entries", errs)
	}
	testutil.AssertContainsAll(t, errs[0], "missing or invalid date, type")
	testutil.AssertContainsAll(t, errs[1], "missing or invalid date, type")
}

func TestImport_EpochDateIsValid(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.importDoc(testutil.NewBackup().
		SMS("5551234567", 0, 1, "sent at the epoch", "").
		String())

	assertCounts(t, p, counts{Status: "COMPLETED", Processed: 1, Imported: 1})
	convs := h.conversations()
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	msgs, err := h.Store.ListMessages(convs[0].ID)
	testutil.MustNoErr(t, err, "ListMessages")
	if len(msgs) != 1 || msgs[0].SentAt != 0 {
		t.Errorf("messages = %+v, want one dated 0", msgs)
	}
}

func TestImport_MediaRelocatedIntoConversation(t *testing.T) {
	h := newHarness(t, Options{})
	p := h.importDoc(testutil.NewBackup().
		MMS(inboundMMS("5551234567", 1700000000000,
			testutil.MMSPart{Seq: 0, ContentType: "application/smil", Text: "<smil/>"},
			testutil.MMSPart{Seq: 1, ContentType: "image/png", Name: "cat.png", Data: pngData(t)},
			textPart(2, "  a cat  "))).
		String())
	assertCounts(t, p, counts{Status: "COMPLETED", Processed: 1, Imported: 1})

	convs := h.conversations()
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	conv := convs[0]
	if !conv.LastMessageAt.Valid || conv.LastMessageAt.Int64 != 1700000000000 {
		t.Errorf("last_message_at = %+v", conv.LastMessageAt)
	}

	msgs, err := h.Store.ListMessages(conv.ID)
	testutil.MustNoErr(t, err, "ListMessages")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Body != "a cat" {
		t.Errorf("body = %q, want %q", m.Body, "a cat")
	}
	if len(m.Parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(m.Parts))
	}

	var withFiles []*store.MessagePart
	for _, part := range m.Parts {
		if part.FilePath != "" {
			withFiles = append(withFiles, part)
		}
	}
	if len(withFiles) != 1 {
		t.Fatalf("parts with files = %d, want 1", len(withFiles))
	}
	img := withFiles[0]
	if dir := filepath.Dir(img.FilePath); dir != h.media.ConversationDir(conv.ID) {
		t.Errorf("image dir = %s, want %s", dir, h.media.ConversationDir(conv.ID))
	}
	if !strings.HasPrefix(filepath.Base(img.FilePath), "msg-temp-seq1-1700000000-") || filepath.Ext(img.FilePath) != ".png" {
		t.Errorf("image name = %s", filepath.Base(img.FilePath))
	}
	if img.SizeBytes == 0 {
		t.Error("image size not recorded")
	}
	testutil.MustExist(t, img.FilePath)
	testutil.MustExist(t, media.ThumbnailPath(img.FilePath))
	if got := stagedFiles(t, h.media); len(got) != 0 {
		t.Errorf("staged media left behind: %v", got)
	}
}

func TestImport_UndecodablePayloadIsMediaError(t *testing.T) {
	h := newHarness(t, Options{})
	doc := testutil.NewBackup().Raw(`<mms date="1000" msg_box="1" address="5551234567">
  <parts>
    <part seq="0" ct="image/jpeg" name="x.jpg" data="***not base64***" />
    <part seq="1" ct="text/plain" text="still here" />
  </parts>
  <addrs>
    <addr address="5551234567" type="137" charset="106" />
  </addrs>
</mms>`).String()

	p := h.importDoc(doc)

	assertCounts(t, p, counts{Status: "COMPLETED", Processed: 1, Imported: 1, MediaErrors: 1})
}

func TestStartImport_UnknownUser(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.svc.StartImport(Request{Username: "nobody", Path: h.write("")})
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("StartImport error = %v, want ErrUnknownUser", err)
	}
	if n := len(h.svc.List()); n != 0 {
		t.Errorf("jobs registered = %d, want 0", n)
	}
}

type rejectingRunner struct{}

func (rejectingRunner) Submit(string, jobs.Task) error { return jobs.ErrQueueFull }

func TestStartImport_QueueFull(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.runner = rejectingRunner{}

	_, err := h.svc.StartImport(Request{Username: h.User.Username, Path: h.write("")})
	if !errors.Is(err, jobs.ErrQueueFull) {
		t.Fatalf("StartImport error = %v, want ErrQueueFull", err)
	}
	list := h.svc.List()
	if len(list) != 1 || list[0].Status() != jobs.StatusFailed {
		t.Errorf("rejected job should stay queryable as FAILED, got %d jobs", len(list))
	}
}

func TestStartImport_Async(t *testing.T) {
	h := newHarness(t, Options{})
	pool := jobs.NewPool(2, 8, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	h.svc.runner = pool

	done := make(chan *jobs.ImportProgress, 1)
	p, err := h.svc.StartImport(Request{
		Username: h.User.Username,
		Path:     h.write(testutil.NewBackup().SMS("5551234567", 1000, 1, "async", "").String()),
		OnFinish: func(p *jobs.ImportProgress) { done <- p },
	})
	testutil.MustNoErr(t, err, "StartImport")

	select {
	case finished := <-done:
		if finished != p {
			t.Error("OnFinish received a different job")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("import did not finish")
	}

	got, ok := h.svc.Get(p.ID())
	if !ok {
		t.Fatalf("Get(%q) not found", p.ID())
	}
	snap := got.Snapshot()
	if snap.Status != "COMPLETED" || snap.Imported != 1 || snap.Percent != 100 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.TotalBytes == 0 || snap.BytesRead == 0 {
		t.Errorf("byte progress not reported: %+v", snap)
	}
	if _, ok := h.svc.Get("missing"); ok {
		t.Error("Get(missing) should report not found")
	}
}
