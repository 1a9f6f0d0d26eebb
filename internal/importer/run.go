package importer

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/JoshFouchey/sms-archive-sub000/internal/backup"
	"github.com/JoshFouchey/sms-archive-sub000/internal/dedup"
	"github.com/JoshFouchey/sms-archive-sub000/internal/identity"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
)

// Run imports path for userID on the calling goroutine, reporting into p.
// It never panics or returns an error: every outcome is recorded on p.
func (s *Service) Run(p *jobs.ImportProgress, userID int64, path string) {
	if !p.Start() {
		return
	}
	log := s.logger.With("job", p.ID(), "user", p.Username, "file", p.File)
	log.Info("import started")

	defer func() {
		if r := recover(); r != nil {
			log.Error("import panicked", "panic", r, "stack", string(debug.Stack()))
			p.Fail(fmt.Errorf("import panicked: %v", r))
		}
	}()

	if err := s.run(p, userID, path); err != nil {
		p.Fail(err)
		log.Error("import failed", "err", err,
			"processed", p.Processed(), "imported", p.Imported(), "duplicates", p.Duplicates())
		return
	}
	p.Complete()
	log.Info("import completed",
		"processed", p.Processed(), "imported", p.Imported(), "duplicates", p.Duplicates())
}

func (s *Service) run(p *jobs.ImportProgress, userID int64, path string) error {
	opts := s.opts.Backup
	opts.Progress = p.SetBytesRead
	f, err := backup.Open(path, opts)
	if err != nil {
		return err
	}
	defer f.Close()
	p.SetTotalBytes(f.Size())

	resolver := identity.NewResolver(s.store, userID)
	resolver.AddSelfNumbers(s.opts.SelfNumbers...)
	b := &batcher{
		svc:      s,
		p:        p,
		userID:   userID,
		resolver: resolver,
		detector: dedup.NewDetector(userID, s.store),
	}

	for {
		rec, err := f.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Nothing from the batch being parsed is committed.
			b.discard()
			return err
		}
		p.AddProcessed(1)
		if err := b.add(rec); err != nil {
			b.discard()
			return err
		}
		if len(b.pending) >= s.opts.BatchSize {
			if err := b.flush(); err != nil {
				return err
			}
		}
	}
	s.logger.Debug("backup stream finished", "job", p.ID(),
		"records", f.Count(), "distinct", b.detector.Seen(), "bytes", f.Offset())
	return b.flush()
}

// batcher accumulates admitted messages for one run and commits them.
type batcher struct {
	svc      *Service
	p        *jobs.ImportProgress
	userID   int64
	resolver *identity.Resolver
	detector *dedup.Detector
	pending  []*store.Message
}

// add resolves and filters one record. Only storage failures are returned;
// record-level problems are counted on the job.
func (b *batcher) add(rec *backup.Record) error {
	if err := rec.Validate(); err != nil {
		b.skip(fmt.Sprintf("%s record %d: %v", rec.Kind, b.p.Processed(), err))
		return nil
	}

	id, err := b.resolver.Resolve(rec)
	if errors.Is(err, identity.ErrNoIdentity) {
		b.skip(err.Error())
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	msg := &store.Message{
		UserID:         b.userID,
		ConversationID: id.Conversation.ID,
		Protocol:       id.Protocol,
		Direction:      id.Direction,
		Box:            rec.Box,
		SentAt:         rec.Date,
		Body:           rec.Text(),
	}
	if id.Sender != nil {
		msg.SenderContactID = sql.NullInt64{Int64: id.Sender.ID, Valid: true}
	}

	verdict, err := b.detector.Check(msg.DuplicateKey())
	if err != nil {
		return err
	}
	if verdict.Duplicate() {
		b.p.AddDuplicates(1)
		return nil
	}

	if rec.Multipart() {
		msg.Parts = b.parts(rec)
	}
	b.pending = append(b.pending, msg)
	return nil
}

func (b *batcher) skip(reason string) {
	b.p.AddError(reason)
	b.p.AddSkipped(1)
}

// parts converts a multipart record's parts, staging binary payloads.
// Payload failures are media errors and leave the part without a file.
func (b *batcher) parts(rec *backup.Record) []*store.MessagePart {
	out := make([]*store.MessagePart, 0, len(rec.Parts))
	for _, part := range rec.Parts {
		mp := &store.MessagePart{
			Seq:         part.Seq,
			ContentType: part.ContentType,
			Name:        partName(part),
			Text:        part.Text,
		}
		out = append(out, mp)
		if part.IsText() || part.IsSMIL() || !part.HasData() {
			continue
		}

		data, err := part.Decode()
		if err != nil {
			b.mediaError(fmt.Sprintf("%s at %d: %v", rec.Kind, rec.Date, err))
			continue
		}
		staged, err := b.svc.media.Stage(part.Seq, rec.Timestamp(), part.ContentType, mp.Name, data)
		if err != nil {
			b.mediaError(fmt.Sprintf("%s at %d part %d: %v", rec.Kind, rec.Date, part.Seq, err))
			continue
		}
		mp.FilePath = staged.Path
		mp.SizeBytes = staged.Size
		mp.ContentType = staged.ContentType
		if staged.ThumbErr != nil {
			b.mediaError(fmt.Sprintf("thumbnail for %s at %d part %d: %v", rec.Kind, rec.Date, part.Seq, staged.ThumbErr))
		}
	}
	return out
}

func (b *batcher) mediaError(msg string) {
	b.p.AddError(msg)
	b.p.AddMediaErrors(1)
}

func partName(p backup.Part) string {
	if p.Name != "" {
		return p.Name
	}
	return p.FileName
}

// flush commits the pending batch, then moves its staged media into the
// conversations' directories.
func (b *batcher) flush() error {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil

	if _, err := b.svc.store.SaveMessages(batch); err != nil {
		discardMedia(b.svc, batch)
		return fmt.Errorf("save batch: %w", err)
	}

	latest := make(map[int64]int64)
	var moved []*store.MessagePart
	for _, m := range batch {
		if m.ID == 0 {
			// Stored by someone else since the duplicate check.
			b.p.AddDuplicates(1)
			discardMedia(b.svc, []*store.Message{m})
			continue
		}
		b.p.AddImported(1)
		if m.SentAt > latest[m.ConversationID] {
			latest[m.ConversationID] = m.SentAt
		}
		for _, part := range m.Parts {
			if part.FilePath == "" {
				continue
			}
			dst, err := b.svc.media.Relocate(part.FilePath, m.ConversationID)
			if err != nil {
				// The staged copy stays valid and referenced.
				b.mediaError(fmt.Sprintf("relocate part %d: %v", part.ID, err))
				continue
			}
			if dst != part.FilePath {
				part.FilePath = dst
				moved = append(moved, part)
			}
		}
	}

	if err := b.svc.store.UpdatePartPaths(moved); err != nil {
		return fmt.Errorf("update part paths: %w", err)
	}
	for convID, at := range latest {
		if err := b.svc.store.TouchConversation(convID, at); err != nil {
			return err
		}
	}
	return nil
}

// discard drops the uncommitted batch and its staged media.
func (b *batcher) discard() {
	discardMedia(b.svc, b.pending)
	b.pending = nil
}

func discardMedia(s *Service, batch []*store.Message) {
	for _, m := range batch {
		for _, part := range m.Parts {
			s.media.Discard(part.FilePath)
		}
	}
}
