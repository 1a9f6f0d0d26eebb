package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
)

// PartSource lists the image parts a rebuild visits.
type PartSource interface {
	ListImageParts(userID, contactID int64) ([]*store.MessagePart, error)
}

// Rebuilder regenerates thumbnails for parts already in the archive.
type Rebuilder struct {
	parts  PartSource
	thumbs *Thumbnailer
	logger *slog.Logger
}

// NewRebuilder returns a Rebuilder.
func NewRebuilder(parts PartSource, thumbs *Thumbnailer) *Rebuilder {
	return &Rebuilder{parts: parts, thumbs: thumbs, logger: slog.Default()}
}

// WithLogger sets the logger.
func (r *Rebuilder) WithLogger(logger *slog.Logger) *Rebuilder {
	r.logger = logger
	return r
}

// Run executes the rebuild described by p for a user. A failing part is
// counted and recorded without stopping the job; only failing to list the
// parts fails it.
func (r *Rebuilder) Run(p *jobs.ThumbnailProgress, userID int64) {
	if !p.Start() {
		return
	}
	log := r.logger.With("job", p.ID(), "user", p.Username)
	defer func() {
		if v := recover(); v != nil {
			log.Error("thumbnail rebuild panicked", "panic", v)
			p.Fail(fmt.Errorf("thumbnail rebuild panicked: %v", v))
		}
	}()

	parts, err := r.parts.ListImageParts(userID, p.ContactID)
	if err != nil {
		log.Error("thumbnail rebuild failed", "err", err)
		p.Fail(fmt.Errorf("list image parts: %w", err))
		return
	}
	p.SetTotal(int64(len(parts)))
	log.Info("rebuilding thumbnails", "parts", len(parts), "contact", p.ContactID, "force", p.Force)

	for _, part := range parts {
		r.rebuildPart(log, p, part)
	}
	p.Complete()
	s := p.Snapshot()
	log.Info("thumbnail rebuild completed",
		"regenerated", s.Regenerated, "skipped", s.Skipped, "errors", s.ErrorsCount)
}

func (r *Rebuilder) rebuildPart(log *slog.Logger, p *jobs.ThumbnailProgress, part *store.MessagePart) {
	if part.FilePath == "" {
		p.Skipped()
		return
	}
	if _, err := os.Stat(part.FilePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.Errored(fmt.Sprintf("part %d: original file not found: %s", part.ID, part.FilePath))
		} else {
			p.Errored(fmt.Sprintf("part %d: %v", part.ID, err))
		}
		return
	}

	res, err := r.thumbs.Create(part.FilePath, part.ContentType, p.Force)
	switch {
	case err != nil:
		log.Warn("thumbnail failed", "part", part.ID, "err", err)
		p.Errored(fmt.Sprintf("part %d: %v", part.ID, err))
	case res == ThumbCreated:
		p.Regenerated()
	default:
		p.Skipped()
	}
}

// ErrUnknownUser is returned when a rebuild names a user that does not exist.
var ErrUnknownUser = errors.New("unknown user")

// Users looks up accounts by name.
type Users interface {
	GetUserByUsername(username string) (*store.User, error)
}

// Rebuilds starts thumbnail rebuild jobs and keeps their progress
// queryable by token.
type Rebuilds struct {
	rebuilder *Rebuilder
	users     Users
	runner    jobs.Runner
	jobs      *jobs.Registry[*jobs.ThumbnailProgress]
}

// NewRebuilds returns a Rebuilds that runs background jobs on runner.
func NewRebuilds(r *Rebuilder, users Users, runner jobs.Runner) *Rebuilds {
	return &Rebuilds{
		rebuilder: r,
		users:     users,
		runner:    runner,
		jobs:      jobs.NewRegistry[*jobs.ThumbnailProgress](),
	}
}

// Start registers a rebuild for a user's image parts, optionally limited to
// one contact. With wait set the rebuild runs on the calling goroutine and
// the returned progress is terminal; otherwise it is queued on the runner.
func (s *Rebuilds) Start(username string, contactID int64, force, wait bool) (*jobs.ThumbnailProgress, error) {
	user, err := s.users.GetUserByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("look up user %q: %w", username, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUser, username)
	}

	p := jobs.NewThumbnailProgress(user.Username, contactID, force)
	s.jobs.Add(p)
	if wait {
		s.rebuilder.Run(p, user.ID)
		return p, nil
	}
	err = s.runner.Submit("thumbnails "+p.ID(), func(_ context.Context) {
		s.rebuilder.Run(p, user.ID)
	})
	if err != nil {
		p.Fail(err)
		return nil, fmt.Errorf("submit thumbnail rebuild: %w", err)
	}
	return p, nil
}

// Get returns the rebuild job with the given token.
func (s *Rebuilds) Get(id string) (*jobs.ThumbnailProgress, bool) {
	return s.jobs.Get(id)
}
