// Package importer turns backup files into archived messages. Each import
// runs as a job: records are streamed from the file, resolved to contacts
// and conversations, filtered for duplicates and committed in batches while
// the job's progress is published for pollers.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/JoshFouchey/sms-archive-sub000/internal/backup"
	"github.com/JoshFouchey/sms-archive-sub000/internal/dedup"
	"github.com/JoshFouchey/sms-archive-sub000/internal/identity"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/media"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
)

// DefaultBatchSize is the number of admitted messages committed per
// transaction.
const DefaultBatchSize = 500

// ErrUnknownUser is returned when an import names a user that does not exist.
var ErrUnknownUser = errors.New("unknown user")

// Store is the persistence an import needs.
type Store interface {
	identity.Store
	dedup.Checker
	GetUserByUsername(username string) (*store.User, error)
	SaveMessages(batch []*store.Message) (int, error)
	UpdatePartPaths(parts []*store.MessagePart) error
	TouchConversation(conversationID, at int64) error
}

// Options tunes an import run.
type Options struct {
	BatchSize   int
	Backup      backup.Options
	SelfNumbers []string // the owner's own numbers, never counterparties
}

// Request describes one file to import.
type Request struct {
	Username string
	Path     string

	// OnFinish runs on the worker once the job is terminal.
	OnFinish func(p *jobs.ImportProgress)
}

// Service starts import jobs and keeps their progress queryable.
type Service struct {
	store  Store
	media  *media.Store
	runner jobs.Runner
	jobs   *jobs.Registry[*jobs.ImportProgress]
	opts   Options
	logger *slog.Logger
}

// NewService returns a Service that runs imports on runner. Pass a
// jobs.Inline runner for synchronous imports.
func NewService(st Store, m *media.Store, runner jobs.Runner, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Service{
		store:  st,
		media:  m,
		runner: runner,
		jobs:   jobs.NewRegistry[*jobs.ImportProgress](),
		opts:   opts,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// StartImport registers a job for req and hands it to the runner. The
// returned progress is PENDING (or already terminal with an inline runner)
// and its ID is the token pollers use with Get.
func (s *Service) StartImport(req Request) (*jobs.ImportProgress, error) {
	user, err := s.store.GetUserByUsername(req.Username)
	if err != nil {
		return nil, fmt.Errorf("look up user %q: %w", req.Username, err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUser, req.Username)
	}

	p := jobs.NewImportProgress(user.Username, filepath.Base(req.Path))
	s.jobs.Add(p)

	err = s.runner.Submit("import "+p.ID(), func(_ context.Context) {
		s.Run(p, user.ID, req.Path)
		if req.OnFinish != nil {
			req.OnFinish(p)
		}
	})
	if err != nil {
		p.Fail(err)
		return nil, fmt.Errorf("submit import: %w", err)
	}
	return p, nil
}

// Get returns the import job with the given token.
func (s *Service) Get(id string) (*jobs.ImportProgress, bool) {
	return s.jobs.Get(id)
}

// List returns every import job started by this process, oldest first.
func (s *Service) List() []*jobs.ImportProgress {
	return s.jobs.List()
}
