package cmd

import (
	"fmt"

	"github.com/JoshFouchey/sms-archive-sub000/internal/importer"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/media"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
)

// openStore opens the configured database and brings its schema up to date.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// requireUser looks up an account that must exist.
func requireUser(s *store.Store, username string) (*store.User, error) {
	if username == "" {
		return nil, fmt.Errorf("--user is required")
	}
	u, err := s.GetUserByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if u == nil {
		return nil, fmt.Errorf("no such user %q (create it with 'smsarchive add-user %s')", username, username)
	}
	return u, nil
}

// services holds the job services shared by the CLI commands and the daemon.
type services struct {
	imports  *importer.Service
	rebuilds *media.Rebuilds
}

func newServices(s *store.Store, runner jobs.Runner) *services {
	thumbs := media.NewThumbnailer(cfg.Thumbnails.Size, cfg.Thumbnails.Quality)
	mediaStore := media.NewStore(cfg.MediaDir(), thumbs).WithLogger(logger)
	rebuilder := media.NewRebuilder(s, thumbs).WithLogger(logger)
	return &services{
		imports:  importer.NewService(s, mediaStore, runner, cfg.ImporterOptions()).WithLogger(logger),
		rebuilds: media.NewRebuilds(rebuilder, s, runner),
	}
}
