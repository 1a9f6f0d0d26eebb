// Package media stores MMS part payloads on disk, renders their thumbnails
// and rebuilds thumbnails for parts already in the archive.
//
// Payloads are written before their message is committed, into a staging
// directory under the media root. Once the owning conversation is known
// they are relocated into {root}/{conversationID}/ together with any
// thumbnail. A thumbnail always sits next to its original as
// {stem}_thumb.jpg.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/JoshFouchey/sms-archive-sub000/internal/fileutil"
)

// StagingDirName is the media root subdirectory for payloads whose
// conversation is not yet known.
const StagingDirName = "_noconversation"

// Store writes part payloads under a media root.
type Store struct {
	root   string
	thumbs *Thumbnailer
	logger *slog.Logger
}

// NewStore returns a Store rooted at root. A nil thumbs disables thumbnails
// at staging time.
func NewStore(root string, thumbs *Thumbnailer) *Store {
	return &Store{root: root, thumbs: thumbs, logger: slog.Default()}
}

// WithLogger sets the logger.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger
	return s
}

// Root returns the media root directory.
func (s *Store) Root() string { return s.root }

// StagingDir returns the staging directory.
func (s *Store) StagingDir() string { return filepath.Join(s.root, StagingDirName) }

// ConversationDir returns the final directory for a conversation's media.
func (s *Store) ConversationDir(conversationID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(conversationID, 10))
}

// Staged describes a payload written to the staging directory.
type Staged struct {
	Path        string
	Size        int64
	ContentType string // declared type, or the sniffed one when generic
	Thumb       ThumbResult
	ThumbErr    error
}

// Stage writes one part payload into the staging directory and renders its
// thumbnail. A thumbnail failure is reported in ThumbErr and does not fail
// the write.
func (s *Store) Stage(seq int, ts time.Time, contentType, name string, data []byte) (*Staged, error) {
	dir := s.StagingDir()
	if err := fileutil.SecureMkdirAll(dir, fileutil.DirPerm); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	ct := ContentType(contentType, data)
	f, err := CreateUnique(dir, BaseName(0, seq, ts, data), Extension(ct, name))
	if err != nil {
		return nil, fmt.Errorf("create media file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write media file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close media file: %w", err)
	}

	st := &Staged{Path: path, Size: int64(len(data)), ContentType: ct, Thumb: ThumbUnsupported}
	if s.thumbs != nil && Classify(ct) != ThumbNone {
		st.Thumb, st.ThumbErr = s.thumbs.Create(path, ct, false)
	}
	return st, nil
}

// Relocate moves a staged payload and its thumbnail into the conversation's
// directory and returns the new path. Paths outside the staging directory
// are returned unchanged. A name already taken in the target directory gets
// a random suffix; nothing is overwritten.
func (s *Store) Relocate(path string, conversationID int64) (string, error) {
	if path == "" || filepath.Base(filepath.Dir(path)) != StagingDirName {
		return path, nil
	}
	dir := s.ConversationDir(conversationID)
	if err := fileutil.SecureMkdirAll(dir, fileutil.DirPerm); err != nil {
		return "", fmt.Errorf("create conversation media dir: %w", err)
	}

	dst, err := claim(dir, filepath.Base(path))
	if err != nil {
		return "", err
	}
	if err := fileutil.MoveFile(path, dst); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("move %s: %w", filepath.Base(path), err)
	}

	thumb := ThumbnailPath(path)
	if _, err := os.Stat(thumb); err == nil {
		if err := fileutil.MoveFile(thumb, ThumbnailPath(dst)); err != nil {
			s.logger.Warn("failed to move thumbnail", "part", thumb, "err", err)
		}
	}
	return dst, nil
}

// claim reserves a free file name in dir by creating it exclusively.
func claim(dir, name string) (string, error) {
	for _, candidate := range []string{name, fileutil.WithSuffix(name, uuid.NewString())} {
		p := filepath.Join(dir, candidate)
		f, err := fileutil.CreateExclusive(p, fileutil.FilePerm)
		if err == nil {
			f.Close()
			return p, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("reserve %s: %w", p, err)
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", name, dir)
}

// Discard removes a payload and its thumbnail.
func (s *Store) Discard(path string) {
	if path == "" {
		return
	}
	for _, p := range []string{path, ThumbnailPath(path)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove media file", "part", p, "err", err)
		}
	}
}
