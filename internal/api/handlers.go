package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JoshFouchey/sms-archive-sub000/internal/fileutil"
	"github.com/JoshFouchey/sms-archive-sub000/internal/importer"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/media"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
	"github.com/JoshFouchey/sms-archive-sub000/internal/watcher"
)

// StatsResponse represents the archive statistics.
type StatsResponse struct {
	TotalUsers         int64 `json:"total_users"`
	TotalContacts      int64 `json:"total_contacts"`
	TotalConversations int64 `json:"total_conversations"`
	TotalMessages      int64 `json:"total_messages"`
	TotalParts         int64 `json:"total_parts"`
	DatabaseSize       int64 `json:"database_size_bytes"`
}

// JobAccepted is returned when a job has been queued.
type JobAccepted struct {
	JobID string `json:"job_id"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, "unavailable", what+" not available")
}

// writeStartError maps a failure to start a job onto a response.
func (s *Server) writeStartError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, importer.ErrUnknownUser), errors.Is(err, media.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "unknown_user", err.Error())
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrClosed):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "busy", err.Error())
	default:
		s.logger.Error("failed to start "+what, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to start "+what)
	}
}

// lookupUser resolves the {username} path parameter, writing a response
// and returning nil when it cannot.
func (s *Server) lookupUser(w http.ResponseWriter, r *http.Request) *store.User {
	username := chi.URLParam(r, "username")
	user, err := s.deps.Store.GetUserByUsername(username)
	if err != nil {
		s.logger.Error("failed to look up user", "user", username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to look up user")
		return nil
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "unknown_user", "No such user: "+username)
		return nil
	}
	return user
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats returns archive statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "Database")
		return
	}
	stats, err := s.deps.Store.GetStats()
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		TotalUsers:         stats.UserCount,
		TotalContacts:      stats.ContactCount,
		TotalConversations: stats.ConversationCount,
		TotalMessages:      stats.MessageCount,
		TotalParts:         stats.PartCount,
		DatabaseSize:       stats.DatabaseSize,
	})
}

// handleUpload streams the multipart "file" field to the uploads directory
// and starts an import for it. The upload is removed once the job ends.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil || s.deps.Imports == nil {
		unavailable(w, "Import service")
		return
	}
	user := s.lookupUser(w, r)
	if user == nil {
		return
	}

	path, cleanup, err := s.saveUpload(r)
	if err != nil {
		var bad badUpload
		if errors.As(err, &bad) {
			writeError(w, http.StatusBadRequest, "invalid_upload", bad.Error())
			return
		}
		s.logger.Error("failed to save upload", "user", user.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to save upload")
		return
	}

	p, err := s.deps.Imports.StartImport(importer.Request{
		Username: user.Username,
		Path:     path,
		OnFinish: func(*jobs.ImportProgress) { cleanup() },
	})
	if err != nil {
		cleanup()
		s.writeStartError(w, "import", err)
		return
	}

	s.logger.Info("import queued via API", "job", p.ID(), "user", user.Username, "file", filepath.Base(path))
	writeJSON(w, http.StatusAccepted, JobAccepted{JobID: p.ID()})
}

type badUpload string

func (b badUpload) Error() string { return string(b) }

// saveUpload copies the "file" part of a multipart request into a fresh
// directory under the uploads root, keeping the client's file name.
func (s *Server) saveUpload(r *http.Request) (path string, cleanup func(), err error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, badUpload("expected multipart/form-data with a \"file\" field")
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil, badUpload("missing \"file\" field")
		}
		if err != nil {
			return "", nil, badUpload(fmt.Sprintf("read multipart body: %v", err))
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		defer part.Close()
		return s.writeUpload(part, uploadName(part.FileName()))
	}
}

func (s *Server) writeUpload(src io.Reader, name string) (string, func(), error) {
	root := s.cfg.UploadsDir()
	if err := fileutil.SecureMkdirAll(root, fileutil.DirPerm); err != nil {
		return "", nil, err
	}
	dir, err := os.MkdirTemp(root, "upload-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("cannot remove upload", "dir", dir, "error", err)
		}
	}

	path := filepath.Join(dir, name)
	f, err := fileutil.CreateExclusive(path, fileutil.FilePerm)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		cleanup()
		return "", nil, badUpload(fmt.Sprintf("read upload: %v", err))
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

// uploadName reduces a client-supplied file name to a safe base name.
func uploadName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "upload.xml"
	}
	return name
}

// handleImportStatus returns an import job's progress.
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Imports == nil {
		unavailable(w, "Import service")
		return
	}
	p, ok := s.deps.Imports.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Import job not found")
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

// handleRebuildThumbnails starts a thumbnail rebuild. It runs in the
// background unless async=false, in which case the final snapshot is
// returned.
func (s *Server) handleRebuildThumbnails(w http.ResponseWriter, r *http.Request) {
	if s.deps.Thumbnails == nil {
		unavailable(w, "Thumbnail service")
		return
	}
	q := r.URL.Query()

	var contactID int64
	if v := q.Get("contact_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_contact_id", "contact_id must be a positive number")
			return
		}
		contactID = id
	}
	force, err := boolParam(q.Get("force"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_force", "force must be true or false")
		return
	}
	async, err := boolParam(q.Get("async"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_async", "async must be true or false")
		return
	}

	username := chi.URLParam(r, "username")
	p, err := s.deps.Thumbnails.Start(username, contactID, force, !async)
	if err != nil {
		s.writeStartError(w, "thumbnail rebuild", err)
		return
	}
	if async {
		writeJSON(w, http.StatusAccepted, p.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

func boolParam(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

// handleThumbnailStatus returns a thumbnail rebuild's progress.
func (s *Server) handleThumbnailStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Thumbnails == nil {
		unavailable(w, "Thumbnail service")
		return
	}
	p, ok := s.deps.Thumbnails.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Thumbnail job not found")
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

// handleUserStats returns message counts for a user over [from, to].
// Dates are YYYY-MM-DD (a bare "to" date covers that whole day) or RFC3339.
func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "Database")
		return
	}
	user := s.lookupUser(w, r)
	if user == nil {
		return
	}

	from, err := parseBound(r.URL.Query().Get("from"), time.Unix(0, 0), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", err.Error())
		return
	}
	to, err := parseBound(r.URL.Query().Get("to"), time.Now(), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", err.Error())
		return
	}

	counts, err := s.deps.Store.CountMessagesInRange(user.ID, from, to)
	if err != nil {
		s.logger.Error("failed to count messages", "user", user.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to count messages")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// parseBound parses a range bound. endOfDay moves a bare date to the last
// millisecond of that day.
func parseBound(v string, def time.Time, endOfDay bool) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a date (YYYY-MM-DD) or RFC3339 time", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

// handleWatcherStatus returns the drop-directory watcher's state.
func (s *Server) handleWatcherStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watcher == nil {
		unavailable(w, "Directory watcher")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Watcher.Status())
}

func (s *Server) handleWatcherPause(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watcher == nil {
		unavailable(w, "Directory watcher")
		return
	}
	s.deps.Watcher.Pause()
	writeJSON(w, http.StatusOK, s.deps.Watcher.Status())
}

func (s *Server) handleWatcherResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watcher == nil {
		unavailable(w, "Directory watcher")
		return
	}
	s.deps.Watcher.Resume()
	writeJSON(w, http.StatusOK, s.deps.Watcher.Status())
}

// handleWatcherScan runs a scan immediately, even while paused.
func (s *Server) handleWatcherScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watcher == nil {
		unavailable(w, "Directory watcher")
		return
	}
	res, err := s.deps.Watcher.ScanNow()
	switch {
	case errors.Is(err, watcher.ErrDisabled):
		writeError(w, http.StatusConflict, "watcher_disabled", err.Error())
	case errors.Is(err, watcher.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "watcher_stopped", err.Error())
	case err != nil:
		s.logger.Error("manual scan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Scan failed")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
