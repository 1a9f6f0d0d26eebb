// Package api provides the HTTP API for submitting imports, running
// thumbnail rebuilds, controlling the drop-directory watcher and polling
// job progress.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JoshFouchey/sms-archive-sub000/internal/config"
	"github.com/JoshFouchey/sms-archive-sub000/internal/importer"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
	"github.com/JoshFouchey/sms-archive-sub000/internal/watcher"
)

// ArchiveStore defines the store operations the API needs.
type ArchiveStore interface {
	GetStats() (*store.Stats, error)
	GetUserByUsername(username string) (*store.User, error)
	CountMessagesInRange(userID int64, from, to time.Time) (*store.RangeCounts, error)
}

// Importer starts import jobs and looks them up by token.
type Importer interface {
	StartImport(req importer.Request) (*jobs.ImportProgress, error)
	Get(id string) (*jobs.ImportProgress, bool)
}

// Thumbnails starts thumbnail rebuilds and looks them up by token.
type Thumbnails interface {
	Start(username string, contactID int64, force, wait bool) (*jobs.ThumbnailProgress, error)
	Get(id string) (*jobs.ThumbnailProgress, bool)
}

// DirectoryWatcher defines the watcher controls the API exposes.
type DirectoryWatcher interface {
	Status() watcher.Status
	Pause()
	Resume()
	ScanNow() (*watcher.ScanResult, error)
}

// Deps bundles the services behind the API.
type Deps struct {
	Store      ArchiveStore
	Imports    Importer
	Thumbnails Thumbnails
	Watcher    DirectoryWatcher
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	deps        Deps
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *RateLimiter
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)

	// CORS middleware (config-driven; disabled when no origins configured)
	corsConfig := CORSConfig{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: s.cfg.Server.CORSCredentials,
		MaxAge:           s.cfg.Server.CORSMaxAge,
	}
	if corsConfig.MaxAge == 0 && len(corsConfig.AllowedOrigins) > 0 {
		corsConfig.MaxAge = 86400
	}
	r.Use(CORSMiddleware(corsConfig))

	if s.cfg.Server.RateLimitRPS > 0 {
		s.rateLimiter = NewRateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst)
		r.Use(RateLimitMiddleware(s.rateLimiter))
	}

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	// API routes (auth required)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleStats)

		// Uploads and synchronous rebuilds can run long; they get no
		// request timeout.
		r.Post("/users/{username}/imports", s.handleUpload)
		r.Post("/users/{username}/thumbnails/rebuild", s.handleRebuildThumbnails)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(60 * time.Second))

			r.Get("/imports/{id}", s.handleImportStatus)

			r.Get("/thumbnails/{id}", s.handleThumbnailStatus)

			r.Get("/users/{username}/stats", s.handleUserStats)

			r.Get("/watcher/status", s.handleWatcherStatus)
			r.Post("/watcher/pause", s.handleWatcherPause)
			r.Post("/watcher/resume", s.handleWatcherResume)
			r.Post("/watcher/scan", s.handleWatcherScan)
		})
	})

	return r
}

// Start begins listening for HTTP requests.
// Returns an error if the security posture is invalid.
func (s *Server) Start() error {
	if err := s.cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("API server running without authentication; set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			level := slog.LevelInfo
			if r.URL.Path == "/health" {
				level = slog.LevelDebug
			}
			s.logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key, taken from X-API-Key or an
// Authorization bearer token. No key configured means no authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			key, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Server.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
