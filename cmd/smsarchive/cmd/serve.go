package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/JoshFouchey/sms-archive-sub000/internal/api"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
	"github.com/JoshFouchey/sms-archive-sub000/internal/watcher"
)

const (
	apiShutdownTimeout  = 10 * time.Second
	jobsShutdownTimeout = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the import daemon and HTTP API",
	Long: `Run smsarchive as a long-running daemon. It performs:
  - HTTP API server on the configured port (default: 8080)
  - Background import and thumbnail jobs on a small worker pool
  - Automatic imports from the drop directory, when enabled

Enable the drop directory in config.toml:
  [import.directory]
  enabled = true
  path = "~/.smsarchive/import-drop"

Backups placed in {path}/{username}/ are imported once they have not been
modified for file_age_threshold_seconds.

Use Ctrl+C to stop the daemon gracefully.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Validate security posture before doing any work
	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	pool := jobs.NewPool(cfg.Import.Workers, cfg.Import.QueueSize, logger)
	svc := newServices(s, pool)

	w, err := watcher.New(cfg.WatcherConfig(), svc.imports, s)
	if err != nil {
		return fmt.Errorf("directory watcher: %w", err)
	}
	w.WithLogger(logger)
	if err := w.Start(); err != nil {
		return fmt.Errorf("start directory watcher: %w", err)
	}

	apiServer := api.NewServer(cfg, api.Deps{
		Store:      s,
		Imports:    svc.imports,
		Thumbnails: svc.rebuilds,
		Watcher:    w,
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "smsarchive daemon started\n")
	fmt.Fprintf(out, "  API server: http://%s\n", net.JoinHostPort(cfg.Server.BindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Fprintf(out, "  Data directory: %s\n", cfg.Data.DataDir)
	if cfg.Import.Directory.Enabled {
		fmt.Fprintf(out, "  Drop directory: %s\n", cfg.Import.Directory.Path)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-cmd.Context().Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		runErr = err
	}

	fmt.Fprintln(out, "Shutting down...")
	shutdown(apiServer, w, pool)
	return runErr
}

// shutdown stops accepting work first, then waits for running jobs.
func shutdown(apiServer *api.Server, w *watcher.Watcher, pool *jobs.Pool) {
	apiCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(apiCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	jobsCtx, cancelJobs := context.WithTimeout(context.Background(), jobsShutdownTimeout)
	defer cancelJobs()
	select {
	case <-w.Stop().Done():
	case <-jobsCtx.Done():
		logger.Warn("directory watcher did not stop in time")
	}
	if err := pool.Close(jobsCtx); err != nil {
		logger.Warn("running jobs did not finish before shutdown", "error", err)
	}
}
