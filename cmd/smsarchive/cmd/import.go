package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JoshFouchey/sms-archive-sub000/internal/importer"
	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
)

var importUser string

var importCmd = &cobra.Command{
	Use:   "import --user NAME FILE...",
	Short: "Import SMS/MMS backup files",
	Long: `Import one or more SMS/MMS backup XML files into a user's archive.

Files are imported one after another in the foreground. Messages already in
the archive are counted as duplicates, so re-running an import is safe.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		u, err := requireUser(s, importUser)
		if err != nil {
			return err
		}
		for _, path := range args {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("backup file: %w", err)
			}
		}

		svc := newServices(s, jobs.Inline{Logger: logger})
		progress := newImportProgress(cmd.OutOrStdout())

		failed := 0
		for _, path := range args {
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			snap, err := importFile(svc.imports, progress, u.Username, path)
			if err != nil {
				return err
			}
			if snap.Status == jobs.StatusFailed.String() {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d imports failed", failed, len(args))
		}
		return nil
	},
}

// importFile runs one import on the calling goroutine while a ticker
// redraws the progress line from the job's snapshot.
func importFile(svc *importer.Service, progress *importProgress, username, path string) (jobs.ImportSnapshot, error) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	started := len(svc.List())
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if all := svc.List(); len(all) > started {
					progress.update(all[len(all)-1].Snapshot())
				}
			}
		}
	}()

	p, err := svc.StartImport(importer.Request{Username: username, Path: path})
	close(done)
	<-stopped
	if err != nil {
		return jobs.ImportSnapshot{}, err
	}

	snap := p.Snapshot()
	progress.finish(snap)
	return snap, nil
}

func init() {
	importCmd.Flags().StringVar(&importUser, "user", "", "account to import into")
	rootCmd.AddCommand(importCmd)
}
