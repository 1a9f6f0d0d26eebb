package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JoshFouchey/sms-archive-sub000/internal/jobs"
)

var (
	rebuildUser    string
	rebuildContact int64
	rebuildForce   bool
)

var rebuildThumbnailsCmd = &cobra.Command{
	Use:   "rebuild-thumbnails --user NAME",
	Short: "Regenerate thumbnails for archived images",
	Long: `Regenerate thumbnails for a user's image attachments, optionally limited
to conversations with one contact. Existing thumbnails are kept unless
--force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		u, err := requireUser(s, rebuildUser)
		if err != nil {
			return err
		}

		svc := newServices(s, jobs.Inline{Logger: logger})
		p, err := svc.rebuilds.Start(u.Username, rebuildContact, rebuildForce, true)
		if err != nil {
			return err
		}

		snap := p.Snapshot()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Thumbnail rebuild %s\n", snap.Status)
		fmt.Fprintf(out, "  Parts:       %d\n", snap.Total)
		fmt.Fprintf(out, "  Regenerated: %d\n", snap.Regenerated)
		fmt.Fprintf(out, "  Skipped:     %d\n", snap.Skipped)
		fmt.Fprintf(out, "  Errors:      %d\n", snap.ErrorsCount)
		printErrors(out, snap.Errors)
		if snap.Status == jobs.StatusFailed.String() {
			return fmt.Errorf("thumbnail rebuild failed: %s", snap.Error)
		}
		return nil
	},
}

func init() {
	rebuildThumbnailsCmd.Flags().StringVar(&rebuildUser, "user", "", "account to rebuild")
	rebuildThumbnailsCmd.Flags().Int64Var(&rebuildContact, "contact", 0, "only this contact's conversations")
	rebuildThumbnailsCmd.Flags().BoolVar(&rebuildForce, "force", false, "replace existing thumbnails")
	rootCmd.AddCommand(rebuildThumbnailsCmd)
}
