package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
)

var (
	statsUser string
	statsFrom string
	statsTo   string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive statistics",
	Long: `Show archive-wide row counts, or with --user the user's message counts
over a date range (YYYY-MM-DD, inclusive; default all time).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if statsUser == "" {
			return printStats(cmd, s)
		}
		u, err := requireUser(s, statsUser)
		if err != nil {
			return err
		}
		from, err := parseDate(statsFrom, time.Unix(0, 0), false)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		to, err := parseDate(statsTo, time.Now(), true)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}

		rc, err := s.CountMessagesInRange(u.ID, from, to)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %s to %s\n", u.Username, rc.From.Format(time.DateOnly), rc.To.Format(time.DateOnly))
		fmt.Fprintf(out, "  Messages: %d\n", rc.Total)
		fmt.Fprintf(out, "  Received: %d\n", rc.Inbound)
		fmt.Fprintf(out, "  Sent:     %d\n", rc.Outbound)
		if verbose {
			for _, d := range rc.Days {
				fmt.Fprintf(out, "    %s  %d\n", d.Day, d.Count)
			}
		}
		return nil
	},
}

func printStats(cmd *cobra.Command, s *store.Store) error {
	stats, err := s.GetStats()
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database: %s\n", cfg.DatabasePath())
	fmt.Fprintf(out, "  Users:         %d\n", stats.UserCount)
	fmt.Fprintf(out, "  Contacts:      %d\n", stats.ContactCount)
	fmt.Fprintf(out, "  Conversations: %d\n", stats.ConversationCount)
	fmt.Fprintf(out, "  Messages:      %d\n", stats.MessageCount)
	fmt.Fprintf(out, "  Attachments:   %d\n", stats.PartCount)
	fmt.Fprintf(out, "  Size:          %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))
	return nil
}

// parseDate parses a YYYY-MM-DD flag value in UTC. endOfDay moves it to the
// last millisecond of that day so the range includes the whole day.
func parseDate(v string, def time.Time, endOfDay bool) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a YYYY-MM-DD date", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

func init() {
	statsCmd.Flags().StringVar(&statsUser, "user", "", "show message counts for this account")
	statsCmd.Flags().StringVar(&statsFrom, "from", "", "first day (YYYY-MM-DD)")
	statsCmd.Flags().StringVar(&statsTo, "to", "", "last day (YYYY-MM-DD)")
	rootCmd.AddCommand(statsCmd)
}
