package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var mergeUser string

var mergeContactsCmd = &cobra.Command{
	Use:   "merge-contacts --user NAME INTO_ID FROM_ID",
	Short: "Merge one contact into another",
	Long: `Fold contact FROM_ID into INTO_ID. Conversations and sent messages move
to INTO_ID; FROM_ID is kept with its merge lineage so later imports of its
number resolve to INTO_ID.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		into, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INTO_ID %q", args[0])
		}
		from, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid FROM_ID %q", args[1])
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		u, err := requireUser(s, mergeUser)
		if err != nil {
			return err
		}
		if err := s.MergeContacts(u.ID, into, from); err != nil {
			return fmt.Errorf("merge contacts: %w", err)
		}
		logger.Info("contacts merged", "user", u.Username, "into", into, "from", from)
		fmt.Fprintf(cmd.OutOrStdout(), "Merged contact %d into %d\n", from, into)
		return nil
	},
}

func init() {
	mergeContactsCmd.Flags().StringVar(&mergeUser, "user", "", "account that owns both contacts")
	rootCmd.AddCommand(mergeContactsCmd)
}
