package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JoshFouchey/sms-archive-sub000/internal/fileutil"
	"github.com/JoshFouchey/sms-archive-sub000/internal/store"
)

var addUserCmd = &cobra.Command{
	Use:   "add-user NAME",
	Short: "Create an archive account",
	Long: `Create an archive account. The name is also the account's
subdirectory in the import drop directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		u, err := s.CreateUser(args[0])
		if errors.Is(err, store.ErrUserExists) {
			return fmt.Errorf("user %q already exists", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (id %d)\n", u.Username, u.ID)

		if cfg.Import.Directory.Enabled {
			dir := filepath.Join(cfg.Import.Directory.Path, u.Username)
			if err := fileutil.SecureMkdirAll(dir, fileutil.DirPerm); err != nil {
				return fmt.Errorf("create drop directory: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  Drop backups into: %s\n", dir)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addUserCmd)
}
