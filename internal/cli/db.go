package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jcarver/prwarden/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "State database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDB()
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "Schema up to date.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate all tables (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			fmt.Fprint(cmd.OutOrStdout(), "This deletes all pipeline history. Type 'yes' to continue: ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if strings.TrimSpace(line) != "yes" {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
		}

		path, err := db.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
		store, err := db.Open(path)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		if err := store.Reset(); err != nil {
			return fmt.Errorf("reset db: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("force", false, "skip the confirmation prompt")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
