package commands

import (
	"errors"
	"fmt"

	"github.com/jholhewres/aibotto/pkg/aibotto/database"
	"github.com/spf13/cobra"
)

// newHistoryCmd creates the `aibotto history` command group.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Manage stored conversations",
	}
	cmd.AddCommand(newHistoryClearCmd())
	return cmd
}

func newHistoryClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored conversation of a user in a chat",
		Long: `Delete every stored message of (user, chat), the same as /clear in the chat.

Examples:
  aibotto history clear --user 12345 --chat 12345`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, _ := cmd.Flags().GetInt64("user")
			chatID, _ := cmd.Flags().GetInt64("chat")
			if userID == 0 || chatID == 0 {
				return errors.New("--user and --chat are required")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := database.NewHistoryStore(db, quietLogger()).ClearHistory(cmd.Context(), userID, chatID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d messages for user %d in chat %d.\n", n, userID, chatID)
			return nil
		},
	}
	cmd.Flags().Int64("user", 0, "user ID")
	cmd.Flags().Int64("chat", 0, "chat ID")
	return cmd
}
