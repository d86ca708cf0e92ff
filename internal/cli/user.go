package cli

import (
	"time"

	"github.com/spf13/cobra"
)

var userID int64

var sendTestCmd = &cobra.Command{
	Use:   "send-test",
	Short: "Send one user's digest now, ignoring their opt-out",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.engine.RunForUser(cmd.Context(), userID, time.Now())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print one user's overdue and due-soon contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.engine.Stats(cmd.Context(), userID, time.Now())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

func init() {
	for _, c := range []*cobra.Command{sendTestCmd, statsCmd} {
		c.Flags().Int64VarP(&userID, "user", "u", 0, "user ID")
		_ = c.MarkFlagRequired("user")
	}
}
