// Package cli wires the kinect commands.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kinect",
	Short: "Relationship reminder digests",
	Long: "Kinect emails each user a daily digest of the contacts they have not " +
		"reached out to for longer than the contact's reminder interval.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config file (default configs/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendTestCmd)
	rootCmd.AddCommand(statsCmd)
}
