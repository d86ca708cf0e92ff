package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daily reminder batch once and exit",
	Long: "Run evaluates every user, sends the digests and prints the run summary. " +
		"It is meant for an external scheduler; the exit status is non-zero only " +
		"when the run as a whole failed.",
	RunE: runOnce,
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if timeout := a.cfg.Schedule.RunTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	summary, err := a.engine.RunForAllUsers(ctx, time.Now())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), summary)
}
