package cmd

import (
	"github.com/spf13/cobra"
)

// newScheduleCmd creates the 'schedule' subcommand.
func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run harvests on the quarterly calendar",
		Long: `Stays in the foreground and starts a harvest (with retries) on each
configured month, day and time of day. Runs once at startup when
orchestrator.run_on_start is set. Stops on SIGINT or SIGTERM.`,
		RunE: withApp(func(cmd *cobra.Command, a App, _ []string) error {
			return a.RunScheduler(cmd.Context()) //nolint:wrapcheck // nil on shutdown
		}),
	}
}
