package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	var schedule bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator HTTP API",
		Long: `Starts the HTTP API: health probes, Prometheus metrics, manifest queries,
reconcile reports and on-demand runs. With --schedule the quarterly
scheduler runs in the same process.`,
		RunE: withApp(func(cmd *cobra.Command, a App, _ []string) error {
			return a.Serve(cmd.Context(), schedule) //nolint:wrapcheck // wrapped by app
		}),
	}
	cmd.Flags().BoolVar(&schedule, "schedule", false, "also run the quarterly scheduler")
	return cmd
}
