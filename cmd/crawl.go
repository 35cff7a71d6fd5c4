package cmd

import (
	"github.com/spf13/cobra"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs a single harvest
// with the configured retry policy.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run one harvest pass",
		Long: `Discovers links on the index page, checks each known file for changes,
and downloads new or changed files. A failed run is retried with capped
exponential backoff; the command exits non-zero once every attempt fails.`,
		RunE: withApp(runCrawlCommand),
	}
}

func runCrawlCommand(cmd *cobra.Command, a App, _ []string) error {
	if err := a.RunWithRetry(cmd.Context()); err != nil {
		return err //nolint:wrapcheck // already wrapped by the orchestrator
	}
	a.Logger().Info("crawl command finished")
	return nil
}
