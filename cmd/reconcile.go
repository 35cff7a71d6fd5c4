package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newReconcileCmd creates the 'reconcile' subcommand.
func newReconcileCmd() *cobra.Command {
	var (
		apply  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Report manifest drift and optionally drop stale records",
		Long: `Compares the manifest with the files under the storage root. Records whose
file is missing are stale; files no record points at are orphans. Without
--apply nothing changes. With --apply stale records are removed. Orphans are
only ever reported.`,
		RunE: withApp(func(cmd *cobra.Command, a App, _ []string) error {
			report, err := a.Reconcile(cmd.Context(), apply)
			if err != nil {
				return err //nolint:wrapcheck // wrapped by app
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return fmt.Errorf("encode report: %w", err)
				}
				return nil
			}
			_, err = fmt.Fprintf(out, "entries=%d stale=%d orphans=%d removed=%d\n",
				report.Entries, len(report.Stale), len(report.Orphans), report.Removed)
			if err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "remove stale records from the manifest")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}
