package cmd

import (
	"fmt"

	"github.com/prappser/chunkd/internal/janitor"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale partial artifacts, temp chunks and abandoned staging once",
	Long: `Sweep runs the janitor a single time with the janitor.* settings,
regardless of janitor.enabled. Finished artifacts are never removed.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	report, err := janitor.New(config.Upload.Root, config.Janitor).RunNow()
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d partial, %d temp, %d retired, %d staging\n",
		report.Partial, report.Temp, report.Retired, report.Staging)
	return err
}
