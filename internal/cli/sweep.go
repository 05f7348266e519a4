package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass",
	Long: `Run one maintenance pass: delete stored files no document refers to
(older than the orphan grace period) and republish jobs whose task never
reached the queue.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.sweeper.Sweep(ctx)
		fmt.Printf("orphan files deleted: %d\n", report.OrphansDeleted)
		fmt.Printf("jobs republished:     %d\n", report.Republished)
		fmt.Printf("jobs skipped:         %d\n", report.Skipped)
		if err != nil {
			color.Red("sweep incomplete: %v", err)
			return err
		}
		return nil
	},
}
