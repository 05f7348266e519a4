package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/integrity-pipeline/internal/ingest"
)

var importIncludeHidden bool

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Submit every supported file under a directory",
	Long: `Walk a directory and submit every file with a supported extension
(pdf, txt, md, html). Metadata is read from a sidecar "<file>.json" next to
each file; without one the title is the file name and no authors are set.

Examples:
  integrity import ./papers
  integrity import ./papers --include-hidden`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importIncludeHidden, "include-hidden", false, "also import hidden files and directories")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	results, stats, err := a.ingest.ImportDirectory(ctx, args[0], !importIncludeHidden)
	for _, r := range results {
		switch {
		case r.Err != "":
			color.Red("✗ %s: %s", r.Path, r.Err)
		case r.Status == ingest.StatusDuplicate:
			color.Yellow("= %s duplicate of job %s", r.Path, r.JobID)
		default:
			color.Green("✓ %s job %s", r.Path, r.JobID)
		}
	}
	fmt.Printf("\nscanned %d, matched %d, queued %d, duplicates %d, failed %d\n",
		stats.Scanned, stats.Matched, stats.Succeeded-stats.Deduplicated, stats.Deduplicated, stats.Failed)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d file(s) failed to import", stats.Failed)
	}
	return nil
}
