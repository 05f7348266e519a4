package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
)

var (
	exportOutput   string
	exportStatuses []string
	exportLimit    int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a job report as an XLSX workbook",
	Long: `Write a job report as an XLSX workbook with a "Jobs" sheet and a
"Findings" sheet (one row per anomaly or similarity match).

Examples:
  integrity export -o jobs.xlsx
  integrity export -o failed.xlsx --status failed`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "jobs.xlsx", "output file")
	exportCmd.Flags().StringSliceVar(&exportStatuses, "status", nil, "only jobs in these states (queued, processing, completed, failed)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "maximum number of jobs (0 = all)")
}

func runExport(cmd *cobra.Command, args []string) error {
	filter := repository.JobFilter{Limit: exportLimit}
	for _, s := range exportStatuses {
		st := constants.JobStatus(s)
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	data, err := a.export.ExportJobsXLSX(ctx, filter)
	if err != nil {
		return err
	}
	if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", exportOutput, err)
	}
	fmt.Printf("wrote %s (%d bytes)\n", exportOutput, len(data))
	return nil
}
