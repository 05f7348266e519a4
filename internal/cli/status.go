package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status and findings of a job",
	Long: `Fetch a job from a running server and print its status, progress and,
once completed, the risk score with every anomaly and similarity match.

Examples:
  integrity status 01928f5e-7d2c-7a31-9b1e-4c6f2d8a0b11
  integrity status 01928f5e-7d2c-7a31-9b1e-4c6f2d8a0b11 --server http://api:8000`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverAddr, "server", "", "API base URL (default from HTTP_ADDR)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	view, err := newAPIClient(apiURL()).job(ctx, id)
	if err != nil {
		return err
	}
	printJob(view)
	return nil
}

func printJob(v status.JobStatusView) {
	label := color.New(color.Bold).SprintFunc()

	fmt.Printf("%s %s\n", label("Job:     "), v.JobID)
	fmt.Printf("%s %s\n", label("Document:"), v.DocumentID)
	fmt.Printf("%s %s\n", label("Status:  "), statusColor(v.Status)("%s", v.Status))
	progress := fmt.Sprintf("%.0f%%", v.Progress*100)
	if v.Stage != "" {
		progress += " (" + v.Stage + ")"
	}
	fmt.Printf("%s %s\n", label("Progress:"), progress)
	if v.RetryCount > 0 {
		fmt.Printf("%s %d/%d\n", label("Retries: "), v.RetryCount, v.MaxRetries)
	}
	if v.Error != nil {
		code := ""
		if v.ErrorCode != nil {
			code = *v.ErrorCode + ": "
		}
		fmt.Printf("%s %s\n", label("Error:   "), color.RedString("%s%s", code, *v.Error))
	}

	r := v.Result
	if r == nil {
		return
	}
	fmt.Printf("%s %s\n", label("Risk:    "),
		riskColor(r.RiskLevel)("%.2f (%s)", r.RiskScore, r.RiskLevel))
	fmt.Printf("%s %d words, %d pages, %d sections\n", label("Text:    "), r.WordCount, r.PageCount, len(r.Sections))

	if len(r.Similarity.Matches) > 0 {
		fmt.Println(label("\nSimilar documents:"))
		for _, m := range r.Similarity.Matches {
			fmt.Printf("  %s  %s  %s\n", riskColor(constants.RiskLevel(m.Score))("%.3f", m.Score), m.DocumentID, m.Title)
		}
	}
	if len(r.Anomalies) > 0 {
		fmt.Println(label("\nAnomalies:"))
		for _, a := range r.Anomalies {
			sev := color.YellowString("%-8s", a.Severity)
			if a.Severity == entity.SeverityHigh || a.Severity == entity.SeverityCritical {
				sev = color.RedString("%-8s", a.Severity)
			}
			fmt.Printf("  %s %-22s %s\n", sev, a.Type, a.Description)
		}
	}
}

func statusColor(s constants.JobStatus) func(format string, a ...interface{}) string {
	switch s {
	case constants.JobStatusCompleted:
		return color.GreenString
	case constants.JobStatusFailed:
		return color.RedString
	default:
		return color.YellowString
	}
}

func riskColor(level string) func(format string, a ...interface{}) string {
	switch level {
	case constants.RiskHigh:
		return color.RedString
	case constants.RiskMedium:
		return color.YellowString
	default:
		return color.GreenString
	}
}
