package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/ingest"
	"github.com/joseph-ayodele/integrity-pipeline/internal/status"
)

const pollInterval = time.Second

var (
	submitTitle   string
	submitAuthors []string
	submitJournal string
	submitWait    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Upload a document to a running server",
	Long: `Upload a document to a running server and print the job id.

With --wait the command polls the job and shows its progress until it
completes or fails.

Examples:
  integrity submit paper.pdf --title "Sleep and Memory" --author "Ada Lovelace"
  integrity submit thesis.txt --title "Thesis" --wait --server http://localhost:8000`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitTitle, "title", "t", "", "document title (default: file name)")
	submitCmd.Flags().StringArrayVarP(&submitAuthors, "author", "a", nil, "author name (repeatable)")
	submitCmd.Flags().StringVarP(&submitJournal, "journal", "j", "", "journal name")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "wait for the job to finish")
	submitCmd.Flags().StringVar(&serverAddr, "server", "", "API base URL (default from HTTP_ADDR)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	path := args[0]
	title := strings.TrimSpace(submitTitle)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	authors := submitAuthors
	if authors == nil {
		authors = []string{}
	}
	meta, err := json.Marshal(entity.DocumentMetadata{Title: title, Authors: authors, Journal: submitJournal})
	if err != nil {
		return err
	}

	client := newAPIClient(apiURL())
	res, err := client.upload(ctx, path, meta)
	if err != nil {
		return err
	}

	switch res.Status {
	case ingest.StatusDuplicate:
		color.Yellow("duplicate of document %s", res.DocumentID)
	default:
		color.Green("queued")
	}
	fmt.Printf("document: %s\njob:      %s\n", res.DocumentID, res.JobID)

	if !submitWait {
		return nil
	}
	view, err := waitForJob(ctx, client, res.JobID)
	if err != nil {
		return err
	}
	fmt.Println()
	printJob(view)
	if view.Status == constants.JobStatusFailed {
		return errors.New("job failed")
	}
	return nil
}

func waitForJob(ctx context.Context, client *apiClient, id uuid.UUID) (status.JobStatusView, error) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(color.CyanString("queued")),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		view, err := client.job(ctx, id)
		if err != nil {
			return view, err
		}
		desc := string(view.Status)
		if view.Stage != "" {
			desc += ": " + view.Stage
		}
		bar.Describe(color.CyanString(desc))
		_ = bar.Set(int(view.Progress * 100))
		if finished(view) {
			if view.Status == constants.JobStatusCompleted {
				_ = bar.Finish()
			}
			return view, nil
		}

		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finished reports whether a job decoded from the API will not change
// anymore. A QueueUnavailable failure with budget left is still picked up
// by the sweeper.
func finished(v status.JobStatusView) bool {
	switch v.Status {
	case constants.JobStatusCompleted:
		return true
	case constants.JobStatusFailed:
		if v.ErrorCode != nil && constants.RetryableErrorCode(*v.ErrorCode) && v.RequeueCount < v.MaxRetries {
			return false
		}
		return true
	}
	return false
}
