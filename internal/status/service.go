// Package status answers read-only questions about jobs and documents.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
)

// JobStatusView is the client-facing shape of a job.
type JobStatusView struct {
	JobID        uuid.UUID           `json:"job_id"`
	DocumentID   uuid.UUID           `json:"document_id"`
	Status       constants.JobStatus `json:"status"`
	Progress     float64             `json:"progress"`
	Stage        string              `json:"stage,omitempty"`
	Result       *entity.JobResult   `json:"result,omitempty"`
	Error        *string             `json:"error,omitempty"`
	ErrorCode    *string             `json:"error_code,omitempty"`
	RetryCount   int                 `json:"retry_count"`
	RequeueCount int                 `json:"requeue_count"`
	MaxRetries   int                 `json:"max_retries"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	FinishedAt   *time.Time          `json:"finished_at,omitempty"`

	version  int64
	terminal bool
}

// Terminal reports whether the job will not change anymore.
func (v JobStatusView) Terminal() bool { return v.terminal }

func viewOf(j *entity.Job) JobStatusView {
	return JobStatusView{
		JobID:        j.ID,
		DocumentID:   j.DocumentID,
		Status:       j.Status,
		Progress:     j.Progress,
		Stage:        j.Stage,
		Result:       j.Result,
		Error:        j.Error,
		ErrorCode:    j.ErrorCode,
		RetryCount:   j.RetryCount,
		RequeueCount: j.RequeueCount,
		MaxRetries:   j.MaxRetries,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
		version:      j.Version,
		terminal:     j.Terminal(),
	}
}

// DocumentView is a document together with every job run over it.
type DocumentView struct {
	DocumentID uuid.UUID               `json:"document_id"`
	Filename   string                  `json:"filename"`
	FileExt    string                  `json:"file_ext"`
	Metadata   entity.DocumentMetadata `json:"metadata"`
	SizeBytes  int64                   `json:"size_bytes"`
	Checksum   string                  `json:"sha256"`
	CreatedAt  time.Time               `json:"created_at"`
	DeletedAt  *time.Time              `json:"deleted_at,omitempty"`
	Jobs       []JobStatusView         `json:"jobs"`
}

// Overview summarizes the job table.
type Overview struct {
	TotalJobs          int                         `json:"total_jobs"`
	ByStatus           map[constants.JobStatus]int `json:"by_status"`
	TotalAnomalies     int                         `json:"total_anomalies_detected"`
	HighRisk           int                         `json:"high_risk"`
	MediumRisk         int                         `json:"medium_risk"`
	LowRisk            int                         `json:"low_risk"`
	ProcessingRate     float64                     `json:"processing_rate"`
	AverageRiskScore   float64                     `json:"average_risk_score"`
	AverageProcessSecs float64                     `json:"average_processing_seconds"`
	QueueDepth         *int                        `json:"queue_depth,omitempty"`
}

// DepthReporter is satisfied by queues that can count pending messages.
type DepthReporter interface {
	Depth(ctx context.Context) (int, error)
}

type Service struct {
	jobs   repository.JobRepository
	docs   repository.DocumentRepository
	queue  DepthReporter
	logger *slog.Logger
}

// NewService builds the status service. queue may be nil.
func NewService(jobs repository.JobRepository, docs repository.DocumentRepository, queue DepthReporter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, docs: docs, queue: queue, logger: logger}
}

// Get returns the current view of a job. Unknown ids yield common.ErrNotFound.
func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (JobStatusView, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return JobStatusView{}, common.NewAppError(common.CodeNotFound, "job not found", common.ErrNotFound)
		}
		return JobStatusView{}, fmt.Errorf("get job: %w", err)
	}
	return viewOf(job), nil
}

// Document returns a document and its jobs, oldest first.
func (s *Service) Document(ctx context.Context, documentID uuid.UUID) (DocumentView, error) {
	doc, err := s.docs.GetByID(ctx, documentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return DocumentView{}, common.NewAppError(common.CodeNotFound, "document not found", common.ErrNotFound)
		}
		return DocumentView{}, fmt.Errorf("get document: %w", err)
	}
	jobs, err := s.jobs.ListByDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, fmt.Errorf("list jobs: %w", err)
	}
	view := DocumentView{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		FileExt:    doc.FileExt,
		Metadata:   doc.Metadata,
		SizeBytes:  doc.SizeBytes,
		Checksum:   doc.FingerprintHex(),
		CreatedAt:  doc.CreatedAt,
		DeletedAt:  doc.DeletedAt,
		Jobs:       make([]JobStatusView, 0, len(jobs)),
	}
	for _, j := range jobs {
		view.Jobs = append(view.Jobs, viewOf(j))
	}
	return view, nil
}

const overviewPage = 500

// Overview computes counts per state and aggregates over completed results.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("count jobs: %w", err)
	}
	out := Overview{ByStatus: counts}
	for _, n := range counts {
		out.TotalJobs += n
	}

	var (
		riskSum     float64
		durationSum time.Duration
		timed       int
		completed   int
	)
	for offset := 0; ; offset += overviewPage {
		page, err := s.jobs.List(ctx, repository.JobFilter{
			Statuses: []constants.JobStatus{constants.JobStatusCompleted},
			Limit:    overviewPage,
			Offset:   offset,
		})
		if err != nil {
			return Overview{}, fmt.Errorf("list completed jobs: %w", err)
		}
		for _, j := range page {
			if j.Result == nil {
				continue
			}
			completed++
			riskSum += j.Result.RiskScore
			out.TotalAnomalies += len(j.Result.Anomalies)
			switch constants.RiskLevel(j.Result.RiskScore) {
			case constants.RiskHigh:
				out.HighRisk++
			case constants.RiskMedium:
				out.MediumRisk++
			default:
				out.LowRisk++
			}
			if j.StartedAt != nil && j.FinishedAt != nil {
				durationSum += j.FinishedAt.Sub(*j.StartedAt)
				timed++
			}
		}
		if len(page) < overviewPage {
			break
		}
	}

	if out.TotalJobs > 0 {
		out.ProcessingRate = round(float64(counts[constants.JobStatusCompleted]) / float64(out.TotalJobs))
	}
	if completed > 0 {
		out.AverageRiskScore = round(riskSum / float64(completed))
	}
	if timed > 0 {
		out.AverageProcessSecs = round((durationSum / time.Duration(timed)).Seconds())
	}

	if s.queue != nil {
		depth, err := s.queue.Depth(ctx)
		if err != nil {
			s.logger.Warn("queue depth unavailable", "error", err)
		} else {
			out.QueueDepth = &depth
		}
	}
	return out, nil
}

// Watch polls the job every interval and calls fn with each changed view,
// starting with the current one. It returns nil after delivering a
// terminal view, fn's error, or ctx.Err().
func (s *Service) Watch(ctx context.Context, jobID uuid.UUID, interval time.Duration, fn func(JobStatusView) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last int64 = -1
	for {
		view, err := s.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if view.version != last {
			last = view.version
			if err := fn(view); err != nil {
				return err
			}
		}
		if view.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
