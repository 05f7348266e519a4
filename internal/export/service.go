package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
)

const (
	JobsSheet     = "Jobs"
	FindingsSheet = "Findings"

	pageSize = 500
)

// Service is a tiny façade over repositories that produces XLSX bytes for job reports.
type Service struct {
	jobs   repository.JobRepository
	docs   repository.DocumentRepository
	logger *slog.Logger
}

func NewService(jobs repository.JobRepository, docs repository.DocumentRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, docs: docs, logger: logger}
}

var (
	jobHeaders = []string{
		"Job ID", "Document ID", "Title", "Filename", "Status", "Stage", "Progress",
		"Risk Score", "Risk Level", "Retries", "Error Code", "Error",
		"Created At", "Started At", "Finished At",
	}
	findingHeaders = []string{
		"Job ID", "Document ID", "Title", "Kind", "Type", "Severity", "Confidence / Score",
		"Description", "Location",
	}
)

// ExportJobsXLSX returns an XLSX workbook (as bytes) with one row per job
// matching filter and one row per anomaly or similarity match of those jobs.
// A zero Limit exports every matching job.
func (s *Service) ExportJobsXLSX(ctx context.Context, filter repository.JobFilter) ([]byte, error) {
	start := time.Now()

	jobs, err := s.collect(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// NewFile starts with "Sheet1"; rename it rather than leave it empty.
	if err := f.SetSheetName(f.GetSheetName(0), JobsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(FindingsSheet); err != nil {
		return nil, err
	}
	activeIndex, _ := f.GetSheetIndex(JobsSheet)
	f.SetActiveSheet(activeIndex)

	writeRow(f, JobsSheet, 1, toAny(jobHeaders))
	writeRow(f, FindingsSheet, 1, toAny(findingHeaders))

	titles := make(map[uuid.UUID]*entity.Document)
	jobRow, findingRow := 2, 2
	for _, j := range jobs {
		doc, err := s.document(ctx, titles, j.DocumentID)
		if err != nil {
			return nil, err
		}
		title, filename := "", ""
		if doc != nil {
			title, filename = doc.Metadata.Title, doc.Filename
		}

		var riskScore any
		riskLevel := ""
		if j.Result != nil {
			riskScore, riskLevel = j.Result.RiskScore, j.Result.RiskLevel
		}
		writeRow(f, JobsSheet, jobRow, []any{
			j.ID.String(), j.DocumentID.String(), title, filename,
			string(j.Status), j.Stage, j.Progress,
			riskScore, riskLevel, j.RetryCount,
			deref(j.ErrorCode), truncate(deref(j.Error), 200),
			formatTime(&j.CreatedAt), formatTime(j.StartedAt), formatTime(j.FinishedAt),
		})
		jobRow++

		if j.Result == nil {
			continue
		}
		for _, a := range j.Result.Anomalies {
			writeRow(f, FindingsSheet, findingRow, []any{
				j.ID.String(), j.DocumentID.String(), title, "anomaly",
				a.Type, string(a.Severity), a.Confidence, truncate(a.Description, 200), a.Location,
			})
			findingRow++
		}
		for _, m := range j.Result.Similarity.Matches {
			writeRow(f, FindingsSheet, findingRow, []any{
				j.ID.String(), j.DocumentID.String(), title, "similarity",
				m.DocumentID.String(), "", m.Score, truncate(m.Title, 200), "",
			})
			findingRow++
		}
	}

	// Widen a few columns
	_ = f.SetColWidth(JobsSheet, "A", "B", 38) // ids
	_ = f.SetColWidth(JobsSheet, "C", "D", 32) // title, filename
	_ = f.SetColWidth(JobsSheet, "L", "L", 48) // error
	_ = f.SetColWidth(JobsSheet, "M", "O", 22) // timestamps
	_ = f.SetColWidth(FindingsSheet, "A", "B", 38)
	_ = f.SetColWidth(FindingsSheet, "C", "C", 32)
	_ = f.SetColWidth(FindingsSheet, "E", "E", 38)
	_ = f.SetColWidth(FindingsSheet, "H", "H", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"jobs", len(jobs),
		"findings", findingRow-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (s *Service) collect(ctx context.Context, filter repository.JobFilter) ([]*entity.Job, error) {
	if filter.Limit > 0 {
		return s.jobs.List(ctx, filter)
	}
	var all []*entity.Job
	filter.Limit = pageSize
	for {
		page, err := s.jobs.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		filter.Offset += pageSize
	}
}

// document resolves and caches a job's document. Soft-deleted documents are
// still reported; a missing row leaves the title blank.
func (s *Service) document(ctx context.Context, cache map[uuid.UUID]*entity.Document, id uuid.UUID) (*entity.Document, error) {
	if doc, ok := cache[id]; ok {
		return doc, nil
	}
	doc, err := s.docs.GetByID(ctx, id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	cache[id] = doc
	return doc, nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
