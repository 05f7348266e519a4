// Package ingest accepts uploaded documents, deduplicates them by content
// fingerprint, records documents and jobs, and enqueues processing tasks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/async"
	"github.com/joseph-ayodele/integrity-pipeline/internal/blob"
	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
)

// Upload statuses.
const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
)

const maxFilenameLen = 255

// UploadRequest is one document submission. Metadata is the raw JSON
// declared by the client.
type UploadRequest struct {
	Filename string
	Body     io.Reader
	Metadata []byte
}

// UploadResult identifies the document and job an upload resolved to.
type UploadResult struct {
	DocumentID uuid.UUID `json:"document_id"`
	JobID      uuid.UUID `json:"job_id"`
	Status     string    `json:"status"`
}

// Config bounds uploads.
type Config struct {
	MaxUploadBytes  int64
	SpoolThreshold  int64
	ReprocessFailed bool
	// MaxRetries is copied onto every new job.
	MaxRetries  int
	AllowedExts map[string]struct{}
}

// ConfigFrom builds an ingest Config from the application config.
func ConfigFrom(cfg *common.Config) Config {
	return Config{
		MaxUploadBytes:  cfg.Ingest.MaxUploadBytes,
		SpoolThreshold:  cfg.Ingest.SpoolThreshold,
		ReprocessFailed: cfg.Ingest.ReprocessFailed,
		MaxRetries:      cfg.Worker.MaxRetries,
	}
}

type Service struct {
	docs      repository.DocumentRepository
	jobs      repository.JobRepository
	store     blob.Store
	publisher async.Publisher
	meta      *MetadataValidator
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(
	docs repository.DocumentRepository,
	jobs repository.JobRepository,
	store blob.Store,
	publisher async.Publisher,
	cfg Config,
	logger *slog.Logger,
) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.SpoolThreshold <= 0 || cfg.SpoolThreshold > cfg.MaxUploadBytes {
		cfg.SpoolThreshold = cfg.MaxUploadBytes
	}
	if cfg.AllowedExts == nil {
		cfg.AllowedExts = constants.AllowedExtensions
	}
	meta, err := NewMetadataValidator()
	if err != nil {
		return nil, err
	}
	return &Service{
		docs:      docs,
		jobs:      jobs,
		store:     store,
		publisher: publisher,
		meta:      meta,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Upload stores the document unless an identical one is already active and
// makes sure exactly one job represents the submission.
//
// On ErrQueueUnavailable the returned result still carries the ids: the job
// exists and is marked failed.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	log := common.LoggerFromContext(ctx, s.logger).With("filename", req.Filename)

	filename := strings.TrimSpace(req.Filename)
	if filename != "" {
		filename = filepath.Base(filename)
	}
	if err := common.NewValidator().
		Field("filename", filename, common.Required, common.MaxLength(maxFilenameLen), common.NoPathSeparators).
		Err(common.CodeInvalidMetadata, common.ErrInvalidMetadata); err != nil {
		return UploadResult{}, err
	}
	ext := constants.NormalizeExt(filepath.Ext(filename))
	if _, ok := s.cfg.AllowedExts[ext]; !ok {
		return UploadResult{}, invalidMetadata(fmt.Sprintf("unsupported file type %q", ext))
	}
	meta, err := s.meta.Parse(req.Metadata)
	if err != nil {
		log.Info("upload rejected", "reason", "metadata", "error", err)
		return UploadResult{}, err
	}
	if req.Body == nil {
		return UploadResult{}, common.NewAppError(common.CodePayloadTooLarge, "file is empty", common.ErrPayloadTooLarge)
	}

	p, err := spool(req.Body, s.cfg.MaxUploadBytes, s.cfg.SpoolThreshold)
	if err != nil {
		log.Info("upload rejected", "reason", "size", "error", err)
		return UploadResult{}, err
	}
	defer p.Close()

	existing, err := s.docs.GetActiveByFingerprint(ctx, p.fingerprint)
	switch {
	case err == nil:
		return s.resubmit(ctx, existing)
	case !errors.Is(err, repository.ErrNotFound):
		return UploadResult{}, fmt.Errorf("lookup fingerprint: %w", err)
	}

	doc := &entity.Document{
		ID:          uuid.New(),
		Filename:    filename,
		FileExt:     ext,
		Fingerprint: p.fingerprint,
		Metadata:    meta,
		SizeBytes:   p.size,
		CreatedAt:   s.now(),
	}
	doc.StorageKey = blob.DocumentKey(doc.ID, filename)

	r, err := p.Reader()
	if err != nil {
		return UploadResult{}, fmt.Errorf("rewind upload: %w", err)
	}
	if err := s.store.Put(ctx, doc.StorageKey, r, p.size); err != nil {
		log.Error("blob write failed", "key", doc.StorageKey, "error", err)
		return UploadResult{}, fmt.Errorf("store document: %w", err)
	}

	if err := s.docs.Create(ctx, doc); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return UploadResult{}, fmt.Errorf("record document: %w", err)
		}
		// a concurrent upload of the same bytes won the insert
		if derr := s.store.Delete(ctx, doc.StorageKey); derr != nil {
			log.Warn("failed to remove losing blob", "key", doc.StorageKey, "error", derr)
		}
		winner, err := s.docs.GetActiveByFingerprint(ctx, p.fingerprint)
		if err != nil {
			return UploadResult{}, fmt.Errorf("lookup fingerprint: %w", err)
		}
		return s.resubmit(ctx, winner)
	}

	return s.enqueue(ctx, doc)
}

// resubmit resolves an upload whose bytes match an active document.
func (s *Service) resubmit(ctx context.Context, doc *entity.Document) (UploadResult, error) {
	log := common.LoggerFromContext(ctx, s.logger).With("document_id", doc.ID)

	latest, err := s.latestJob(ctx, doc.ID)
	if errors.Is(err, repository.ErrNotFound) {
		// the upload that recorded the document never created its job
		return s.enqueue(ctx, doc)
	}
	if err != nil {
		return UploadResult{}, fmt.Errorf("lookup latest job: %w", err)
	}
	if latest.Status == constants.JobStatusFailed && s.cfg.ReprocessFailed {
		log.Info("reprocessing previously failed document", "previous_job_id", latest.ID)
		return s.enqueue(ctx, doc)
	}
	log.Info("duplicate upload", "job_id", latest.ID, "status", latest.Status)
	return UploadResult{DocumentID: doc.ID, JobID: latest.ID, Status: StatusDuplicate}, nil
}

// latestJob returns the newest job of a document. A concurrent upload may
// have inserted the document but not yet its job, so a missing job is
// polled for briefly.
func (s *Service) latestJob(ctx context.Context, documentID uuid.UUID) (*entity.Job, error) {
	var job *entity.Job
	op := func() error {
		j, err := s.jobs.LatestForDocument(ctx, documentID)
		if err == nil {
			job = j
			return nil
		}
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 40), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return job, nil
}

// enqueue creates a queued job for doc and publishes its task. A job whose
// task could not be published is failed with QueueUnavailable so that it
// never stays queued without a message.
func (s *Service) enqueue(ctx context.Context, doc *entity.Document) (UploadResult, error) {
	log := common.LoggerFromContext(ctx, s.logger).With("document_id", doc.ID)

	job := &entity.Job{DocumentID: doc.ID, MaxRetries: s.cfg.MaxRetries}
	if err := s.jobs.Create(ctx, job); err != nil {
		return UploadResult{}, fmt.Errorf("record job: %w", err)
	}
	res := UploadResult{DocumentID: doc.ID, JobID: job.ID, Status: StatusQueued}

	msg := entity.TaskMessage{
		JobID:       job.ID,
		DocumentID:  doc.ID,
		SubmittedAt: s.now(),
		TraceID:     common.RequestIDFromContext(ctx),
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		log.Error("task publish failed", "job_id", job.ID, "error", err)
		// the request context may be the reason publishing failed
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, ferr := s.jobs.Fail(failCtx, job.ID, constants.ErrCodeQueueUnavailable, "task could not be enqueued"); ferr != nil {
			log.Error("failed to mark job as failed", "job_id", job.ID, "error", ferr)
		}
		res.Status = string(constants.JobStatusFailed)
		return res, common.NewAppError(common.CodeQueueUnavailable,
			"the task queue is unavailable; the job was recorded as failed and will be retried", common.ErrQueueUnavailable)
	}

	log.Info("job enqueued", "job_id", job.ID)
	return res, nil
}

// DeleteDocument soft-deletes a document. Its jobs and stored file are kept;
// uploading the same bytes again creates a new document.
func (s *Service) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	if err := s.docs.SoftDelete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return common.NewAppError(common.CodeNotFound, "document not found", common.ErrNotFound)
		}
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}
