// Package maintenance runs periodic housekeeping over the job store and the
// blob store. Jobs are an audit trail and are never deleted here.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/async"
	"github.com/joseph-ayodele/integrity-pipeline/internal/blob"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
)

const republishPage = 200

// Report counts what one sweep did.
type Report struct {
	OrphansDeleted int `json:"orphans_deleted"`
	Republished    int `json:"republished"`
	Skipped        int `json:"skipped"`
}

// Sweeper removes blobs no document refers to and re-enqueues jobs whose
// task never reached the queue.
type Sweeper struct {
	docs      repository.DocumentRepository
	jobs      repository.JobRepository
	store     blob.Store
	publisher async.Publisher
	pending   async.PendingChecker
	logger    *slog.Logger

	interval time.Duration
	grace    time.Duration
	now      func() time.Time
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithOrphanGrace sets how old an unreferenced blob must be before it is
// deleted. Uploads write the blob before the document row, so the grace must
// exceed the slowest upload.
func WithOrphanGrace(d time.Duration) Option {
	return func(s *Sweeper) {
		if d >= 0 {
			s.grace = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSweeper(
	docs repository.DocumentRepository,
	jobs repository.JobRepository,
	store blob.Store,
	publisher async.Publisher,
	pending async.PendingChecker,
	logger *slog.Logger,
	opts ...Option,
) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		docs:      docs,
		jobs:      jobs,
		store:     store,
		publisher: publisher,
		pending:   pending,
		logger:    logger,
		interval:  time.Hour,
		grace:     time.Hour,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval, "orphan_grace", s.grace)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass. Both halves run even if the first fails.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	orphans, errOrphans := s.deleteOrphans(ctx)
	report.OrphansDeleted = orphans
	republished, skipped, errRepublish := s.republish(ctx)
	report.Republished, report.Skipped = republished, skipped

	s.logger.Info("sweep finished",
		"orphans_deleted", report.OrphansDeleted,
		"republished", report.Republished,
		"skipped", report.Skipped,
	)
	return report, errors.Join(errOrphans, errRepublish)
}

func (s *Sweeper) deleteOrphans(ctx context.Context) (int, error) {
	// List blobs first: a document committed after StorageKeys ran would
	// otherwise look orphaned.
	objects, err := s.store.List(ctx, blob.DocumentPrefix)
	if err != nil {
		return 0, fmt.Errorf("list blobs: %w", err)
	}
	keys, err := s.docs.StorageKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("load storage keys: %w", err)
	}

	cutoff := s.now().Add(-s.grace).UnixMilli()
	deleted := 0
	for _, obj := range objects {
		if _, ok := keys[obj.Key]; ok || obj.UpdatedAt > cutoff {
			continue
		}
		if err := s.store.Delete(ctx, obj.Key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return deleted, fmt.Errorf("delete orphan %s: %w", obj.Key, err)
		}
		s.logger.Info("orphan blob deleted", "key", obj.Key, "size", obj.Size)
		deleted++
	}
	return deleted, nil
}

// republish re-enqueues failed jobs that still have retry budget, are the
// latest job of a live document and have no message waiting. It stops at the first publish failure: the
// queue is still down and the jobs stay failed until the next sweep.
func (s *Sweeper) republish(ctx context.Context) (int, int, error) {
	candidates, err := s.retryable(ctx)
	if err != nil {
		return 0, 0, err
	}

	republished, skipped := 0, 0
	for _, job := range candidates {
		ok, err := s.eligible(ctx, job)
		if err != nil {
			return republished, skipped, err
		}
		if !ok {
			skipped++
			continue
		}
		queued, err := s.pending.Pending(ctx, job.ID)
		if err != nil {
			return republished, skipped, fmt.Errorf("check pending task for job %s: %w", job.ID, err)
		}
		if queued {
			s.logger.Debug("job already queued", "job_id", job.ID)
			skipped++
			continue
		}
		msg := entity.TaskMessage{JobID: job.ID, DocumentID: job.DocumentID, SubmittedAt: s.now().UTC()}
		if err := s.publisher.Publish(ctx, msg); err != nil {
			return republished, skipped, fmt.Errorf("republish job %s: %w", job.ID, err)
		}
		s.logger.Info("job republished", "job_id", job.ID, "document_id", job.DocumentID, "requeue_count", job.RequeueCount)
		republished++
	}
	return republished, skipped, nil
}

func (s *Sweeper) retryable(ctx context.Context) ([]*entity.Job, error) {
	filter := repository.JobFilter{
		Statuses:  []constants.JobStatus{constants.JobStatusFailed},
		ErrorCode: constants.ErrCodeQueueUnavailable,
		Limit:     republishPage,
	}
	var out []*entity.Job
	for {
		page, err := s.jobs.List(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list failed jobs: %w", err)
		}
		for _, j := range page {
			if j.Retryable() {
				out = append(out, j)
			}
		}
		if len(page) < republishPage {
			return out, nil
		}
		filter.Offset += republishPage
	}
}

func (s *Sweeper) eligible(ctx context.Context, job *entity.Job) (bool, error) {
	latest, err := s.jobs.LatestForDocument(ctx, job.DocumentID)
	if err != nil {
		return false, fmt.Errorf("latest job for %s: %w", job.DocumentID, err)
	}
	if latest.ID != job.ID {
		return false, nil
	}
	doc, err := s.docs.GetByID(ctx, job.DocumentID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("load document %s: %w", job.DocumentID, err)
	}
	return !doc.Deleted(), nil
}
