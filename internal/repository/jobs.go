package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

// maxCASAttempts bounds the read-modify-write loop of a single transition.
const maxCASAttempts = 8

type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	LatestForDocument(ctx context.Context, documentID uuid.UUID) (*entity.Job, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*entity.Job, error)
	List(ctx context.Context, filter JobFilter) ([]*entity.Job, error)
	CountByStatus(ctx context.Context) (map[constants.JobStatus]int, error)

	Claim(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Resume(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, stage string, progress float64) (bool, error)
	RecordRetry(ctx context.Context, id uuid.UUID) (int, error)
	Complete(ctx context.Context, id uuid.UUID, result *entity.JobResult) (*entity.Job, error)
	Fail(ctx context.Context, id uuid.UUID, code, message string) (*entity.Job, error)
}

// JobFilter narrows List. Zero values mean no restriction.
type JobFilter struct {
	Statuses  []constants.JobStatus
	ErrorCode string
	Limit     int
	Offset    int
}

var jobColumns = []string{
	"id", "document_id", "status", "progress", "stage", "result", "error", "error_code",
	"retry_count", "max_retries", "version", "created_at", "updated_at", "started_at", "finished_at",
	"requeue_count",
}

type jobRepo struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts job in the queued state.
func (r *jobRepo) Create(ctx context.Context, job *entity.Job) error {
	if job.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		job.ID = id
	}
	now := r.now()
	job.Status = constants.JobStatusQueued
	job.Progress = 0
	job.Version = 1
	job.CreatedAt, job.UpdatedAt = now, now

	q, args := r.db.builder().Insert(JobsTable.Name).
		Columns("id", "document_id", "status", "progress", "retry_count", "requeue_count", "max_retries",
			"version", "created_at", "updated_at").
		Values(job.ID, job.DocumentID, string(job.Status), job.Progress, job.RetryCount, job.RequeueCount, job.MaxRetries,
			job.Version, job.CreatedAt, job.UpdatedAt).
		Query()
	if _, err := r.db.SQL().ExecContext(ctx, q, args...); err != nil {
		r.log.Error("job create failed", "document_id", job.DocumentID, "err", err)
		return wrapWriteError(err)
	}
	r.log.Info("job created", "job_id", job.ID, "document_id", job.DocumentID)
	return nil
}

func (r *jobRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	b := r.db.builder()
	q, args := b.Select(jobColumns...).
		From(b.Table(JobsTable.Name)).
		Where(entsql.EQ("id", id)).
		Query()
	job, err := scanJob(r.db.SQL().QueryRowContext(ctx, q, args...))
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.log.Error("job get failed", "job_id", id, "err", err)
	}
	return job, err
}

func (r *jobRepo) LatestForDocument(ctx context.Context, documentID uuid.UUID) (*entity.Job, error) {
	b := r.db.builder()
	t := b.Table(JobsTable.Name)
	q, args := b.Select(jobColumns...).
		From(t).
		Where(entsql.EQ("document_id", documentID)).
		OrderBy(entsql.Desc(t.C("created_at")), entsql.Desc(t.C("id"))).
		Limit(1).
		Query()
	job, err := scanJob(r.db.SQL().QueryRowContext(ctx, q, args...))
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.log.Error("latest job lookup failed", "document_id", documentID, "err", err)
	}
	return job, err
}

func (r *jobRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*entity.Job, error) {
	b := r.db.builder()
	t := b.Table(JobsTable.Name)
	q, args := b.Select(jobColumns...).
		From(t).
		Where(entsql.EQ("document_id", documentID)).
		OrderBy(t.C("created_at"), t.C("id")).
		Query()
	return r.query(ctx, q, args)
}

func (r *jobRepo) List(ctx context.Context, filter JobFilter) ([]*entity.Job, error) {
	b := r.db.builder()
	t := b.Table(JobsTable.Name)
	sel := b.Select(jobColumns...).From(t)

	var preds []*entsql.Predicate
	if len(filter.Statuses) > 0 {
		vals := make([]any, len(filter.Statuses))
		for i, s := range filter.Statuses {
			vals[i] = string(s)
		}
		preds = append(preds, entsql.In("status", vals...))
	}
	if filter.ErrorCode != "" {
		preds = append(preds, entsql.EQ("error_code", filter.ErrorCode))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	sel.OrderBy(entsql.Desc(t.C("created_at")), entsql.Desc(t.C("id")))
	if filter.Limit > 0 {
		sel.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		sel.Offset(filter.Offset)
	}
	q, args := sel.Query()
	return r.query(ctx, q, args)
}

func (r *jobRepo) CountByStatus(ctx context.Context) (map[constants.JobStatus]int, error) {
	b := r.db.builder()
	q, args := b.Select("status", entsql.Count("*")).
		From(b.Table(JobsTable.Name)).
		GroupBy("status").
		Query()
	rows, err := r.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		r.log.Error("job count failed", "err", err)
		return nil, err
	}
	defer rows.Close()

	counts := make(map[constants.JobStatus]int, len(constants.AllJobStatuses))
	for _, s := range constants.AllJobStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[constants.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *jobRepo) query(ctx context.Context, q string, args []any) ([]*entity.Job, error) {
	rows, err := r.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		r.log.Error("job list failed", "err", err)
		return nil, err
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Claim moves a queued or processing job to processing. A processing job is
// taken over as is, which is how a redelivered message resumes after a crash.
func (r *jobRepo) Claim(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := r.transition(ctx, id, func(j *entity.Job) error {
		if j.Status != constants.JobStatusQueued && j.Status != constants.JobStatusProcessing {
			return fmt.Errorf("%w: claim from %s", ErrConflict, j.Status)
		}
		j.Status = constants.JobStatusProcessing
		if j.StartedAt == nil {
			t := r.now()
			j.StartedAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("job claimed", "job_id", id, "retry_count", job.RetryCount)
	return job, nil
}

// Resume restarts a failed job whose failure is retryable and whose requeue
// budget is not exhausted. It counts a requeue and leaves the stage retry
// count alone.
func (r *jobRepo) Resume(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := r.transition(ctx, id, func(j *entity.Job) error {
		if !j.CanTransition(constants.JobStatusProcessing) || j.Status != constants.JobStatusFailed {
			return fmt.Errorf("%w: resume from %s", ErrConflict, j.Status)
		}
		j.Status = constants.JobStatusProcessing
		j.RequeueCount++
		j.Error, j.ErrorCode, j.FinishedAt = nil, nil, nil
		if j.StartedAt == nil {
			t := r.now()
			j.StartedAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("job resumed", "job_id", id, "requeue_count", job.RequeueCount, "retry_count", job.RetryCount)
	return job, nil
}

// UpdateProgress raises progress on a processing job. Values not above the
// stored progress, or jobs not processing, are ignored and report false.
func (r *jobRepo) UpdateProgress(ctx context.Context, id uuid.UUID, stage string, progress float64) (bool, error) {
	if progress < 0 || progress > 1 {
		return false, fmt.Errorf("progress %v out of range", progress)
	}
	q, args := r.db.builder().Update(JobsTable.Name).
		Set("progress", progress).
		Set("stage", stage).
		Set("updated_at", r.now()).
		Add("version", 1).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("status", string(constants.JobStatusProcessing)),
			entsql.LT("progress", progress),
		)).
		Query()
	res, err := r.db.SQL().ExecContext(ctx, q, args...)
	if err != nil {
		r.log.Error("job progress update failed", "job_id", id, "err", err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		r.log.Debug("job progress not applied", "job_id", id, "stage", stage, "progress", progress)
		return false, nil
	}
	r.log.Debug("job progress", "job_id", id, "stage", stage, "progress", progress)
	return true, nil
}

// RecordRetry consumes one retry of a processing job and returns the new count.
func (r *jobRepo) RecordRetry(ctx context.Context, id uuid.UUID) (int, error) {
	job, err := r.transition(ctx, id, func(j *entity.Job) error {
		if j.Status != constants.JobStatusProcessing {
			return fmt.Errorf("%w: retry from %s", ErrConflict, j.Status)
		}
		j.RetryCount++
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.Warn("job retry scheduled", "job_id", id, "retry_count", job.RetryCount, "max_retries", job.MaxRetries)
	return job.RetryCount, nil
}

func (r *jobRepo) Complete(ctx context.Context, id uuid.UUID, result *entity.JobResult) (*entity.Job, error) {
	if result == nil {
		return nil, errors.New("complete requires a result")
	}
	job, err := r.transition(ctx, id, func(j *entity.Job) error {
		if j.Status != constants.JobStatusProcessing {
			return fmt.Errorf("%w: complete from %s", ErrConflict, j.Status)
		}
		t := r.now()
		j.Status = constants.JobStatusCompleted
		j.Progress = 1
		j.Stage = "complete"
		j.Result = result
		j.Error, j.ErrorCode = nil, nil
		j.FinishedAt = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("job completed", "job_id", id, "risk_level", result.RiskLevel)
	return job, nil
}

// Fail moves a queued or processing job to failed.
func (r *jobRepo) Fail(ctx context.Context, id uuid.UUID, code, message string) (*entity.Job, error) {
	job, err := r.transition(ctx, id, func(j *entity.Job) error {
		if !j.CanTransition(constants.JobStatusFailed) {
			return fmt.Errorf("%w: fail from %s", ErrConflict, j.Status)
		}
		t := r.now()
		j.Status = constants.JobStatusFailed
		j.Result = nil
		j.Error, j.ErrorCode = &message, &code
		j.FinishedAt = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("job failed", "job_id", id, "error_code", code, "error", message)
	return job, nil
}

// transition applies mutate to a fresh copy of the job and writes it back
// guarded by the version read. Lost races are retried against the new row.
func (r *jobRepo) transition(ctx context.Context, id uuid.UUID, mutate func(*entity.Job) error) (*entity.Job, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		job, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(job); err != nil {
			return nil, err
		}
		err = r.UpdateWithVersion(ctx, job)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, fmt.Errorf("%w: job %s kept changing", ErrConflict, id)
}

// UpdateWithVersion writes every mutable column of job if the stored version
// still equals job.Version. On success job.Version is advanced.
func (r *jobRepo) UpdateWithVersion(ctx context.Context, job *entity.Job) error {
	var result any
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = string(b)
	}
	job.UpdatedAt = r.now()

	u := r.db.builder().Update(JobsTable.Name).
		Set("status", string(job.Status)).
		Set("progress", job.Progress).
		Set("retry_count", job.RetryCount).
		Set("requeue_count", job.RequeueCount).
		Set("updated_at", job.UpdatedAt).
		Set("version", job.Version+1)
	setNullable(u, "stage", nullString(job.Stage))
	setNullable(u, "result", result)
	setNullable(u, "error", derefString(job.Error))
	setNullable(u, "error_code", derefString(job.ErrorCode))
	setNullable(u, "started_at", derefTime(job.StartedAt))
	setNullable(u, "finished_at", derefTime(job.FinishedAt))
	q, args := u.Where(entsql.And(entsql.EQ("id", job.ID), entsql.EQ("version", job.Version))).Query()

	res, err := r.db.SQL().ExecContext(ctx, q, args...)
	if err != nil {
		r.log.Error("job update failed", "job_id", job.ID, "err", err)
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	job.Version++
	return nil
}

func setNullable(u *entsql.UpdateBuilder, column string, v any) {
	if v == nil {
		u.SetNull(column)
		return
	}
	u.Set(column, v)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func derefTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		job                   entity.Job
		status                string
		stage, result         sql.NullString
		errMsg, errCode       sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.DocumentID, &status, &job.Progress, &stage, &result, &errMsg, &errCode,
		&job.RetryCount, &job.MaxRetries, &job.Version, &job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt,
		&job.RequeueCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = constants.JobStatus(status)
	job.Stage = stage.String
	if result.Valid && result.String != "" {
		var res entity.JobResult
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &res
	}
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if errCode.Valid {
		job.ErrorCode = &errCode.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}
