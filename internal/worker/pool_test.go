package worker

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/async"
	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository/repotest"
)

type processFunc func(ctx context.Context, job *entity.Job, doc *entity.Document) (*entity.JobResult, error)

type countingProcessor struct {
	calls atomic.Int32
	fn    processFunc
}

func (c *countingProcessor) Process(ctx context.Context, job *entity.Job, doc *entity.Document) (*entity.JobResult, error) {
	c.calls.Add(1)
	return c.fn(ctx, job, doc)
}

func okResult() *entity.JobResult {
	return &entity.JobResult{
		WordCount:  10,
		Sections:   []string{"abstract"},
		Similarity: entity.SimilarityReport{Matches: []entity.SimilarityMatch{}},
		Anomalies:  []entity.Anomaly{},
		RiskLevel:  constants.RiskLow,
	}
}

type harness struct {
	queue *async.MemoryQueue
	jobs  repository.JobRepository
	docs  repository.DocumentRepository
}

func newHarness(t *testing.T, lease time.Duration) *harness {
	t.Helper()
	db := repotest.Open(t)
	q := async.NewMemoryQueue(common.DiscardLogger(), async.WithLeaseTimeout(lease), async.WithPollInterval(10*time.Millisecond))
	t.Cleanup(func() { q.Shutdown(context.Background()) })
	return &harness{
		queue: q,
		jobs:  repository.NewJobRepository(db, common.DiscardLogger()),
		docs:  repository.NewDocumentRepository(db, common.DiscardLogger()),
	}
}

// submit records a document and a queued job for it and publishes the task.
func (h *harness) submit(t *testing.T, maxRetries int) *entity.Job {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	sum := sha256.Sum256([]byte(id.String()))
	doc := &entity.Document{
		ID:          id,
		Filename:    "paper.txt",
		FileExt:     "txt",
		Fingerprint: sum[:],
		StorageKey:  "documents/" + id.String() + "/paper.txt",
		Metadata:    entity.DocumentMetadata{Title: "T", Authors: []string{}},
		SizeBytes:   1,
	}
	require.NoError(t, h.docs.Create(ctx, doc))
	job := &entity.Job{DocumentID: doc.ID, MaxRetries: maxRetries}
	require.NoError(t, h.jobs.Create(ctx, job))
	require.NoError(t, h.queue.Publish(ctx, entity.TaskMessage{JobID: job.ID, DocumentID: doc.ID, SubmittedAt: time.Now()}))
	return job
}

func (h *harness) start(t *testing.T, proc Processor, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{
		WithWorkers(2),
		WithRetryBackoff(time.Millisecond),
		WithMaxBackoff(5 * time.Millisecond),
		WithHeartbeat(20 * time.Millisecond),
	}, opts...)
	p := NewPool(h.queue, h.jobs, h.docs, proc, common.DiscardLogger(), opts...)
	go func() { _ = p.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func (h *harness) waitFor(t *testing.T, id uuid.UUID, status constants.JobStatus) *entity.Job {
	t.Helper()
	var job *entity.Job
	require.Eventually(t, func() bool {
		j, err := h.jobs.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status && !j.Retryable()
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func (h *harness) waitDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := h.queue.Depth(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolCompletesJob(t *testing.T) {
	h := newHarness(t, time.Minute)
	job := h.submit(t, 3)
	proc := &countingProcessor{fn: func(context.Context, *entity.Job, *entity.Document) (*entity.JobResult, error) {
		return okResult(), nil
	}}
	h.start(t, proc)

	done := h.waitFor(t, job.ID, constants.JobStatusCompleted)
	h.waitDrained(t)
	assert.Equal(t, 1.0, done.Progress)
	require.NotNil(t, done.Result)
	assert.Equal(t, []string{"abstract"}, done.Result.Sections)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, int32(1), proc.calls.Load())
}

func TestPoolPermanentFailure(t *testing.T) {
	h := newHarness(t, time.Minute)
	job := h.submit(t, 3)
	proc := &countingProcessor{fn: func(context.Context, *entity.Job, *entity.Document) (*entity.JobResult, error) {
		return nil, pipeline.Permanent(constants.StageExtract, errors.New("corrupt pdf"))
	}}
	h.start(t, proc)

	failed := h.waitFor(t, job.ID, constants.JobStatusFailed)
	h.waitDrained(t)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, constants.ErrCodePermanentStage, *failed.ErrorCode)
	assert.Contains(t, *failed.Error, "corrupt pdf")
	assert.Nil(t, failed.Result)
	assert.Equal(t, 0, failed.RetryCount)
	assert.Equal(t, int32(1), proc.calls.Load(), "permanent failures are not retried")
}

func TestPoolRetriesTransientFailuresExactly(t *testing.T) {
	h := newHarness(t, time.Minute)
	job := h.submit(t, 2)
	proc := &countingProcessor{fn: func(context.Context, *entity.Job, *entity.Document) (*entity.JobResult, error) {
		return nil, pipeline.Transient(constants.StageEmbed, errors.New("ollama unreachable"))
	}}
	h.start(t, proc)

	failed := h.waitFor(t, job.ID, constants.JobStatusFailed)
	h.waitDrained(t)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, constants.ErrCodeTransientStage, *failed.ErrorCode)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, int32(3), proc.calls.Load(), "one attempt plus max_retries retries")
}

func TestPoolRecoversAfterTransientFailure(t *testing.T) {
	h := newHarness(t, time.Minute)
	job := h.submit(t, 3)
	proc := &countingProcessor{}
	proc.fn = func(context.Context, *entity.Job, *entity.Document) (*entity.JobResult, error) {
		if proc.calls.Load() == 1 {
			return nil, errors.New("database is locked")
		}
		return okResult(), nil
	}
	h.start(t, proc)

	done := h.waitFor(t, job.ID, constants.JobStatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.Nil(t, done.Error)
	assert.Equal(t, int32(2), proc.calls.Load())
}

func TestPoolAcksDuplicateDeliveryOfTerminalJob(t *testing.T) {
	h := newHarness(t, time.Minute)
	job := h.submit(t, 3)

	proc := &countingProcessor{fn: func(context.Context, *entity.Job, *entity.Document) (*entity.JobResult, error) {
		return okResult(), nil
	}}
	h.start(t, proc, WithWorkers(1))

	h.waitFor(t, job.ID, constants.JobStatusCompleted)
	h.waitDrained(t)

	// a stale redelivery after completion is acked without processing
	require.NoError(t, h.queue.Publish(context.Background(), entity.TaskMessage{JobID: job.ID, DocumentID: job.DocumentID}))
	h.waitDrained(t)
	assert.Equal(t, int32(1), proc.calls.Load())
}

func TestPoolRedeliversAfterWorkerCrash(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	job := h.submit(t, 3)
	ctx := context.Background()

	// a worker takes the message, claims the job and dies without acking
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := h.queue.Receive(rctx)
	require.NoError(t, err)
	_, err = h.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	_, err = h.jobs.UpdateProgress(ctx, job.ID, constants.StageEmbed, 0.5)
	require.NoError(t, err)

	proc := &countingProcessor{fn: func(context.Context, *entity.Job, *entity.Document) (*entity.JobResult, error) {
		return okResult(), nil
	}}
	h.start(t, proc)

	done := h.waitFor(t, job.ID, constants.JobStatusCompleted)
	h.waitDrained(t)
	assert.Equal(t, 1.0, done.Progress)
	assert.Equal(t, int32(1), proc.calls.Load())
}

func TestPoolHeartbeatKeepsLongJobLeased(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	job := h.submit(t, 3)
	proc := &countingProcessor{fn: func(ctx context.Context, _ *entity.Job, _ *entity.Document) (*entity.JobResult, error) {
		select {
		case <-time.After(400 * time.Millisecond):
			return okResult(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	h.start(t, proc)

	h.waitFor(t, job.ID, constants.JobStatusCompleted)
	h.waitDrained(t)
	assert.Equal(t, int32(1), proc.calls.Load(), "lease renewal prevents a second delivery")
}

func TestPoolProcessTimeoutIsTransient(t *testing.T) {
	h := newHarness(t, time.Minute)
	job := h.submit(t, 1)
	proc := &countingProcessor{fn: func(ctx context.Context, _ *entity.Job, _ *entity.Document) (*entity.JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h.start(t, proc, WithProcessTimeout(30*time.Millisecond))

	failed := h.waitFor(t, job.ID, constants.JobStatusFailed)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, constants.ErrCodeTransientStage, *failed.ErrorCode)
	assert.Equal(t, int32(2), proc.calls.Load())
}

func TestPoolResumesQueueUnavailableJob(t *testing.T) {
	h := newHarness(t, time.Minute)
	job := h.submit(t, 3)
	_, err := h.jobs.Fail(context.Background(), job.ID, constants.ErrCodeQueueUnavailable, "broker down")
	require.NoError(t, err)

	proc := &countingProcessor{fn: func(context.Context, *entity.Job, *entity.Document) (*entity.JobResult, error) {
		return okResult(), nil
	}}
	h.start(t, proc)

	done := h.waitFor(t, job.ID, constants.JobStatusCompleted)
	assert.Equal(t, 1, done.RequeueCount)
	assert.Zero(t, done.RetryCount)
	assert.Nil(t, done.ErrorCode)
}

func TestPoolRequeuedJobKeepsFullStageRetryBudget(t *testing.T) {
	h := newHarness(t, time.Minute)
	job := h.submit(t, 2)
	_, err := h.jobs.Fail(context.Background(), job.ID, constants.ErrCodeQueueUnavailable, "broker down")
	require.NoError(t, err)

	proc := &countingProcessor{fn: func(context.Context, *entity.Job, *entity.Document) (*entity.JobResult, error) {
		return nil, pipeline.Transient(constants.StageEmbed, errors.New("ollama unreachable"))
	}}
	h.start(t, proc)

	failed := h.waitFor(t, job.ID, constants.JobStatusFailed)
	h.waitDrained(t)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, constants.ErrCodeTransientStage, *failed.ErrorCode)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, 1, failed.RequeueCount)
	assert.Equal(t, int32(3), proc.calls.Load(), "one attempt plus max_retries retries")
}

func TestPoolFailsJobForDeletedDocument(t *testing.T) {
	h := newHarness(t, time.Minute)
	job := h.submit(t, 3)
	require.NoError(t, h.docs.SoftDelete(context.Background(), job.DocumentID))

	proc := &countingProcessor{fn: func(context.Context, *entity.Job, *entity.Document) (*entity.JobResult, error) {
		return okResult(), nil
	}}
	h.start(t, proc)

	failed := h.waitFor(t, job.ID, constants.JobStatusFailed)
	assert.Equal(t, constants.ErrCodePermanentStage, *failed.ErrorCode)
	assert.Zero(t, proc.calls.Load())
}

func TestPoolShutdownWaitsForInFlightJob(t *testing.T) {
	h := newHarness(t, time.Minute)
	job := h.submit(t, 3)
	started := make(chan struct{})
	release := make(chan struct{})
	proc := &countingProcessor{fn: func(context.Context, *entity.Job, *entity.Document) (*entity.JobResult, error) {
		close(started)
		<-release
		return okResult(), nil
	}}
	p := NewPool(h.queue, h.jobs, h.docs, proc, common.DiscardLogger(), WithWorkers(1))
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(context.Background()) }()
	<-started

	shutdownErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- p.Shutdown(ctx)
	}()

	select {
	case <-shutdownErr:
		t.Fatal("shutdown returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-shutdownErr)
	require.NoError(t, <-runErr)

	done, err := h.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, done.Status)
}

func TestPoolBackoff(t *testing.T) {
	p := NewPool(nil, nil, nil, nil, common.DiscardLogger(), WithRetryBackoff(time.Second), WithMaxBackoff(10*time.Second))
	assert.Equal(t, time.Second, p.backoff(0))
	assert.Equal(t, 2*time.Second, p.backoff(1))
	assert.Equal(t, 8*time.Second, p.backoff(3))
	assert.Equal(t, 10*time.Second, p.backoff(4))
	assert.Equal(t, 10*time.Second, p.backoff(30))
}
