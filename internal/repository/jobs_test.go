package repository_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository/repotest"
)

type jobFixture struct {
	docs repository.DocumentRepository
	jobs repository.JobRepository
	doc  *entity.Document
}

func newJobFixture(t *testing.T) *jobFixture {
	t.Helper()
	db := repotest.Open(t)
	f := &jobFixture{
		docs: repository.NewDocumentRepository(db, common.DiscardLogger()),
		jobs: repository.NewJobRepository(db, common.DiscardLogger()),
		doc:  newDocument("fixture " + t.Name()),
	}
	require.NoError(t, f.docs.Create(context.Background(), f.doc))
	return f
}

func (f *jobFixture) newJob(t *testing.T, maxRetries int) *entity.Job {
	t.Helper()
	job := &entity.Job{DocumentID: f.doc.ID, MaxRetries: maxRetries}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

func sampleResult() *entity.JobResult {
	return &entity.JobResult{WordCount: 12, PageCount: 1, RiskScore: 0.1, RiskLevel: constants.RiskLow}
}

func TestJobCreateAndGet(t *testing.T) {
	f := newJobFixture(t)
	job := f.newJob(t, 3)

	got, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusQueued, got.Status)
	assert.Zero(t, got.Progress)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, int64(1), got.Version)
}

func TestJobUnknownIDIsNotFound(t *testing.T) {
	f := newJobFixture(t)
	_, err := f.jobs.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = f.jobs.Claim(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestJobProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	job := f.newJob(t, 3)

	applied, err := f.jobs.UpdateProgress(ctx, job.ID, constants.StageExtract, 0.25)
	require.NoError(t, err)
	assert.False(t, applied, "queued jobs take no progress")

	_, err = f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)

	applied, err = f.jobs.UpdateProgress(ctx, job.ID, constants.StageEmbed, 0.5)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = f.jobs.UpdateProgress(ctx, job.ID, constants.StageExtract, 0.25)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Progress)
	assert.Equal(t, constants.StageEmbed, got.Stage)

	_, err = f.jobs.UpdateProgress(ctx, job.ID, "x", 1.5)
	assert.Error(t, err)
}

func TestJobConcurrentProgressNeverDecreases(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	job := f.newJob(t, 3)
	_, err := f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(p float64) {
			defer wg.Done()
			_, err := f.jobs.UpdateProgress(ctx, job.ID, "stage", p)
			assert.NoError(t, err)
		}(float64(i) / 20)
	}
	wg.Wait()

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Progress)
}

func TestJobCompleteIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	job := f.newJob(t, 3)

	_, err := f.jobs.Complete(ctx, job.ID, sampleResult())
	assert.ErrorIs(t, err, repository.ErrConflict, "queued jobs cannot complete")

	_, err = f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	done, err := f.jobs.Complete(ctx, job.ID, sampleResult())
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, done.Status)
	assert.Equal(t, 1.0, done.Progress)
	assert.NotNil(t, done.FinishedAt)

	_, err = f.jobs.Fail(ctx, job.ID, constants.ErrCodePermanentStage, "late failure")
	assert.ErrorIs(t, err, repository.ErrConflict)
	_, err = f.jobs.Claim(ctx, job.ID)
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Nil(t, got.Error)
	assert.Equal(t, sampleResult(), got.Result)
}

func TestJobFailClearsResult(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	job := f.newJob(t, 3)

	_, err := f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	failed, err := f.jobs.Fail(ctx, job.ID, constants.ErrCodePermanentStage, "corrupt pdf")
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "corrupt pdf", *failed.Error)
	assert.Nil(t, failed.Result)
	assert.True(t, failed.Terminal())

	_, err = f.jobs.Resume(ctx, job.ID)
	assert.ErrorIs(t, err, repository.ErrConflict, "permanent failures are not resumable")
}

func TestJobResumeQueueUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	job := f.newJob(t, 1)

	failed, err := f.jobs.Fail(ctx, job.ID, constants.ErrCodeQueueUnavailable, "broker down")
	require.NoError(t, err)
	assert.False(t, failed.Terminal())

	resumed, err := f.jobs.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusProcessing, resumed.Status)
	assert.Equal(t, 1, resumed.RequeueCount)
	assert.Zero(t, resumed.RetryCount, "requeues leave the stage retry budget alone")
	assert.Nil(t, resumed.Error)
	assert.Nil(t, resumed.ErrorCode)

	retries, err := f.jobs.RecordRetry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retries)

	_, err = f.jobs.Fail(ctx, job.ID, constants.ErrCodeQueueUnavailable, "broker down again")
	require.NoError(t, err)
	_, err = f.jobs.Resume(ctx, job.ID)
	assert.ErrorIs(t, err, repository.ErrConflict, "requeue budget exhausted")

	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RequeueCount)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestJobRecordRetry(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	job := f.newJob(t, 3)

	_, err := f.jobs.RecordRetry(ctx, job.ID)
	assert.ErrorIs(t, err, repository.ErrConflict)

	_, err = f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	n, err := f.jobs.RecordRetry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.jobs.RecordRetry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusProcessing, got.Status)
}

func TestJobConcurrentTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	job := f.newJob(t, 3)
	_, err := f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.jobs.Complete(ctx, job.ID, sampleResult())
			} else {
				_, err = f.jobs.Fail(ctx, job.ID, constants.ErrCodePermanentStage, "x")
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, successes, "exactly one terminal transition wins")

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, (got.Result != nil) != (got.Error != nil))
}

func TestJobListingAndCounts(t *testing.T) {
	ctx := context.Background()
	f := newJobFixture(t)
	first := f.newJob(t, 3)
	second := f.newJob(t, 3)
	_, err := f.jobs.Fail(ctx, first.ID, constants.ErrCodeQueueUnavailable, "down")
	require.NoError(t, err)

	latest, err := f.jobs.LatestForDocument(ctx, f.doc.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	all, err := f.jobs.ListByDocument(ctx, f.doc.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	failed, err := f.jobs.List(ctx, repository.JobFilter{
		Statuses:  []constants.JobStatus{constants.JobStatusFailed},
		ErrorCode: constants.ErrCodeQueueUnavailable,
	})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.ID, failed[0].ID)

	counts, err := f.jobs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[constants.JobStatusQueued])
	assert.Equal(t, 1, counts[constants.JobStatusFailed])
	assert.Equal(t, 0, counts[constants.JobStatusCompleted])
}
