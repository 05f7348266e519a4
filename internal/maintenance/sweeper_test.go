package maintenance_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/async"
	"github.com/joseph-ayodele/integrity-pipeline/internal/blob"
	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/maintenance"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository/repotest"
)

type env struct {
	docs  repository.DocumentRepository
	jobs  repository.JobRepository
	store blob.Store
	queue *async.MemoryQueue
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := repotest.Open(t)
	store, err := blob.NewFSStore(t.TempDir(), common.DiscardLogger())
	require.NoError(t, err)
	return &env{
		docs:  repository.NewDocumentRepository(db, common.DiscardLogger()),
		jobs:  repository.NewJobRepository(db, common.DiscardLogger()),
		store: store,
		queue: async.NewMemoryQueue(common.DiscardLogger()),
	}
}

func (e *env) sweeper(publisher async.Publisher, opts ...maintenance.Option) *maintenance.Sweeper {
	if publisher == nil {
		publisher = e.queue
	}
	return maintenance.NewSweeper(e.docs, e.jobs, e.store, publisher, e.queue, common.DiscardLogger(), opts...)
}

func (e *env) putBlob(t *testing.T, key string) {
	t.Helper()
	require.NoError(t, e.store.Put(context.Background(), key, strings.NewReader("bytes"), 5))
}

func (e *env) newDocument(t *testing.T) *entity.Document {
	t.Helper()
	id := uuid.New()
	sum := sha256.Sum256([]byte(id.String()))
	doc := &entity.Document{
		ID:          id,
		Filename:    "paper.txt",
		FileExt:     "txt",
		Fingerprint: sum[:],
		StorageKey:  blob.DocumentKey(id, "paper.txt"),
		Metadata:    entity.DocumentMetadata{Title: "Paper", Authors: []string{}},
		SizeBytes:   5,
	}
	require.NoError(t, e.docs.Create(context.Background(), doc))
	return doc
}

func (e *env) newJob(t *testing.T, doc *entity.Document, failCode string) *entity.Job {
	t.Helper()
	ctx := context.Background()
	job := &entity.Job{DocumentID: doc.ID, MaxRetries: 3}
	require.NoError(t, e.jobs.Create(ctx, job))
	if failCode != "" {
		failed, err := e.jobs.Fail(ctx, job.ID, failCode, "failed for test")
		require.NoError(t, err)
		job = failed
	}
	return job
}

type downPublisher struct{}

func (downPublisher) Publish(context.Context, entity.TaskMessage) error {
	return common.ErrQueueUnavailable
}

func TestSweepDeletesOldOrphanBlobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	doc := e.newDocument(t)
	e.putBlob(t, doc.StorageKey)
	orphan := blob.DocumentKey(uuid.New(), "lost.txt")
	e.putBlob(t, orphan)

	later := func() time.Time { return time.Now().Add(2 * time.Hour) }
	report, err := e.sweeper(nil, maintenance.WithOrphanGrace(time.Hour), maintenance.WithClock(later)).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansDeleted)

	objects, err := e.store.List(ctx, blob.DocumentPrefix)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, doc.StorageKey, objects[0].Key)
}

func TestSweepKeepsFreshOrphans(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.putBlob(t, blob.DocumentKey(uuid.New(), "uploading.txt"))

	report, err := e.sweeper(nil, maintenance.WithOrphanGrace(time.Hour)).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.OrphansDeleted)

	objects, err := e.store.List(ctx, blob.DocumentPrefix)
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestSweepKeepsBlobsOfDeletedDocuments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := e.newDocument(t)
	e.putBlob(t, doc.StorageKey)
	require.NoError(t, e.docs.SoftDelete(ctx, doc.ID))

	later := func() time.Time { return time.Now().Add(48 * time.Hour) }
	report, err := e.sweeper(nil, maintenance.WithClock(later)).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.OrphansDeleted)
}

func TestSweepRepublishesQueueUnavailableJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stranded := e.newJob(t, e.newDocument(t), constants.ErrCodeQueueUnavailable)

	// superseded by a newer job for the same document
	docB := e.newDocument(t)
	e.newJob(t, docB, constants.ErrCodeQueueUnavailable)
	e.newJob(t, docB, "")

	// not retryable
	e.newJob(t, e.newDocument(t), constants.ErrCodePermanentStage)

	// document was deleted
	docD := e.newDocument(t)
	e.newJob(t, docD, constants.ErrCodeQueueUnavailable)
	require.NoError(t, e.docs.SoftDelete(ctx, docD.ID))

	report, err := e.sweeper(nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Republished)
	assert.Equal(t, 2, report.Skipped)

	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := e.queue.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, stranded.ID, d.Message.JobID)
	assert.Equal(t, stranded.DocumentID, d.Message.DocumentID)

	// the job stays failed until a worker resumes it
	job, err := e.jobs.GetByID(ctx, stranded.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, job.Status)
}

func TestSweepDoesNotRequeuePendingJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	stranded := e.newJob(t, e.newDocument(t), constants.ErrCodeQueueUnavailable)
	sweeper := e.sweeper(nil)

	first, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Republished)

	second, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Republished)
	assert.Equal(t, 1, second.Skipped)

	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// leased messages count as pending too
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	d, err := e.queue.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, stranded.ID, d.Message.JobID)

	third, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, third.Republished)
	depth, err = e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestSweepStopsWhenQueueIsDown(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.newJob(t, e.newDocument(t), constants.ErrCodeQueueUnavailable)
	e.newJob(t, e.newDocument(t), constants.ErrCodeQueueUnavailable)

	report, err := e.sweeper(downPublisher{}).Sweep(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrQueueUnavailable))
	assert.Zero(t, report.Republished)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.sweeper(nil, maintenance.WithInterval(10*time.Millisecond)).Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
