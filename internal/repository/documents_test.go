package repository_test

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository/repotest"
)

func newDocument(content string) *entity.Document {
	sum := sha256.Sum256([]byte(content))
	id := uuid.New()
	return &entity.Document{
		ID:          id,
		Filename:    "paper.txt",
		FileExt:     "txt",
		Fingerprint: sum[:],
		StorageKey:  "documents/" + id.String() + "/paper.txt",
		Metadata:    entity.DocumentMetadata{Title: "On Things", Authors: []string{"A. Author"}},
		SizeBytes:   int64(len(content)),
	}
}

func TestDocumentCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewDocumentRepository(repotest.Open(t), common.DiscardLogger())

	doc := newDocument("hello world")
	require.NoError(t, repo.Create(ctx, doc))

	got, err := repo.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Fingerprint, got.Fingerprint)
	assert.Equal(t, doc.Metadata, got.Metadata)
	assert.Equal(t, doc.StorageKey, got.StorageKey)
	assert.False(t, got.Deleted())

	byFP, err := repo.GetActiveByFingerprint(ctx, doc.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byFP.ID)
}

func TestDocumentDuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewDocumentRepository(repotest.Open(t), common.DiscardLogger())

	require.NoError(t, repo.Create(ctx, newDocument("same bytes")))
	err := repo.Create(ctx, newDocument("same bytes"))
	assert.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestDocumentSoftDeleteReleasesFingerprint(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewDocumentRepository(repotest.Open(t), common.DiscardLogger())

	first := newDocument("reusable")
	require.NoError(t, repo.Create(ctx, first))
	require.NoError(t, repo.SoftDelete(ctx, first.ID))

	_, err := repo.GetActiveByFingerprint(ctx, first.Fingerprint)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	got, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted())

	assert.ErrorIs(t, repo.SoftDelete(ctx, first.ID), repository.ErrNotFound)
	require.NoError(t, repo.Create(ctx, newDocument("reusable")))

	keys, err := repo.StorageKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, first.StorageKey)
}

func TestDocumentNotFound(t *testing.T) {
	repo := repository.NewDocumentRepository(repotest.Open(t), common.DiscardLogger())
	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, err, common.ErrNotFound)
}
