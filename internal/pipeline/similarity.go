package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

// CorpusIndex is the searchable set of previously processed documents.
type CorpusIndex interface {
	Nearest(ctx context.Context, vec []float32, model string, exclude uuid.UUID, k int, threshold float64) ([]entity.SimilarityMatch, error)
	Upsert(ctx context.Context, documentID uuid.UUID, title, model string, vec []float32) error
}

// PgvectorCorpus keeps embeddings in a pgvector column and lets Postgres
// rank them by cosine distance.
type PgvectorCorpus struct {
	pool   *pgxpool.Pool
	dim    int
	logger *slog.Logger
}

// NewPgvectorCorpus enables the vector extension and creates the
// corpus_vectors table for vectors of dim dimensions.
func NewPgvectorCorpus(ctx context.Context, pool *pgxpool.Pool, dim int, logger *slog.Logger) (*PgvectorCorpus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &PgvectorCorpus{pool: pool, dim: dim, logger: logger}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *PgvectorCorpus) initialize(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS corpus_vectors (
			document_id UUID PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			model TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, c.dim)
	if _, err := c.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createIndex := `
		CREATE INDEX IF NOT EXISTS corpus_vectors_embedding_idx
		ON corpus_vectors
		USING hnsw (embedding vector_cosine_ops)`
	if _, err := c.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (c *PgvectorCorpus) Upsert(ctx context.Context, documentID uuid.UUID, title, model string, vec []float32) error {
	if len(vec) != c.dim {
		return fmt.Errorf("embedding has %d dimensions, corpus expects %d", len(vec), c.dim)
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO corpus_vectors (document_id, title, model, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE SET
			title = EXCLUDED.title,
			model = EXCLUDED.model,
			embedding = EXCLUDED.embedding`,
		documentID, title, model, pgvector.NewVector(vec))
	if err != nil {
		c.logger.Error("failed to upsert corpus vector", "document_id", documentID, "error", err)
	}
	return err
}

func (c *PgvectorCorpus) Nearest(ctx context.Context, vec []float32, model string, exclude uuid.UUID, k int, threshold float64) ([]entity.SimilarityMatch, error) {
	if len(vec) != c.dim {
		return nil, fmt.Errorf("embedding has %d dimensions, corpus expects %d", len(vec), c.dim)
	}
	rows, err := c.pool.Query(ctx, `
		SELECT v.document_id, v.title, 1 - (v.embedding <=> $1) AS score
		FROM corpus_vectors v
		JOIN documents d ON d.id = v.document_id
		WHERE d.deleted_at IS NULL AND v.model = $2 AND v.document_id <> $3
		ORDER BY v.embedding <=> $1
		LIMIT $4`,
		pgvector.NewVector(vec), model, exclude, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query corpus: %w", err)
	}
	defer rows.Close()

	var matches []entity.SimilarityMatch
	for rows.Next() {
		var m entity.SimilarityMatch
		if err := rows.Scan(&m.DocumentID, &m.Title, &m.Score); err != nil {
			return nil, err
		}
		m.Score = math.Round(m.Score*1e6) / 1e6
		if m.Score >= threshold {
			matches = append(matches, m)
		}
	}
	return matches, rows.Err()
}
