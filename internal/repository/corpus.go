package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

// SQLCorpus keeps document embeddings in the corpus_embeddings table and
// ranks them by cosine similarity in process.
type SQLCorpus struct {
	db             *DB
	logger         *slog.Logger
	maxComparisons int
}

func NewSQLCorpus(db *DB, maxComparisons int, logger *slog.Logger) *SQLCorpus {
	if logger == nil {
		logger = slog.Default()
	}
	if maxComparisons <= 0 {
		maxComparisons = 1000
	}
	return &SQLCorpus{db: db, logger: logger, maxComparisons: maxComparisons}
}

// Upsert stores or replaces the embedding of a document.
func (c *SQLCorpus) Upsert(ctx context.Context, documentID uuid.UUID, title, model string, vec []float32) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	q, args := c.db.builder().Insert(CorpusEmbeddingsTable.Name).
		Columns("document_id", "title", "model", "embedding", "created_at").
		Values(documentID, title, model, string(raw), time.Now().UTC()).
		OnConflict(entsql.ConflictColumns("document_id"), entsql.ResolveWithNewValues()).
		Query()
	if _, err := c.db.SQL().ExecContext(ctx, q, args...); err != nil {
		c.logger.Error("failed to upsert corpus embedding", "document_id", documentID, "error", err)
		return err
	}
	return nil
}

// Nearest returns up to k live documents, other than exclude, embedded with
// model whose similarity to vec is at least threshold. At most
// maxComparisons of the most recent embeddings are compared.
func (c *SQLCorpus) Nearest(ctx context.Context, vec []float32, model string, exclude uuid.UUID, k int, threshold float64) ([]entity.SimilarityMatch, error) {
	b := c.db.builder()
	e := b.Table(CorpusEmbeddingsTable.Name)
	d := b.Table(DocumentsTable.Name)
	q, args := b.Select(e.C("document_id"), e.C("title"), e.C("embedding")).
		From(e).
		Join(d).On(e.C("document_id"), d.C("id")).
		Where(entsql.And(
			entsql.EQ(e.C("model"), model),
			entsql.NEQ(e.C("document_id"), exclude),
			entsql.IsNull(d.C("deleted_at")),
		)).
		OrderBy(entsql.Desc(e.C("created_at"))).
		Limit(c.maxComparisons).
		Query()

	rows, err := c.db.SQL().QueryContext(ctx, q, args...)
	if err != nil {
		c.logger.Error("failed to load corpus embeddings", "error", err)
		return nil, err
	}
	defer rows.Close()

	var matches []entity.SimilarityMatch
	for rows.Next() {
		var (
			id    uuid.UUID
			title string
			raw   string
			other []float32
		)
		if err := rows.Scan(&id, &title, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &other); err != nil {
			c.logger.Warn("skipping undecodable embedding", "document_id", id, "error", err)
			continue
		}
		score := Cosine(vec, other)
		if score >= threshold {
			matches = append(matches, entity.SimilarityMatch{DocumentID: id, Title: title, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].DocumentID.String() < matches[j].DocumentID.String()
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero or
// the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Round(s*1e6) / 1e6
}
