package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

// ProgressReporter records stage completion on the job.
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, id uuid.UUID, stage string, progress float64) (bool, error)
}

// SimilarityConfig bounds the similarity stage.
type SimilarityConfig struct {
	Threshold float64
	TopK      int
}

// Processor coordinates extraction -> embedding -> similarity -> anomaly.
type Processor struct {
	Logger     *slog.Logger
	Extractor  Extractor
	Embedder   Embedder
	Corpus     CorpusIndex
	Detector   AnomalyDetector
	Progress   ProgressReporter
	Similarity SimilarityConfig
}

func NewProcessor(logger *slog.Logger, x Extractor, e Embedder, c CorpusIndex, d AnomalyDetector, p ProgressReporter, sim SimilarityConfig) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if sim.TopK <= 0 {
		sim.TopK = 10
	}
	return &Processor{Logger: logger, Extractor: x, Embedder: e, Corpus: c, Detector: d, Progress: p, Similarity: sim}
}

// Process runs every stage for job over doc and returns the result payload.
// Each run starts from stage one; all stage outputs are recomputed, so a
// redelivered job yields the same result. Errors are TransientStageError or
// PermanentStageError.
func (p *Processor) Process(ctx context.Context, job *entity.Job, doc *entity.Document) (*entity.JobResult, error) {
	log := p.Logger.With("job_id", job.ID, "document_id", doc.ID)

	// 1) extraction
	ext, err := p.Extractor.Extract(ctx, doc)
	if err != nil {
		log.Error("processor.extract.failed", "err", err)
		return nil, classify(constants.StageExtract, err)
	}
	if err := p.report(ctx, job.ID, constants.StageExtract); err != nil {
		return nil, err
	}
	log.Info("processor.extract.ok", "words", ext.WordCount, "pages", ext.PageCount)

	// 2) embedding
	vec, err := p.Embedder.Embed(ctx, ext.Text)
	if err != nil {
		log.Error("processor.embed.failed", "err", err)
		return nil, classify(constants.StageEmbed, err)
	}
	if err := p.report(ctx, job.ID, constants.StageEmbed); err != nil {
		return nil, err
	}
	log.Info("processor.embed.ok", "model", p.Embedder.Model(), "dim", len(vec))

	// 3) similarity
	matches, err := p.Corpus.Nearest(ctx, vec, p.Embedder.Model(), doc.ID, p.Similarity.TopK, p.Similarity.Threshold)
	if err != nil {
		log.Error("processor.similarity.failed", "err", err)
		return nil, classify(constants.StageSimilarity, err)
	}
	sim := entity.SimilarityReport{Matches: matches}
	if sim.Matches == nil {
		sim.Matches = []entity.SimilarityMatch{}
	}
	for _, m := range matches {
		if m.Score > sim.MaxScore {
			sim.MaxScore = m.Score
		}
	}
	if err := p.report(ctx, job.ID, constants.StageSimilarity); err != nil {
		return nil, err
	}
	log.Info("processor.similarity.ok", "matches", len(matches), "max_score", sim.MaxScore)

	// 4) anomaly detection
	anomalies, err := p.Detector.Detect(ctx, doc, ext)
	if err != nil {
		log.Error("processor.anomaly.failed", "err", err)
		return nil, classify(constants.StageAnomaly, err)
	}
	if anomalies == nil {
		anomalies = []entity.Anomaly{}
	}

	// the document joins the corpus only once every stage passed
	if err := p.Corpus.Upsert(ctx, doc.ID, doc.Metadata.Title, p.Embedder.Model(), vec); err != nil {
		log.Error("processor.corpus.upsert.failed", "err", err)
		return nil, classify(constants.StageAnomaly, err)
	}
	if err := p.report(ctx, job.ID, constants.StageAnomaly); err != nil {
		return nil, err
	}
	log.Info("processor.anomaly.ok", "findings", len(anomalies))

	sections := ext.SectionNames()
	score := RiskScore(sim, anomalies)
	return &entity.JobResult{
		WordCount:      ext.WordCount,
		PageCount:      ext.PageCount,
		Sections:       sections,
		EmbeddingModel: p.Embedder.Model(),
		EmbeddingDim:   len(vec),
		Similarity:     sim,
		Anomalies:      anomalies,
		RiskScore:      score,
		RiskLevel:      constants.RiskLevel(score),
	}, nil
}

func (p *Processor) report(ctx context.Context, jobID uuid.UUID, stage string) error {
	if p.Progress == nil {
		return nil
	}
	if _, err := p.Progress.UpdateProgress(ctx, jobID, stage, constants.StageProgress[stage]); err != nil {
		return Transient(stage, err)
	}
	return nil
}
