package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/joseph-ayodele/integrity-pipeline/internal/async"
	"github.com/joseph-ayodele/integrity-pipeline/internal/blob"
	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/export"
	"github.com/joseph-ayodele/integrity-pipeline/internal/ingest"
	"github.com/joseph-ayodele/integrity-pipeline/internal/maintenance"
	"github.com/joseph-ayodele/integrity-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
	"github.com/joseph-ayodele/integrity-pipeline/internal/server"
	"github.com/joseph-ayodele/integrity-pipeline/internal/status"
	"github.com/joseph-ayodele/integrity-pipeline/internal/worker"
)

// app holds every component a command may need, wired from the config.
type app struct {
	cfg    *common.Config
	logger *slog.Logger

	db        *repository.DB
	docs      repository.DocumentRepository
	jobs      repository.JobRepository
	store     blob.Store
	queue     async.Queue
	publisher async.Publisher

	ingest  *ingest.Service
	status  *status.Service
	export  *export.Service
	sweeper *maintenance.Sweeper
}

func newApp(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*app, error) {
	db, err := server.ConnectDB(ctx, cfg.Database, true, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a := &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		docs:   repository.NewDocumentRepository(db, logger),
		jobs:   repository.NewJobRepository(db, logger),
	}

	a.store, err = openStore(ctx, cfg.Storage, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	opts := []async.Option{async.WithLeaseTimeout(cfg.Queue.LeaseTimeout), async.WithPollInterval(cfg.Queue.PollInterval)}
	switch cfg.Queue.Backend {
	case "memory":
		logger.Warn("using the in-memory queue: tasks are lost on restart and invisible to other processes")
		a.queue = async.NewMemoryQueue(logger, opts...)
	default:
		a.queue = async.NewSQLQueue(db, logger, opts...)
	}
	a.publisher = async.NewRetryingPublisher(a.queue, cfg.Queue.PublishRetries, cfg.Queue.PublishBackoff, logger)

	a.ingest, err = ingest.NewService(a.docs, a.jobs, a.store, a.publisher, ingest.ConfigFrom(cfg), logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.status = status.NewService(a.jobs, a.docs, a.queue, logger)
	a.export = export.NewService(a.jobs, a.docs, logger)
	a.sweeper = maintenance.NewSweeper(a.docs, a.jobs, a.store, a.publisher, a.queue, logger,
		maintenance.WithInterval(cfg.Sweeper.Interval),
		maintenance.WithOrphanGrace(cfg.Sweeper.OrphanGrace),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (blob.Store, error) {
	switch cfg.Backend {
	case "gcs":
		store, err := blob.NewGCSStore(ctx, cfg.GCSBucket, logger)
		if err != nil {
			return nil, fmt.Errorf("open gcs bucket %s: %w", cfg.GCSBucket, err)
		}
		return store, nil
	default:
		store, err := blob.NewFSStore(cfg.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("open blob dir %s: %w", cfg.Dir, err)
		}
		return store, nil
	}
}

// workerPool builds the processing pipeline and the pool that drives it.
func (a *app) workerPool(ctx context.Context) (*worker.Pool, error) {
	var embedder pipeline.Embedder
	switch a.cfg.Embedding.Provider {
	case "ollama":
		e, err := pipeline.NewOllamaEmbedder(a.cfg.Embedding.OllamaBaseURL, a.cfg.Embedding.Model, a.cfg.Embedding.Timeout, a.logger)
		if err != nil {
			return nil, err
		}
		embedder = e
	default:
		embedder = pipeline.NewHashEmbedder(a.cfg.Embedding.Dimensions)
	}

	var corpus pipeline.CorpusIndex
	switch a.cfg.Similarity.Backend {
	case "pgvector":
		if a.db.Pool() == nil {
			return nil, fmt.Errorf("pgvector corpus requires a postgres database")
		}
		c, err := pipeline.NewPgvectorCorpus(ctx, a.db.Pool(), a.cfg.Embedding.Dimensions, a.logger)
		if err != nil {
			return nil, err
		}
		corpus = c
	default:
		corpus = repository.NewSQLCorpus(a.db, a.cfg.Similarity.MaxComparisons, a.logger)
	}

	proc := pipeline.NewProcessor(a.logger,
		pipeline.NewTextExtractor(a.store, a.cfg.Ingest.MaxUploadBytes, a.logger),
		embedder,
		corpus,
		pipeline.NewStatisticalDetector(),
		a.jobs,
		pipeline.SimilarityConfig{Threshold: a.cfg.Similarity.Threshold, TopK: a.cfg.Similarity.TopK},
	)

	return worker.NewPool(a.queue, a.jobs, a.docs, proc, a.logger,
		worker.WithWorkers(a.cfg.Worker.Count),
		worker.WithMaxRetries(a.cfg.Worker.MaxRetries),
		worker.WithRetryBackoff(a.cfg.Worker.RetryBackoff),
		worker.WithMaxBackoff(a.cfg.Worker.MaxBackoff),
		worker.WithProcessTimeout(a.cfg.Worker.JobTimeout),
		worker.WithHeartbeat(a.cfg.Queue.LeaseTimeout/3),
	), nil
}

func (a *app) close() {
	if a.queue != nil {
		a.queue.Shutdown(context.Background())
	}
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close blob store", "error", err)
		}
	}
	server.CloseDB(a.db, a.logger)
}
