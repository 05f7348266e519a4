// Package worker consumes task messages and drives jobs through the
// processing pipeline.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/integrity-pipeline/constants"
	"github.com/joseph-ayodele/integrity-pipeline/internal/async"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
	"github.com/joseph-ayodele/integrity-pipeline/internal/pipeline"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository"
)

// Processor runs every stage for a job.
type Processor interface {
	Process(ctx context.Context, job *entity.Job, doc *entity.Document) (*entity.JobResult, error)
}

// Pool runs N consumer loops over a Queue.
type Pool struct {
	queue  async.Queue
	jobs   repository.JobRepository
	docs   repository.DocumentRepository
	proc   Processor
	logger *slog.Logger

	workers      int
	maxRetries   int
	retryBackoff time.Duration
	maxBackoff   time.Duration
	timeout      time.Duration
	heartbeat    time.Duration

	once    sync.Once
	mu      sync.Mutex
	stop    context.CancelFunc
	abort   context.CancelFunc
	done    chan struct{}
	running bool
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithMaxRetries sets the retry budget of jobs that carry none.
func WithMaxRetries(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay before a transient failure is retried.
func WithRetryBackoff(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.retryBackoff = d
		}
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.maxBackoff = d
		}
	}
}

// WithProcessTimeout bounds a single processing attempt.
func WithProcessTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHeartbeat sets how often the lease of an in-flight delivery is
// renewed. It must be shorter than the queue's lease timeout.
func WithHeartbeat(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.heartbeat = d
		}
	}
}

func NewPool(
	queue async.Queue,
	jobs repository.JobRepository,
	docs repository.DocumentRepository,
	proc Processor,
	logger *slog.Logger,
	opts ...Option,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queue:        queue,
		jobs:         jobs,
		docs:         docs,
		proc:         proc,
		logger:       logger,
		workers:      4,
		maxRetries:   3,
		retryBackoff: 5 * time.Second,
		maxBackoff:   5 * time.Minute,
		timeout:      10 * time.Minute,
		heartbeat:    time.Minute,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run consumes until ctx is cancelled or Shutdown is called. In-flight jobs
// are allowed to finish.
func (p *Pool) Run(ctx context.Context) error {
	started := false
	p.once.Do(func() { started = true })
	if !started {
		return errors.New("worker pool already started")
	}

	recvCtx, stop := context.WithCancel(ctx)
	workCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.stop, p.abort, p.running = stop, abort, true
	p.mu.Unlock()
	defer func() {
		stop()
		abort()
		close(p.done)
	}()

	g, gctx := errgroup.WithContext(recvCtx)
	for i := 0; i < p.workers; i++ {
		workerID := i
		g.Go(func() error {
			p.logger.Info("worker started", "worker_id", workerID)
			defer p.logger.Info("worker stopped", "worker_id", workerID)
			return p.loop(gctx, workCtx, workerID)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(recvCtx, workCtx context.Context, workerID int) error {
	for {
		d, err := p.queue.Receive(recvCtx)
		if err != nil {
			if recvCtx.Err() != nil || errors.Is(err, async.ErrClosed) {
				return nil
			}
			p.logger.Error("receive failed", "worker_id", workerID, "error", err)
			select {
			case <-recvCtx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(workCtx, workerID, d)
	}
}

// Shutdown stops receiving and waits for in-flight jobs. When ctx expires
// first, in-flight jobs are aborted and their messages released.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	stop, abort, running := p.stop, p.abort, p.running
	p.mu.Unlock()
	if !running {
		return nil
	}
	stop()
	select {
	case <-p.done:
		p.logger.Info("worker pool shutdown complete")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out; aborting in-flight jobs")
		abort()
		<-p.done
		return ctx.Err()
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, d *entity.Delivery) {
	log := p.logger.With("worker_id", workerID, "job_id", d.Message.JobID, "attempt", d.Attempt)

	job, err := p.jobs.GetByID(ctx, d.Message.JobID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("task references an unknown job; dropping")
		p.ack(ctx, log, d)
		return
	case err != nil:
		log.Error("load job failed", "error", err)
		p.nack(ctx, log, d, p.retryBackoff)
		return
	}
	if job.Terminal() {
		log.Info("job already terminal; acknowledging duplicate delivery", "status", job.Status)
		p.ack(ctx, log, d)
		return
	}

	if job.Status == constants.JobStatusFailed {
		job, err = p.jobs.Resume(ctx, job.ID)
	} else {
		job, err = p.jobs.Claim(ctx, d.Message.JobID)
	}
	if err != nil {
		// the row moved on; the next delivery re-reads it
		log.Warn("claim failed", "error", err)
		p.nack(ctx, log, d, p.retryBackoff)
		return
	}

	doc, err := p.docs.GetByID(ctx, job.DocumentID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		p.fail(ctx, log, d, job, constants.ErrCodePermanentStage, "document not found")
		return
	case err != nil:
		log.Error("load document failed", "error", err)
		p.nack(ctx, log, d, p.retryBackoff)
		return
	case doc.Deleted():
		p.fail(ctx, log, d, job, constants.ErrCodePermanentStage, "document was deleted")
		return
	}

	log.Info("processing job", "document_id", doc.ID, "retry_count", job.RetryCount)
	start := time.Now()
	res, err := p.process(ctx, d, job, doc)
	if err == nil {
		if _, err := p.jobs.Complete(ctx, job.ID, res); err != nil {
			log.Error("complete failed", "error", err)
			p.nack(ctx, log, d, p.retryBackoff)
			return
		}
		log.Info("job completed", "risk_score", res.RiskScore, "risk_level", res.RiskLevel, "duration", time.Since(start))
		p.ack(ctx, log, d)
		return
	}

	if ctx.Err() != nil {
		// aborted by Shutdown; the message goes back untouched
		log.Warn("processing aborted", "error", err)
		p.nack(context.Background(), log, d, 0)
		return
	}
	if pipeline.IsPermanent(err) {
		p.fail(ctx, log, d, job, constants.ErrCodePermanentStage, err.Error())
		return
	}

	budget := job.MaxRetries
	if budget <= 0 {
		budget = p.maxRetries
	}
	if job.RetryCount >= budget {
		log.Error("retry budget exhausted", "retry_count", job.RetryCount, "error", err)
		p.fail(ctx, log, d, job, constants.ErrCodeTransientStage, err.Error())
		return
	}
	retries, rerr := p.jobs.RecordRetry(ctx, job.ID)
	if rerr != nil {
		log.Error("record retry failed", "error", rerr)
		p.nack(ctx, log, d, p.retryBackoff)
		return
	}
	delay := p.backoff(retries - 1)
	log.Warn("transient failure; retrying", "retry_count", retries, "delay", delay, "error", err)
	p.nack(ctx, log, d, delay)
}

// process runs the pipeline under the job timeout while renewing the lease.
func (p *Pool) process(ctx context.Context, d *entity.Delivery, job *entity.Job, doc *entity.Document) (*entity.JobResult, error) {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	hbDone := make(chan struct{})
	hbCtx, stopHB := context.WithCancel(pctx)
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Extend(hbCtx, d); err != nil && hbCtx.Err() == nil {
					p.logger.Warn("lease renewal failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	defer func() {
		stopHB()
		<-hbDone
	}()

	res, err := p.proc.Process(pctx, job, doc)
	if err != nil && !pipeline.IsTransient(err) && !pipeline.IsPermanent(err) {
		err = pipeline.Transient("process", err)
	}
	return res, err
}

func (p *Pool) backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := p.retryBackoff
	for i := 0; i < retry && d < p.maxBackoff; i++ {
		d *= 2
	}
	if d > p.maxBackoff {
		d = p.maxBackoff
	}
	return d
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, d *entity.Delivery, job *entity.Job, code, msg string) {
	if _, err := p.jobs.Fail(ctx, job.ID, code, msg); err != nil {
		log.Error("fail transition failed", "error", err)
		p.nack(ctx, log, d, p.retryBackoff)
		return
	}
	log.Error("job failed", "error_code", code, "error", msg)
	p.ack(ctx, log, d)
}

func (p *Pool) ack(ctx context.Context, log *slog.Logger, d *entity.Delivery) {
	if err := p.queue.Ack(ctx, d); err != nil {
		log.Warn("ack failed", "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, log *slog.Logger, d *entity.Delivery, delay time.Duration) {
	if err := p.queue.Nack(ctx, d, delay); err != nil {
		log.Warn("nack failed", "error", err)
	}
}
