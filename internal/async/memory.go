package async

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

type memMessage struct {
	id         int64
	msg        entity.TaskMessage
	attempts   int
	visibleAt  time.Time
	leaseToken string
	leaseUntil time.Time
}

func (m *memMessage) ready(now time.Time) bool {
	if now.Before(m.visibleAt) {
		return false
	}
	return m.leaseToken == "" || now.After(m.leaseUntil)
}

// MemoryQueue is an in-process Queue with the same lease semantics as
// SQLQueue. Messages do not survive a restart.
type MemoryQueue struct {
	logger *slog.Logger
	opts   options

	mu     sync.Mutex
	msgs   map[int64]*memMessage
	seq    int64
	closed bool
	notify chan struct{}
}

func NewMemoryQueue(logger *slog.Logger, opts ...Option) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryQueue{
		logger: logger,
		opts:   o,
		msgs:   make(map[int64]*memMessage),
		notify: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Publish(_ context.Context, msg entity.TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("cannot publish: queue is shutting down", "job_id", msg.JobID)
		return ErrClosed
	}
	if q.pendingLocked(msg.JobID) {
		q.logger.Info("task already pending for job", "job_id", msg.JobID)
		return nil
	}
	if q.opts.capacity > 0 && len(q.msgs) >= q.opts.capacity {
		q.logger.Warn("queue full, rejecting publish", "job_id", msg.JobID)
		return ErrFull
	}
	q.seq++
	q.msgs[q.seq] = &memMessage{id: q.seq, msg: msg, visibleAt: q.opts.now()}
	q.signal()
	q.logger.Info("queued job for processing", "job_id", msg.JobID, "message_id", q.seq)
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context) (*entity.Delivery, error) {
	ticker := time.NewTicker(q.opts.pollInterval)
	defer ticker.Stop()
	for {
		d, err := q.tryReceive()
		if d != nil || err != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) tryReceive() (*entity.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.opts.now()
	var best *memMessage
	for _, m := range q.msgs {
		if !m.ready(now) {
			continue
		}
		if best == nil || m.msg.Priority > best.msg.Priority ||
			(m.msg.Priority == best.msg.Priority && m.id < best.id) {
			best = m
		}
	}
	if best == nil {
		return nil, nil
	}
	if best.leaseToken != "" {
		q.logger.Warn("lease expired, redelivering", "job_id", best.msg.JobID, "message_id", best.id)
	}
	best.leaseToken = uuid.NewString()
	best.leaseUntil = now.Add(q.opts.leaseTimeout)
	best.attempts++
	// wake another waiter in case more messages are ready
	q.signal()
	return &entity.Delivery{
		Message:    best.msg,
		ID:         strconv.FormatInt(best.id, 10),
		LeaseToken: best.leaseToken,
		Attempt:    best.attempts,
		LeaseUntil: best.leaseUntil,
	}, nil
}

func (q *MemoryQueue) leased(d *entity.Delivery) (*memMessage, error) {
	id, err := strconv.ParseInt(d.ID, 10, 64)
	if err != nil {
		return nil, ErrLeaseLost
	}
	m, ok := q.msgs[id]
	if !ok || m.leaseToken != d.LeaseToken {
		return nil, ErrLeaseLost
	}
	return m, nil
}

func (q *MemoryQueue) Ack(_ context.Context, d *entity.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.leased(d)
	if err != nil {
		return err
	}
	delete(q.msgs, m.id)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d *entity.Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.leased(d)
	if err != nil {
		return err
	}
	m.leaseToken = ""
	m.leaseUntil = time.Time{}
	m.visibleAt = q.opts.now().Add(delay)
	q.signal()
	return nil
}

func (q *MemoryQueue) Extend(_ context.Context, d *entity.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.leased(d)
	if err != nil {
		return err
	}
	m.leaseUntil = q.opts.now().Add(q.opts.leaseTimeout)
	d.LeaseUntil = m.leaseUntil
	return nil
}

func (q *MemoryQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs), nil
}

func (q *MemoryQueue) Pending(_ context.Context, jobID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked(jobID), nil
}

func (q *MemoryQueue) pendingLocked(jobID uuid.UUID) bool {
	for _, m := range q.msgs {
		if m.msg.JobID == jobID {
			return true
		}
	}
	return false
}

func (q *MemoryQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal()
	q.logger.Info("memory queue closed", "pending", len(q.msgs))
}
