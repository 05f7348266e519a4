package async

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

var (
	// ErrLeaseLost is returned by Ack, Nack and Extend when the delivery's
	// lease expired and the message was handed to another consumer.
	ErrLeaseLost = errors.New("queue lease lost")
	// ErrClosed is returned once Shutdown has been called.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by Publish when a bounded queue is at capacity.
	ErrFull = errors.New("queue full")
)

// Queue is an at-least-once, pull-based task queue. A received message stays
// invisible to other consumers until its lease runs out, it is acked, or it
// is nacked. A job has at most one unacked message: publishing a job that
// is already pending is a no-op.
type Queue interface {
	Publish(ctx context.Context, msg entity.TaskMessage) error
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (*entity.Delivery, error)
	Ack(ctx context.Context, d *entity.Delivery) error
	// Nack returns the message to the queue, visible again after delay.
	Nack(ctx context.Context, d *entity.Delivery, delay time.Duration) error
	// Extend renews the lease of a delivery still being processed.
	Extend(ctx context.Context, d *entity.Delivery) error
	// Depth counts messages not yet acked.
	Depth(ctx context.Context) (int, error)
	// Pending reports whether the job has an unacked message, leased or not.
	Pending(ctx context.Context, jobID uuid.UUID) (bool, error)
	Shutdown(ctx context.Context)
}

// Publisher is the producing half of a Queue.
type Publisher interface {
	Publish(ctx context.Context, msg entity.TaskMessage) error
}

// PendingChecker reports whether a job already has a message in the queue.
type PendingChecker interface {
	Pending(ctx context.Context, jobID uuid.UUID) (bool, error)
}

type Option func(*options)

type options struct {
	leaseTimeout time.Duration
	pollInterval time.Duration
	capacity     int
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		leaseTimeout: 5 * time.Minute,
		pollInterval: 500 * time.Millisecond,
		now:          time.Now,
	}
}

// WithLeaseTimeout sets how long a received message stays invisible.
func WithLeaseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseTimeout = d
		}
	}
}

// WithPollInterval sets how often an idle Receive re-checks for messages.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithCapacity bounds the number of unacked messages. Only MemoryQueue honors it.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
