package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

// RetryingPublisher retries Publish with bounded exponential backoff and
// reports exhaustion as common.ErrQueueUnavailable.
type RetryingPublisher struct {
	next    Publisher
	logger  *slog.Logger
	retries int
	initial time.Duration
}

func NewRetryingPublisher(next Publisher, retries int, initial time.Duration, logger *slog.Logger) *RetryingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 0 {
		retries = 0
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	return &RetryingPublisher{next: next, logger: logger, retries: retries, initial: initial}
}

func (p *RetryingPublisher) Publish(ctx context.Context, msg entity.TaskMessage) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.initial
	eb.MaxInterval = 10 * p.initial
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.retries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := p.next.Publish(ctx, msg)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		p.logger.Warn("publish failed, retrying", "job_id", msg.JobID, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		p.logger.Error("publish gave up", "job_id", msg.JobID, "attempts", attempt, "error", err)
		return fmt.Errorf("%w: %v", common.ErrQueueUnavailable, err)
	}
	return nil
}
