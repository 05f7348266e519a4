package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/entity"
)

type flakyPublisher struct {
	failures int
	calls    int
}

func (f *flakyPublisher) Publish(context.Context, entity.TaskMessage) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection refused")
	}
	return nil
}

func TestRetryingPublisherRecovers(t *testing.T) {
	next := &flakyPublisher{failures: 2}
	p := NewRetryingPublisher(next, 3, time.Millisecond, common.DiscardLogger())
	assert.NoError(t, p.Publish(context.Background(), task(0)))
	assert.Equal(t, 3, next.calls)
}

func TestRetryingPublisherExhausted(t *testing.T) {
	next := &flakyPublisher{failures: 100}
	p := NewRetryingPublisher(next, 2, time.Millisecond, common.DiscardLogger())
	err := p.Publish(context.Background(), task(0))
	assert.ErrorIs(t, err, common.ErrQueueUnavailable)
	assert.Equal(t, 3, next.calls)
}

func TestRetryingPublisherClosedIsNotRetried(t *testing.T) {
	q := NewMemoryQueue(common.DiscardLogger())
	q.Shutdown(context.Background())
	p := NewRetryingPublisher(q, 5, time.Millisecond, common.DiscardLogger())
	assert.ErrorIs(t, p.Publish(context.Background(), task(0)), common.ErrQueueUnavailable)
}
