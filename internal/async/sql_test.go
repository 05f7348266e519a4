package async

import (
	"testing"
	"time"

	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/repository/repotest"
)

func TestSQLQueue(t *testing.T) {
	queueContract(t, func(t *testing.T, clock *fakeClock) Queue {
		return NewSQLQueue(repotest.Open(t), common.DiscardLogger(),
			WithClock(clock.Now),
			WithLeaseTimeout(time.Minute),
			WithPollInterval(5*time.Millisecond))
	})
}
