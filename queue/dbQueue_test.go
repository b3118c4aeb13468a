package queue

import (
	"database/sql"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/debts_backend/config"
)

func TestDBQueueClaimsNoMoreThanFreeWorkers(t *testing.T) {
	cases := []struct {
		batch, concurrency, want int
	}{
		{50, 10, 10},
		{5, 10, 5},
		{0, 0, 1},
		{0, 80, 50},
	}
	for _, c := range cases {
		q := NewDBQueue(nil, quietLogger(), config.PipelineConfig{QueueBatchSize: c.batch, QueueConcurrency: c.concurrency})
		if got := q.claimLimit(); got != c.want {
			t.Fatalf("claimLimit(batch=%d, concurrency=%d) = %d, want %d", c.batch, c.concurrency, got, c.want)
		}
	}
}

func TestDBQueueLockOutlivesJobTimeout(t *testing.T) {
	q := NewDBQueue(nil, quietLogger(), config.PipelineConfig{QueueLockTimeout: 30 * time.Second, JobTimeout: time.Minute})
	if q.lockTimeout() <= q.jobTimeout {
		t.Fatalf("lock timeout %s must exceed job timeout %s", q.lockTimeout(), q.jobTimeout)
	}
}

func TestDBQueueDispatchWithoutDatabaseIsNoop(t *testing.T) {
	q := NewDBQueue(nil, quietLogger(), config.PipelineConfig{})
	if n := q.dispatchOnce(t.Context()); n != 0 {
		t.Fatalf("dispatchOnce = %d, want 0", n)
	}
}

func TestDBQueueClaimRunsReadCommitted(t *testing.T) {
	if claimTxOptions == nil || claimTxOptions.Isolation != sql.LevelReadCommitted {
		t.Fatalf("claim isolation = %+v", claimTxOptions)
	}
}
