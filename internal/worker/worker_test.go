package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-metering/internal/account"
	"github.com/vnmchuo/llm-metering/internal/billing"
	"github.com/vnmchuo/llm-metering/pkg/logger"
)

func newBilling(t *testing.T, balance int64) (*billing.Service, *account.MemoryStore) {
	t.Helper()
	store := account.NewMemoryStore()
	d := account.DefaultSettings()
	d.Balance = balance
	_, err := store.GetOrCreate(context.Background(), "t1", d)
	require.NoError(t, err)
	return billing.NewService(store, store, nil, account.DefaultSettings(), logger.Nop()), store
}

func enqueue(t *testing.T, q Queue, traceID string, amount int64) int64 {
	t.Helper()
	job := &SettlementJob{TenantID: "t1", TraceID: traceID, Amount: amount, Cause: "insufficient balance"}
	require.NoError(t, q.Enqueue(context.Background(), job))
	return job.ID
}

func TestMemoryQueue_EnqueueIsIdempotent(t *testing.T) {
	q := NewMemoryQueue()
	a := enqueue(t, q, "trace-1", 100)
	b := enqueue(t, q, "trace-1", 100)
	assert.Equal(t, a, b)

	jobs, err := q.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestMemoryQueue_Find(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	job, err := q.Find(ctx, "t1", "trace-1")
	require.NoError(t, err)
	assert.Nil(t, job)

	id := enqueue(t, q, "trace-1", 100)
	require.NoError(t, q.MarkResolved(ctx, id))

	job, err = q.Find(ctx, "t1", "trace-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, JobStatusResolved, job.Status)

	job, err = q.Find(ctx, "t2", "trace-1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRunOnce_ReplaysAfterTopUp(t *testing.T) {
	svc, _ := newBilling(t, 50)
	q := NewMemoryQueue()
	id := enqueue(t, q, "trace-1", 100)
	r := NewReconciler(q, svc, logger.Nop())
	ctx := context.Background()

	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Retrying: 1}, stats)
	job, _ := q.Get(id)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "insufficient balance")

	_, err = svc.TopUp(ctx, "t1", 100, "manual")
	require.NoError(t, err)

	stats, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Resolved: 1}, stats)
	job, _ = q.Get(id)
	assert.Equal(t, JobStatusResolved, job.Status)

	acc, err := svc.GetBalance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.Balance)

	stats, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestRunOnce_AlreadySettledIsResolvedWithoutCharge(t *testing.T) {
	svc, _ := newBilling(t, 500)
	ctx := context.Background()
	_, err := svc.Settle(ctx, "t1", "trace-1", 100)
	require.NoError(t, err)

	q := NewMemoryQueue()
	id := enqueue(t, q, "trace-1", 100)
	stats, err := NewReconciler(q, svc, logger.Nop()).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Resolved)

	job, _ := q.Get(id)
	assert.Equal(t, JobStatusResolved, job.Status)
	acc, _ := svc.GetBalance(ctx, "t1")
	assert.Equal(t, int64(400), acc.Balance)
}

func TestRunOnce_AbandonsAfterMaxAttempts(t *testing.T) {
	svc, _ := newBilling(t, 0)
	q := NewMemoryQueue()
	id := enqueue(t, q, "trace-1", 100)
	r := NewReconciler(q, svc, logger.Nop(), WithMaxAttempts(2))
	ctx := context.Background()

	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retrying)

	stats, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Abandoned)

	job, _ := q.Get(id)
	assert.Equal(t, JobStatusAbandoned, job.Status)
	assert.Equal(t, 2, job.Attempts)

	pending, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type failingQueue struct{ MemoryQueue }

func (*failingQueue) Pending(context.Context, int) ([]*SettlementJob, error) {
	return nil, errors.New("db down")
}

func TestRunOnce_QueueError(t *testing.T) {
	svc, _ := newBilling(t, 0)
	_, err := NewReconciler(&failingQueue{}, svc, logger.Nop()).RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	svc, _ := newBilling(t, 500)
	q := NewMemoryQueue()
	id := enqueue(t, q, "trace-1", 100)
	r := NewReconciler(q, svc, logger.Nop(), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		job, _ := q.Get(id)
		return job.Status == JobStatusResolved
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
