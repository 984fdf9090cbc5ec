// Package worker keeps settlements that failed after the provider call was
// made and replays them until they are written to the ledger.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/vnmchuo/llm-metering/internal/billing"
	"github.com/vnmchuo/llm-metering/pkg/logger"
	"github.com/vnmchuo/llm-metering/pkg/metrics"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusResolved  JobStatus = "resolved"
	JobStatusAbandoned JobStatus = "abandoned"
)

var ErrJobNotFound = errors.New("settlement job not found")

// SettlementJob is one unsettled charge. (TenantID, TraceID) is unique.
type SettlementJob struct {
	ID        int64     `json:"id"`
	TenantID  string    `json:"tenant_id"`
	TraceID   string    `json:"trace_id"`
	Amount    int64     `json:"amount"`
	Cause     string    `json:"cause"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Queue interface {
	// Enqueue is a no-op when the (tenant, trace) pair is already queued.
	Enqueue(ctx context.Context, job *SettlementJob) error
	Pending(ctx context.Context, limit int) ([]*SettlementJob, error)
	MarkResolved(ctx context.Context, id int64) error
	// MarkFailed records a failed attempt; abandon moves the job out of
	// the pending set for good.
	MarkFailed(ctx context.Context, id int64, cause string, abandon bool) error
}

type Settler interface {
	Settle(ctx context.Context, tenantID, traceID string, amount int64) (*billing.Settlement, error)
}

type Stats struct {
	Resolved  int
	Retrying  int
	Abandoned int
}

type Reconciler struct {
	queue       Queue
	settler     Settler
	interval    time.Duration
	maxAttempts int
	batch       int
	log         *logger.Logger
}

type Option func(*Reconciler)

func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batch = n
		}
	}
}

func NewReconciler(queue Queue, settler Settler, log *logger.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		queue:       queue,
		settler:     settler,
		interval:    time.Minute,
		maxAttempts: 10,
		batch:       100,
		log:         log.With("component", "reconciler"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run replays pending jobs every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Infow("reconciler started", "interval", r.interval.String(), "max_attempts", r.maxAttempts)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Errorw("reconcile pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.log.Infow("reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce replays one batch of pending jobs through the idempotent
// settlement path.
func (r *Reconciler) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	jobs, err := r.queue.Pending(ctx, r.batch)
	if err != nil {
		return stats, err
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		res, err := r.settler.Settle(ctx, job.TenantID, job.TraceID, job.Amount)
		if err == nil {
			if err := r.queue.MarkResolved(ctx, job.ID); err != nil {
				return stats, err
			}
			stats.Resolved++
			metrics.ReconcileTotal.WithLabelValues("resolved").Inc()
			r.log.Infow("settlement reconciled",
				"tenant_id", job.TenantID, "trace_id", job.TraceID, "amount", job.Amount,
				"already_settled", res.AlreadySettled, "balance", res.Balance)
			continue
		}

		abandon := job.Attempts+1 >= r.maxAttempts
		if err := r.queue.MarkFailed(ctx, job.ID, err.Error(), abandon); err != nil {
			return stats, err
		}
		if abandon {
			stats.Abandoned++
			metrics.ReconcileTotal.WithLabelValues("abandoned").Inc()
			r.log.Errorw("settlement abandoned",
				"tenant_id", job.TenantID, "trace_id", job.TraceID, "amount", job.Amount,
				"attempts", job.Attempts+1, "error", err)
			continue
		}
		stats.Retrying++
		metrics.ReconcileTotal.WithLabelValues("retry").Inc()
		r.log.Warnw("settlement replay failed",
			"tenant_id", job.TenantID, "trace_id", job.TraceID, "attempts", job.Attempts+1, "error", err)
	}
	return stats, nil
}
