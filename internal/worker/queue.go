package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[int64]*SettlementJob
	byKey  map[[2]string]int64
	nextID int64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:  make(map[int64]*SettlementJob),
		byKey: make(map[[2]string]int64),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *SettlementJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := [2]string{job.TenantID, job.TraceID}
	if id, ok := q.byKey[k]; ok {
		job.ID = id
		return nil
	}
	q.nextID++
	now := time.Now().UTC()
	cp := *job
	cp.ID = q.nextID
	cp.Status = JobStatusPending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	q.jobs[cp.ID] = &cp
	q.byKey[k] = cp.ID
	job.ID = cp.ID
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context, limit int) ([]*SettlementJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*SettlementJob
	for _, j := range q.jobs {
		if j.Status == JobStatusPending {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Find returns the job recorded for traceID, or nil.
func (q *MemoryQueue) Find(_ context.Context, tenantID, traceID string) (*SettlementJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byKey[[2]string{tenantID, traceID}]
	if !ok {
		return nil, nil
	}
	cp := *q.jobs[id]
	return &cp, nil
}

// Get returns a copy of the job.
func (q *MemoryQueue) Get(id int64) (*SettlementJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

func (q *MemoryQueue) MarkResolved(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = JobStatusResolved
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, id int64, cause string, abandon bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Attempts++
	j.LastError = cause
	if abandon {
		j.Status = JobStatusAbandoned
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresQueue struct {
	db DB
}

func NewPostgresQueue(db DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job *SettlementJob) error {
	query := `
		INSERT INTO settlement_failures (tenant_id, trace_id, amount, cause)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, trace_id) DO UPDATE SET updated_at = now()
		RETURNING id, status, created_at, updated_at
	`
	err := q.db.QueryRow(ctx, query, job.TenantID, job.TraceID, job.Amount, job.Cause).
		Scan(&job.ID, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue settlement job: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Pending(ctx context.Context, limit int) ([]*SettlementJob, error) {
	query := `
		SELECT id, tenant_id, trace_id, amount, cause, status, attempts, last_error, created_at, updated_at
		FROM settlement_failures
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`
	rows, err := q.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending settlement jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*SettlementJob
	for rows.Next() {
		var j SettlementJob
		if err := rows.Scan(&j.ID, &j.TenantID, &j.TraceID, &j.Amount, &j.Cause, &j.Status,
			&j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (q *PostgresQueue) Find(ctx context.Context, tenantID, traceID string) (*SettlementJob, error) {
	query := `
		SELECT id, tenant_id, trace_id, amount, cause, status, attempts, last_error, created_at, updated_at
		FROM settlement_failures
		WHERE tenant_id = $1 AND trace_id = $2
	`
	var j SettlementJob
	err := q.db.QueryRow(ctx, query, tenantID, traceID).Scan(&j.ID, &j.TenantID, &j.TraceID, &j.Amount,
		&j.Cause, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find settlement job: %w", err)
	}
	return &j, nil
}

func (q *PostgresQueue) MarkResolved(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE settlement_failures SET status = 'resolved', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve settlement job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, id int64, cause string, abandon bool) error {
	query := `
		UPDATE settlement_failures
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN $3 THEN 'abandoned' ELSE status END,
		    updated_at = now()
		WHERE id = $1
	`
	tag, err := q.db.Exec(ctx, query, id, cause, abandon)
	if err != nil {
		return fmt.Errorf("failed to record settlement attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}
