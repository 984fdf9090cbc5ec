package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresUsageStore struct {
	db DB
}

func NewPostgresUsageStore(db DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

func (s *PostgresUsageStore) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO usage_records (tenant_id, trace_id, provider, model, input_tokens, output_tokens, units, latency_ms, degraded)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.TenantID, rec.TraceID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.Units, rec.LatencyMs, rec.Degraded,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) ListUsage(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageRecord, error) {
	if to.IsZero() {
		to = time.Now()
	}
	query := `
		SELECT id, tenant_id, trace_id, provider, model, input_tokens, output_tokens, units, latency_ms, degraded, created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var recs []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.TraceID, &r.Provider, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.Units, &r.LatencyMs, &r.Degraded, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return recs, nil
}

func (s *PostgresUsageStore) TotalUnits(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	if to.IsZero() {
		to = time.Now()
	}
	query := `
		SELECT COALESCE(SUM(units), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total int64
	if err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum usage units: %w", err)
	}
	return total, nil
}
