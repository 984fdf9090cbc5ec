package ledger

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

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SumSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(delta), 0)
		FROM ledger_entries
		WHERE tenant_id = $1 AND created_at >= $2
	`
	var total int64
	if err := s.db.QueryRow(ctx, query, tenantID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID string, w Window) ([]Entry, error) {
	to := w.To
	if to.IsZero() {
		to = time.Now()
	}
	query := `
		SELECT id, tenant_id, delta, reason, related_request_id, created_at
		FROM ledger_entries
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.Query(ctx, query, tenantID, w.From, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Delta, &e.Reason, &e.RelatedRequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}
