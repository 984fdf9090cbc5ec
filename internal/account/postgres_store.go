package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/llm-metering/internal/ledger"
)

const uniqueViolation = "23505"

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `tenant_id, plan, balance, soft_limit, hard_limit, status, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.TenantID, &a.Plan, &a.Balance, &a.SoftLimit, &a.HardLimit, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, tenantID string, defaults Defaults) (*Account, error) {
	d := defaults.normalized()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO tenant_accounts (tenant_id, plan, balance, soft_limit, hard_limit, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO NOTHING
		RETURNING ` + accountColumns

	acc, err := scanAccount(tx.QueryRow(ctx, insert, tenantID, d.Plan, d.Balance, d.SoftLimit, d.HardLimit, d.Status))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		acc, err = scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM tenant_accounts WHERE tenant_id = $1`, tenantID))
		if err != nil {
			return nil, fmt.Errorf("failed to read account: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to create account: %w", err)
	case d.Balance != 0:
		_, err = tx.Exec(ctx,
			`INSERT INTO ledger_entries (tenant_id, delta, reason, related_request_id) VALUES ($1, $2, $3, '')`,
			tenantID, d.Balance, ledger.ReasonAdjustment)
		if err != nil {
			return nil, fmt.Errorf("failed to record opening balance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit account: %w", err)
	}
	return acc, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM tenant_accounts WHERE tenant_id = $1`, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, tenantID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE tenant_accounts SET status = $2, updated_at = now() WHERE tenant_id = $1`,
		tenantID, status)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) SetLimits(ctx context.Context, tenantID string, softLimit, hardLimit int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tenant_accounts SET soft_limit = $2, hard_limit = $3, updated_at = now() WHERE tenant_id = $1`,
		tenantID, softLimit, hardLimit)
	if err != nil {
		return fmt.Errorf("failed to set limits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &postgresTx{tx: tx, locked: make(map[string]bool)}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx     pgx.Tx
	locked map[string]bool
}

func (t *postgresTx) LockedRead(ctx context.Context, tenantID string) (*Account, error) {
	acc, err := scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM tenant_accounts WHERE tenant_id = $1 FOR UPDATE`, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	t.locked[tenantID] = true
	return acc, nil
}

func (t *postgresTx) ApplyDelta(ctx context.Context, tenantID string, delta int64, reason ledger.Reason, relatedRequestID string) (int64, int64, error) {
	if !t.locked[tenantID] {
		return 0, 0, ErrNotLocked
	}

	var balance, hardLimit int64
	err := t.tx.QueryRow(ctx, `
		UPDATE tenant_accounts SET balance = balance + $2, updated_at = now()
		WHERE tenant_id = $1
		RETURNING balance, hard_limit
	`, tenantID, delta).Scan(&balance, &hardLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, fmt.Errorf("failed to update balance: %w", err)
	}
	if delta < 0 && balance < hardLimit {
		return 0, 0, &LimitViolationError{
			TenantID:   tenantID,
			Balance:    balance - delta,
			Delta:      delta,
			HardLimit:  hardLimit,
			NewBalance: balance,
		}
	}

	var entryID int64
	err = t.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (tenant_id, delta, reason, related_request_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, tenantID, delta, reason, relatedRequestID).Scan(&entryID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, 0, ErrDuplicateUsage
		}
		return 0, 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return balance, entryID, nil
}

func (t *postgresTx) FindUsage(ctx context.Context, tenantID, relatedRequestID string) (*ledger.Entry, error) {
	var e ledger.Entry
	err := t.tx.QueryRow(ctx, `
		SELECT id, tenant_id, delta, reason, related_request_id, created_at
		FROM ledger_entries
		WHERE tenant_id = $1 AND reason = $2 AND related_request_id = $3
	`, tenantID, ledger.ReasonUsage, relatedRequestID).Scan(
		&e.ID, &e.TenantID, &e.Delta, &e.Reason, &e.RelatedRequestID, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find usage entry: %w", err)
	}
	return &e, nil
}
