package account

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-metering/internal/ledger"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	return pool
}

func TestPostgresStore_SettleOnce(t *testing.T) {
	pool := newTestPool(t)
	s := NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := "it-" + uuid.NewString()

	d := DefaultSettings()
	d.Balance = 100
	_, err := s.GetOrCreate(ctx, tenantID, d)
	require.NoError(t, err)

	settle := func() error {
		return s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockedRead(ctx, tenantID); err != nil {
				return err
			}
			_, _, err := tx.ApplyDelta(ctx, tenantID, -40, ledger.ReasonUsage, "req-1")
			return err
		})
	}
	require.NoError(t, settle())
	assert.ErrorIs(t, settle(), ErrDuplicateUsage)

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockedRead(ctx, tenantID); err != nil {
			return err
		}
		_, _, err := tx.ApplyDelta(ctx, tenantID, -61, ledger.ReasonAdjustment, "")
		return err
	})
	assert.ErrorIs(t, err, ErrLimitViolation)

	acc, err := s.Get(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), acc.Balance)

	sum, err := ledger.NewPostgresStore(pool).SumSince(ctx, tenantID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, acc.Balance, sum)
}
