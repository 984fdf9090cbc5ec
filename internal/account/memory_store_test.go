package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-metering/internal/ledger"
)

func newTestAccount(t *testing.T, s *MemoryStore, tenantID string, balance, hardLimit int64) {
	t.Helper()
	d := DefaultSettings()
	d.Balance = balance
	d.HardLimit = hardLimit
	_, err := s.GetOrCreate(context.Background(), tenantID, d)
	require.NoError(t, err)
}

func sumLedger(t *testing.T, s *MemoryStore, tenantID string) int64 {
	t.Helper()
	total, err := s.SumSince(context.Background(), tenantID, time.Time{})
	require.NoError(t, err)
	return total
}

func TestGetOrCreate_DoesNotOverwrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "t1", Defaults{Plan: "pro", Balance: 50, SoftLimit: 10})
	require.NoError(t, err)
	assert.Equal(t, "pro", first.Plan)
	assert.Equal(t, int64(50), first.Balance)
	assert.Equal(t, StatusActive, first.Status)

	second, err := s.GetOrCreate(ctx, "t1", Defaults{Plan: "free", Balance: 999})
	require.NoError(t, err)
	assert.Equal(t, "pro", second.Plan)
	assert.Equal(t, int64(50), second.Balance)
}

func TestGetOrCreate_OpeningBalanceIsInLedger(t *testing.T) {
	s := NewMemoryStore()
	newTestAccount(t, s, "t1", 250, 0)

	entries, err := s.List(context.Background(), "t1", ledger.Window{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ReasonAdjustment, entries[0].Reason)
	assert.Equal(t, int64(250), entries[0].Delta)

	newTestAccount(t, s, "t2", 0, 0)
	entries, err = s.List(context.Background(), "t2", ledger.Window{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGet_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestApplyDelta_CommitsBalanceAndEntry(t *testing.T) {
	s := NewMemoryStore()
	newTestAccount(t, s, "t1", 100, 0)
	ctx := context.Background()

	var newBalance, entryID int64
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockedRead(ctx, "t1"); err != nil {
			return err
		}
		var err error
		newBalance, entryID, err = tx.ApplyDelta(ctx, "t1", -30, ledger.ReasonUsage, "req-1")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(70), newBalance)
	assert.NotZero(t, entryID)

	acc, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), acc.Balance)
	assert.Equal(t, acc.Balance, sumLedger(t, s, "t1"))
}

func TestApplyDelta_RequiresLock(t *testing.T) {
	s := NewMemoryStore()
	newTestAccount(t, s, "t1", 100, 0)

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, _, err := tx.ApplyDelta(ctx, "t1", 10, ledger.ReasonTopUp, "")
		return err
	})
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestApplyDelta_HardLimit(t *testing.T) {
	s := NewMemoryStore()
	newTestAccount(t, s, "t1", 50, 0)

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockedRead(ctx, "t1"); err != nil {
			return err
		}
		_, _, err := tx.ApplyDelta(ctx, "t1", -51, ledger.ReasonUsage, "req-1")
		return err
	})
	require.ErrorIs(t, err, ErrLimitViolation)

	var lv *LimitViolationError
	require.True(t, errors.As(err, &lv))
	assert.Equal(t, int64(-1), lv.NewBalance)

	acc, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.Balance)
	assert.Equal(t, int64(50), sumLedger(t, s, "t1"))
}

func TestApplyDelta_CreditIgnoresHardLimit(t *testing.T) {
	s := NewMemoryStore()
	newTestAccount(t, s, "t1", 0, 100)

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockedRead(ctx, "t1"); err != nil {
			return err
		}
		_, _, err := tx.ApplyDelta(ctx, "t1", 10, ledger.ReasonTopUp, "")
		return err
	})
	require.NoError(t, err)
}

func TestInTx_RollbackDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	newTestAccount(t, s, "t1", 100, 0)
	boom := errors.New("boom")

	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockedRead(ctx, "t1"); err != nil {
			return err
		}
		if _, _, err := tx.ApplyDelta(ctx, "t1", -40, ledger.ReasonUsage, "req-1"); err != nil {
			return err
		}
		acc, err := tx.LockedRead(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(60), acc.Balance)
		return boom
	})
	require.ErrorIs(t, err, boom)

	acc, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)

	entries, err := s.List(context.Background(), "t1", ledger.Window{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestApplyDelta_DuplicateUsage(t *testing.T) {
	s := NewMemoryStore()
	newTestAccount(t, s, "t1", 100, 0)
	ctx := context.Background()

	settle := func() error {
		return s.InTx(ctx, func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockedRead(ctx, "t1"); err != nil {
				return err
			}
			_, _, err := tx.ApplyDelta(ctx, "t1", -10, ledger.ReasonUsage, "req-1")
			return err
		})
	}
	require.NoError(t, settle())
	assert.ErrorIs(t, settle(), ErrDuplicateUsage)

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		e, err := tx.FindUsage(ctx, "t1", "req-1")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, int64(-10), e.Delta)

		none, err := tx.FindUsage(ctx, "t1", "req-2")
		require.NoError(t, err)
		assert.Nil(t, none)
		return nil
	})
	require.NoError(t, err)

	acc, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), acc.Balance)
}

func TestInTx_SerializesConcurrentDebits(t *testing.T) {
	s := NewMemoryStore()
	newTestAccount(t, s, "t1", 100, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, rejected int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				if _, err := tx.LockedRead(ctx, "t1"); err != nil {
					return err
				}
				_, _, err := tx.ApplyDelta(ctx, "t1", -10, ledger.ReasonAdjustment, "")
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrLimitViolation) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, rejected)
	acc, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acc.Balance)
	assert.Equal(t, int64(0), sumLedger(t, s, "t1"))
}

func TestLockedRead_HonoursContext(t *testing.T) {
	s := NewMemoryStore()
	newTestAccount(t, s, "t1", 100, 0)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockedRead(ctx, "t1"); err != nil {
				return err
			}
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockedRead(ctx, "t1")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetStatusAndLimits(t *testing.T) {
	s := NewMemoryStore()
	newTestAccount(t, s, "t1", 0, 0)
	ctx := context.Background()

	require.NoError(t, s.SetStatus(ctx, "t1", StatusSuspended))
	require.NoError(t, s.SetLimits(ctx, "t1", 500, -100))
	assert.ErrorIs(t, s.SetStatus(ctx, "t1", Status("closed")), ErrInvalidStatus)
	assert.ErrorIs(t, s.SetLimits(ctx, "missing", 1, 0), ErrAccountNotFound)

	acc, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, acc.Status)
	assert.Equal(t, int64(500), acc.SoftLimit)
	assert.Equal(t, int64(-100), acc.HardLimit)
}

func TestList_Window(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	newTestAccount(t, s, "t1", 10, 0)

	clock = clock.Add(time.Hour)
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockedRead(ctx, "t1"); err != nil {
			return err
		}
		_, _, err := tx.ApplyDelta(ctx, "t1", 5, ledger.ReasonTopUp, "")
		return err
	})
	require.NoError(t, err)

	entries, err := s.List(context.Background(), "t1", ledger.Window{From: clock})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].Delta)

	total, err := s.SumSince(context.Background(), "t1", clock)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}
