package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-metering/internal/account"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/notify"
	"github.com/vnmchuo/llm-metering/pkg/logger"
)

type capture struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capture) Notify(_ context.Context, e notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capture) all() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Event(nil), c.events...)
}

func newTestService(t *testing.T, balance, softLimit, hardLimit int64) (*Service, *account.MemoryStore, *capture) {
	t.Helper()
	store := account.NewMemoryStore()
	d := account.DefaultSettings()
	d.Balance = balance
	d.SoftLimit = softLimit
	d.HardLimit = hardLimit
	_, err := store.GetOrCreate(context.Background(), "t1", d)
	require.NoError(t, err)

	c := &capture{}
	return NewService(store, store, c, account.DefaultSettings(), logger.Nop()), store, c
}

func assertConsistent(t *testing.T, s *Service, tenantID string) {
	t.Helper()
	c, err := s.CheckConsistency(context.Background(), tenantID)
	require.NoError(t, err)
	assert.True(t, c.Consistent, "balance %d != ledger sum %d", c.Balance, c.LedgerSum)
}

func TestAuthorize_DoesNotChangeBalance(t *testing.T) {
	s, _, _ := newTestService(t, 1000, 100, 0)
	ctx := context.Background()

	auth, err := s.Authorize(ctx, "t1", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(700), auth.ProjectedBalance)
	assert.False(t, auth.LowBalance)

	acc, err := s.GetBalance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acc.Balance)

	entries, err := s.ListLedger(ctx, "t1", ledger.Window{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuthorize_Rejections(t *testing.T) {
	s, store, _ := newTestService(t, 50, 100, 0)
	ctx := context.Background()

	_, err := s.Authorize(ctx, "t1", 51)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	var ib *InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.Equal(t, StageAuthorize, ib.Stage)

	require.NoError(t, store.SetStatus(ctx, "t1", account.StatusSuspended))
	_, err = s.Authorize(ctx, "t1", 1)
	assert.ErrorIs(t, err, ErrAccountSuspended)
}

func TestAuthorize_NewTenantGetsDefaults(t *testing.T) {
	s, _, _ := newTestService(t, 0, 0, 0)

	_, err := s.Authorize(context.Background(), "fresh", 1)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	acc, err := s.GetBalance(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, account.StatusActive, acc.Status)
	assert.Equal(t, int64(0), acc.Balance)
}

func TestAuthorize_LowBalanceNotifies(t *testing.T) {
	s, _, c := newTestService(t, 150, 100, 0)

	auth, err := s.Authorize(context.Background(), "t1", 60)
	require.NoError(t, err)
	assert.True(t, auth.LowBalance)

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.KindLowBalance, events[0].Kind)
	assert.Equal(t, StageAuthorize, events[0].Stage)
	assert.Equal(t, int64(90), events[0].Balance)
}

func TestSettle_Idempotent(t *testing.T) {
	s, _, _ := newTestService(t, 1000, 0, 0)
	ctx := context.Background()

	first, err := s.Settle(ctx, "t1", "trace-1", 120)
	require.NoError(t, err)
	assert.False(t, first.AlreadySettled)
	assert.Equal(t, int64(880), first.Balance)

	again, err := s.Settle(ctx, "t1", "trace-1", 120)
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	assert.Equal(t, first.EntryID, again.EntryID)
	assert.Equal(t, int64(880), again.Balance)
	assertConsistent(t, s, "t1")
}

func TestLookupSettlement(t *testing.T) {
	s, _, _ := newTestService(t, 1000, 0, 0)
	ctx := context.Background()

	none, err := s.LookupSettlement(ctx, "t1", "trace-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	none, err = s.LookupSettlement(ctx, "t1", "")
	require.NoError(t, err)
	assert.Nil(t, none)

	settled, err := s.Settle(ctx, "t1", "trace-1", 75)
	require.NoError(t, err)

	found, err := s.LookupSettlement(ctx, "t1", "trace-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.AlreadySettled)
	assert.Equal(t, int64(75), found.Amount)
	assert.Equal(t, settled.EntryID, found.EntryID)

	other, err := s.LookupSettlement(ctx, "t2", "trace-1")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSettle_ConcurrentRetriesChargeOnce(t *testing.T) {
	s, _, _ := newTestService(t, 1000, 0, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Settle(ctx, "t1", "trace-1", 100)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := s.ListLedger(ctx, "t1", ledger.Window{})
	require.NoError(t, err)
	var usage int
	for _, e := range entries {
		if e.Reason == ledger.ReasonUsage && e.RelatedRequestID == "trace-1" {
			usage++
		}
	}
	assert.Equal(t, 1, usage)

	acc, err := s.GetBalance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), acc.Balance)
}

func TestSettle_HardLimitRollsBack(t *testing.T) {
	s, _, c := newTestService(t, 100, 0, 0)
	ctx := context.Background()

	_, err := s.Settle(ctx, "t1", "trace-1", 101)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.ErrorIs(t, err, account.ErrLimitViolation)
	var ib *InsufficientBalanceError
	require.True(t, errors.As(err, &ib))
	assert.Equal(t, StageSettle, ib.Stage)

	acc, err := s.GetBalance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
	assert.Empty(t, c.all())
	assertConsistent(t, s, "t1")
}

func TestSettle_NegativeHardLimitAllowsOverdraft(t *testing.T) {
	s, _, _ := newTestService(t, 10, 0, -50)

	res, err := s.Settle(context.Background(), "t1", "trace-1", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(-50), res.Balance)
	assertConsistent(t, s, "t1")
}

func TestSettle_SkipsNonPositive(t *testing.T) {
	s, _, _ := newTestService(t, 10, 0, 0)

	res, err := s.Settle(context.Background(), "t1", "trace-1", 0)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	entries, err := s.ListLedger(context.Background(), "t1", ledger.Window{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSettle_LowBalanceAfterSettlement(t *testing.T) {
	s, _, c := newTestService(t, 200, 100, 0)

	_, err := s.Settle(context.Background(), "t1", "trace-1", 150)
	require.NoError(t, err)

	events := c.all()
	require.Len(t, events, 1)
	assert.Equal(t, StageSettle, events[0].Stage)
	assert.Equal(t, int64(50), events[0].Balance)
}

func TestTopUp(t *testing.T) {
	s, _, _ := newTestService(t, 40, 0, 0)
	ctx := context.Background()

	res, err := s.TopUp(ctx, "t1", 500, "manual")
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Added)
	assert.Equal(t, int64(540), res.Balance)

	acc, err := s.GetBalance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(540), acc.Balance)

	entries, err := s.ListLedger(ctx, "t1", ledger.Window{})
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, ledger.Reason("manual"), last.Reason)
	assert.Equal(t, int64(500), last.Delta)
	assert.Empty(t, last.RelatedRequestID)
	assertConsistent(t, s, "t1")
}

func TestTopUp_ZeroIsNoop(t *testing.T) {
	s, _, _ := newTestService(t, 40, 0, 0)
	ctx := context.Background()

	res, err := s.TopUp(ctx, "t1", 0, "manual")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Added)
	assert.Equal(t, int64(40), res.Balance)

	entries, err := s.ListLedger(ctx, "t1", ledger.Window{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTopUp_DefaultAndReservedReason(t *testing.T) {
	s, _, _ := newTestService(t, 0, 0, 0)
	ctx := context.Background()

	_, err := s.TopUp(ctx, "t1", 10, "usage")
	assert.ErrorIs(t, err, ErrReservedReason)

	_, err = s.TopUp(ctx, "t1", 10, "")
	require.NoError(t, err)
	entries, err := s.ListLedger(ctx, "t1", ledger.Window{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ReasonTopUp, entries[0].Reason)
}

func TestAdjust(t *testing.T) {
	s, _, _ := newTestService(t, 100, 0, 0)
	ctx := context.Background()

	res, err := s.Adjust(ctx, "t1", -30, "refund reversal")
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Balance)

	_, err = s.Adjust(ctx, "t1", -71, "too much")
	assert.ErrorIs(t, err, account.ErrLimitViolation)
	assertConsistent(t, s, "t1")
}

func TestSetStatusAndLimits(t *testing.T) {
	s, _, _ := newTestService(t, 100, 0, 0)
	ctx := context.Background()

	require.NoError(t, s.SetLimits(ctx, "t1", 20, 90))
	_, err := s.Authorize(ctx, "t1", 11)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, s.SetStatus(ctx, "other", account.StatusSuspended))
	_, err = s.Authorize(ctx, "other", 0)
	assert.ErrorIs(t, err, ErrAccountSuspended)
}

func TestMemoryUsageStore(t *testing.T) {
	store := NewMemoryUsageStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordUsage(ctx, &UsageRecord{TenantID: "t1", TraceID: "a", Units: 10, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, store.RecordUsage(ctx, &UsageRecord{TenantID: "t1", TraceID: "b", Units: 5, CreatedAt: now}))
	require.NoError(t, store.RecordUsage(ctx, &UsageRecord{TenantID: "t2", TraceID: "c", Units: 7, CreatedAt: now}))

	recs, err := store.ListUsage(ctx, "t1", now.Add(-2*time.Hour), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].TraceID)
	assert.NotEmpty(t, recs[0].ID)

	total, err := store.TotalUnits(ctx, "t1", now.Add(-30*time.Minute), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}
