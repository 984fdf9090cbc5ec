package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vnmchuo/llm-metering/internal/ledger"
)

// MemoryStore keeps accounts and the ledger in process. Row locks are
// per-tenant semaphores held until the transaction ends, and writes made
// inside InTx are buffered and only become visible on commit. It also
// serves as the ledger.Reader for the same data.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	locks    map[string]chan struct{}
	entries  []ledger.Entry
	nextID   int64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		locks:    make(map[string]chan struct{}),
		now:      time.Now,
	}
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, tenantID string, defaults Defaults) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[tenantID]; ok {
		cp := *acc
		return &cp, nil
	}

	d := defaults.normalized()
	now := s.now()
	acc := &Account{
		TenantID:  tenantID,
		Plan:      d.Plan,
		Balance:   d.Balance,
		SoftLimit: d.SoftLimit,
		HardLimit: d.HardLimit,
		Status:    d.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[tenantID] = acc
	if d.Balance != 0 {
		s.nextID++
		s.entries = append(s.entries, ledger.Entry{
			ID:        s.nextID,
			TenantID:  tenantID,
			Delta:     d.Balance,
			Reason:    ledger.ReasonAdjustment,
			CreatedAt: now,
		})
	}
	cp := *acc
	return &cp, nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID string) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[tenantID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, tenantID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.update(ctx, tenantID, func(acc *Account) {
		acc.Status = status
	})
}

func (s *MemoryStore) SetLimits(ctx context.Context, tenantID string, softLimit, hardLimit int64) error {
	return s.update(ctx, tenantID, func(acc *Account) {
		acc.SoftLimit = softLimit
		acc.HardLimit = hardLimit
	})
}

// update waits for the row lock like an UPDATE would.
func (s *MemoryStore) update(ctx context.Context, tenantID string, fn func(*Account)) error {
	if err := s.lock(ctx, tenantID); err != nil {
		return err
	}
	defer s.unlock(tenantID)

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[tenantID]
	if !ok {
		return ErrAccountNotFound
	}
	fn(acc)
	acc.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{
		store:    s,
		locked:   make(map[string]bool),
		balances: make(map[string]int64),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) lockChan(tenantID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[tenantID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[tenantID] = ch
	}
	return ch
}

func (s *MemoryStore) lock(ctx context.Context, tenantID string) error {
	select {
	case s.lockChan(tenantID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for account lock: %w", ctx.Err())
	}
}

func (s *MemoryStore) unlock(tenantID string) {
	<-s.lockChan(tenantID)
}

func (s *MemoryStore) SumSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, e := range s.entries {
		if e.TenantID == tenantID && !e.CreatedAt.Before(since) {
			total += e.Delta
		}
	}
	return total, nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID string, w ledger.Window) ([]ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ledger.Entry
	for _, e := range s.entries {
		if e.TenantID == tenantID && w.Contains(e.CreatedAt) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type memoryTx struct {
	store    *MemoryStore
	locked   map[string]bool
	balances map[string]int64
	pending  []ledger.Entry
}

func (tx *memoryTx) LockedRead(ctx context.Context, tenantID string) (*Account, error) {
	if !tx.locked[tenantID] {
		if err := tx.store.lock(ctx, tenantID); err != nil {
			return nil, err
		}
		tx.locked[tenantID] = true
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	acc, ok := tx.store.accounts[tenantID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	if bal, ok := tx.balances[tenantID]; ok {
		cp.Balance = bal
	}
	return &cp, nil
}

func (tx *memoryTx) ApplyDelta(ctx context.Context, tenantID string, delta int64, reason ledger.Reason, relatedRequestID string) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if !tx.locked[tenantID] {
		return 0, 0, ErrNotLocked
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	acc, ok := tx.store.accounts[tenantID]
	if !ok {
		return 0, 0, ErrAccountNotFound
	}
	balance := acc.Balance
	if bal, ok := tx.balances[tenantID]; ok {
		balance = bal
	}

	next := balance + delta
	if delta < 0 && next < acc.HardLimit {
		return 0, 0, &LimitViolationError{
			TenantID:   tenantID,
			Balance:    balance,
			Delta:      delta,
			HardLimit:  acc.HardLimit,
			NewBalance: next,
		}
	}
	if reason == ledger.ReasonUsage && relatedRequestID != "" {
		if tx.findUsageLocked(tenantID, relatedRequestID) != nil {
			return 0, 0, ErrDuplicateUsage
		}
	}

	tx.store.nextID++
	tx.balances[tenantID] = next
	tx.pending = append(tx.pending, ledger.Entry{
		ID:               tx.store.nextID,
		TenantID:         tenantID,
		Delta:            delta,
		Reason:           reason,
		RelatedRequestID: relatedRequestID,
		CreatedAt:        tx.store.now(),
	})
	return next, tx.store.nextID, nil
}

func (tx *memoryTx) FindUsage(ctx context.Context, tenantID, relatedRequestID string) (*ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	return tx.findUsageLocked(tenantID, relatedRequestID), nil
}

// findUsageLocked expects tx.store.mu to be held.
func (tx *memoryTx) findUsageLocked(tenantID, relatedRequestID string) *ledger.Entry {
	match := func(e ledger.Entry) bool {
		return e.TenantID == tenantID && e.Reason == ledger.ReasonUsage && e.RelatedRequestID == relatedRequestID
	}
	for _, e := range tx.pending {
		if match(e) {
			cp := e
			return &cp
		}
	}
	for _, e := range tx.store.entries {
		if match(e) {
			cp := e
			return &cp
		}
	}
	return nil
}

func (tx *memoryTx) commit() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	now := tx.store.now()
	for tenantID, bal := range tx.balances {
		if acc, ok := tx.store.accounts[tenantID]; ok {
			acc.Balance = bal
			acc.UpdatedAt = now
		}
	}
	tx.store.entries = append(tx.store.entries, tx.pending...)
	tx.pending = nil
	tx.balances = nil
}

func (tx *memoryTx) release() {
	for tenantID := range tx.locked {
		tx.store.unlock(tenantID)
	}
	tx.locked = nil
}
