// Package account holds per-tenant balance state. Balance changes are only
// written through Tx.ApplyDelta, which appends the matching ledger entry in
// the same transaction, so the balance is always the sum of the tenant's
// ledger deltas.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/llm-metering/internal/ledger"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusSuspended
}

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrLimitViolation  = errors.New("balance would drop below hard limit")
	ErrDuplicateUsage  = errors.New("usage already recorded for request")
	ErrNotLocked       = errors.New("account must be locked in this transaction")
	ErrInvalidStatus   = errors.New("invalid account status")
)

type Account struct {
	TenantID  string    `json:"tenant_id"`
	Plan      string    `json:"plan"`
	Balance   int64     `json:"balance"`
	SoftLimit int64     `json:"soft_limit"`
	HardLimit int64     `json:"hard_limit"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Defaults are applied only when an account is created.
type Defaults struct {
	Plan      string
	Balance   int64
	SoftLimit int64
	HardLimit int64
	Status    Status
}

func DefaultSettings() Defaults {
	return Defaults{
		Plan:      "free",
		SoftLimit: 100,
		Status:    StatusActive,
	}
}

func (d Defaults) normalized() Defaults {
	if d.Plan == "" {
		d.Plan = "free"
	}
	if !d.Status.Valid() {
		d.Status = StatusActive
	}
	return d
}

// LimitViolationError carries the numbers behind an ErrLimitViolation.
type LimitViolationError struct {
	TenantID   string
	Balance    int64
	Delta      int64
	HardLimit  int64
	NewBalance int64
}

func (e *LimitViolationError) Error() string {
	return fmt.Sprintf("tenant %s: balance %d%+d = %d below hard limit %d",
		e.TenantID, e.Balance, e.Delta, e.NewBalance, e.HardLimit)
}

func (e *LimitViolationError) Is(target error) bool {
	return target == ErrLimitViolation
}

type Store interface {
	// GetOrCreate never overwrites an existing account.
	GetOrCreate(ctx context.Context, tenantID string, defaults Defaults) (*Account, error)
	Get(ctx context.Context, tenantID string) (*Account, error)
	SetStatus(ctx context.Context, tenantID string, status Status) error
	SetLimits(ctx context.Context, tenantID string, softLimit, hardLimit int64) error
	// InTx runs fn in one transaction. fn returning an error rolls back
	// every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is only valid inside the InTx callback that produced it.
type Tx interface {
	// LockedRead takes an exclusive row lock held until the transaction
	// ends. Callers must create the account beforehand.
	LockedRead(ctx context.Context, tenantID string) (*Account, error)
	// ApplyDelta updates the balance and appends a ledger entry. Debits
	// that would leave the balance under the hard limit fail with
	// ErrLimitViolation. Requires a prior LockedRead in the same tx.
	ApplyDelta(ctx context.Context, tenantID string, delta int64, reason ledger.Reason, relatedRequestID string) (newBalance int64, entryID int64, err error)
	// FindUsage returns the usage entry for relatedRequestID, or nil.
	FindUsage(ctx context.Context, tenantID, relatedRequestID string) (*ledger.Entry, error)
}
