package ledger

import (
	"context"
	"time"
)

// Reason labels why a balance changed. Top-ups may carry a free-form
// label (e.g. "manual"); usage is reserved for settlements.
type Reason string

const (
	ReasonUsage      Reason = "usage"
	ReasonTopUp      Reason = "topup"
	ReasonAdjustment Reason = "adjustment"
)

// Entry is one append-only balance change. Positive Delta is a credit,
// negative a debit.
type Entry struct {
	ID               int64     `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Delta            int64     `json:"delta"`
	Reason           Reason    `json:"reason"`
	RelatedRequestID string    `json:"related_request_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Window bounds a ledger listing. A zero To means "until now".
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window (inclusive).
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

// Reader is the read-only projection used for audits and reconciliation.
// Writes only happen through the account store, in the same transaction
// as the balance update.
type Reader interface {
	SumSince(ctx context.Context, tenantID string, since time.Time) (int64, error)
	List(ctx context.Context, tenantID string, w Window) ([]Entry, error)
}
