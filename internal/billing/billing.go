// Package billing implements spend authorization, settlement and the
// administrative balance operations on top of the account store.
//
// Authorization is a check, not a reservation: it locks the account,
// verifies the projected balance and commits without writing. Settlement
// is the only place usage is deducted and is idempotent per trace id.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vnmchuo/llm-metering/internal/account"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/notify"
	"github.com/vnmchuo/llm-metering/pkg/logger"
	"github.com/vnmchuo/llm-metering/pkg/metrics"
)

const (
	StageAuthorize = "authorize"
	StageSettle    = "settle"
)

var (
	ErrAccountSuspended    = errors.New("account suspended")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrReservedReason      = errors.New("reason is reserved for usage settlements")
)

// InsufficientBalanceError reports which stage refused the spend.
type InsufficientBalanceError struct {
	TenantID  string
	Stage     string
	Balance   int64
	Amount    int64
	HardLimit int64
	Err       error
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance at %s: tenant %s balance %d, amount %d, hard limit %d",
		e.Stage, e.TenantID, e.Balance, e.Amount, e.HardLimit)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

func (e *InsufficientBalanceError) Unwrap() error {
	return e.Err
}

type Authorization struct {
	TenantID         string
	Estimate         int64
	Balance          int64
	ProjectedBalance int64
	SoftLimit        int64
	HardLimit        int64
	LowBalance       bool
}

type Settlement struct {
	TenantID       string
	TraceID        string
	Amount         int64
	EntryID        int64
	Balance        int64
	AlreadySettled bool
	Skipped        bool
}

type TopUpResult struct {
	TenantID string
	Added    int64
	Balance  int64
	EntryID  int64
}

type Consistency struct {
	TenantID   string `json:"tenant_id"`
	Balance    int64  `json:"balance"`
	LedgerSum  int64  `json:"ledger_sum"`
	Consistent bool   `json:"consistent"`
}

type Service struct {
	accounts account.Store
	ledger   ledger.Reader
	notifier notify.Notifier
	defaults account.Defaults
	log      *logger.Logger
}

func NewService(accounts account.Store, reader ledger.Reader, notifier notify.Notifier, defaults account.Defaults, log *logger.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		accounts: accounts,
		ledger:   reader,
		notifier: notifier,
		defaults: defaults,
		log:      log.With("component", "billing"),
	}
}

// Authorize checks that estimate fits above the hard limit. It never
// changes the balance.
func (s *Service) Authorize(ctx context.Context, tenantID string, estimate int64) (*Authorization, error) {
	if _, err := s.accounts.GetOrCreate(ctx, tenantID, s.defaults); err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	var auth *Authorization
	err := s.accounts.InTx(ctx, func(ctx context.Context, tx account.Tx) error {
		acc, err := tx.LockedRead(ctx, tenantID)
		if err != nil {
			return err
		}
		if acc.Status != account.StatusActive {
			return ErrAccountSuspended
		}
		projected := acc.Balance - estimate
		if projected < acc.HardLimit {
			return &InsufficientBalanceError{
				TenantID:  tenantID,
				Stage:     StageAuthorize,
				Balance:   acc.Balance,
				Amount:    estimate,
				HardLimit: acc.HardLimit,
			}
		}
		auth = &Authorization{
			TenantID:         tenantID,
			Estimate:         estimate,
			Balance:          acc.Balance,
			ProjectedBalance: projected,
			SoftLimit:        acc.SoftLimit,
			HardLimit:        acc.HardLimit,
			LowBalance:       projected < acc.SoftLimit,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if auth.LowBalance {
		s.notifyLowBalance(ctx, tenantID, StageAuthorize, auth.ProjectedBalance, auth.SoftLimit)
	}
	return auth, nil
}

// Settle debits amount for traceID. Replaying a settled trace id returns
// the existing entry with AlreadySettled set and charges nothing.
func (s *Service) Settle(ctx context.Context, tenantID, traceID string, amount int64) (*Settlement, error) {
	result := &Settlement{TenantID: tenantID, TraceID: traceID, Amount: amount}
	if amount <= 0 {
		result.Skipped = true
		return result, nil
	}

	var softLimit int64
	err := s.accounts.InTx(ctx, func(ctx context.Context, tx account.Tx) error {
		acc, err := tx.LockedRead(ctx, tenantID)
		if err != nil {
			return err
		}
		softLimit = acc.SoftLimit

		if traceID != "" {
			existing, err := tx.FindUsage(ctx, tenantID, traceID)
			if err != nil {
				return err
			}
			if existing != nil {
				result.AlreadySettled = true
				result.EntryID = existing.ID
				result.Amount = -existing.Delta
				result.Balance = acc.Balance
				return nil
			}
		}

		newBalance, entryID, err := tx.ApplyDelta(ctx, tenantID, -amount, ledger.ReasonUsage, traceID)
		if err != nil {
			if errors.Is(err, account.ErrLimitViolation) {
				return &InsufficientBalanceError{
					TenantID:  tenantID,
					Stage:     StageSettle,
					Balance:   acc.Balance,
					Amount:    amount,
					HardLimit: acc.HardLimit,
					Err:       err,
				}
			}
			return err
		}
		result.Balance = newBalance
		result.EntryID = entryID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadySettled {
		metrics.UnitsSettledTotal.Add(float64(amount))
		if result.Balance < softLimit {
			s.notifyLowBalance(ctx, tenantID, StageSettle, result.Balance, softLimit)
		}
	}
	return result, nil
}

// LookupSettlement returns the settlement already recorded for traceID,
// or nil when the trace id has not been charged.
func (s *Service) LookupSettlement(ctx context.Context, tenantID, traceID string) (*Settlement, error) {
	if traceID == "" {
		return nil, nil
	}
	var found *Settlement
	err := s.accounts.InTx(ctx, func(ctx context.Context, tx account.Tx) error {
		existing, err := tx.FindUsage(ctx, tenantID, traceID)
		if err != nil {
			return err
		}
		if existing != nil {
			found = &Settlement{
				TenantID:       tenantID,
				TraceID:        traceID,
				Amount:         -existing.Delta,
				EntryID:        existing.ID,
				AlreadySettled: true,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up settlement: %w", err)
	}
	return found, nil
}

// TopUp credits amount under the given reason label. amount <= 0 is a
// no-op that reports the current balance.
func (s *Service) TopUp(ctx context.Context, tenantID string, amount int64, reason string) (*TopUpResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = string(ledger.ReasonTopUp)
	}
	if ledger.Reason(reason) == ledger.ReasonUsage {
		return nil, ErrReservedReason
	}

	acc, err := s.accounts.GetOrCreate(ctx, tenantID, s.defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if amount <= 0 {
		return &TopUpResult{TenantID: tenantID, Balance: acc.Balance}, nil
	}

	res := &TopUpResult{TenantID: tenantID, Added: amount}
	err = s.accounts.InTx(ctx, func(ctx context.Context, tx account.Tx) error {
		if _, err := tx.LockedRead(ctx, tenantID); err != nil {
			return err
		}
		var err error
		res.Balance, res.EntryID, err = tx.ApplyDelta(ctx, tenantID, amount, ledger.Reason(reason), "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to top up: %w", err)
	}

	s.log.Infow("balance topped up", "tenant_id", tenantID, "amount", amount, "reason", reason, "balance", res.Balance)
	return res, nil
}

// Adjust applies a signed administrative correction. Debits respect the
// hard limit.
func (s *Service) Adjust(ctx context.Context, tenantID string, delta int64, note string) (*TopUpResult, error) {
	acc, err := s.accounts.GetOrCreate(ctx, tenantID, s.defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if delta == 0 {
		return &TopUpResult{TenantID: tenantID, Balance: acc.Balance}, nil
	}

	res := &TopUpResult{TenantID: tenantID, Added: delta}
	err = s.accounts.InTx(ctx, func(ctx context.Context, tx account.Tx) error {
		if _, err := tx.LockedRead(ctx, tenantID); err != nil {
			return err
		}
		var err error
		res.Balance, res.EntryID, err = tx.ApplyDelta(ctx, tenantID, delta, ledger.ReasonAdjustment, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to adjust balance: %w", err)
	}

	s.log.Infow("balance adjusted", "tenant_id", tenantID, "delta", delta, "note", note, "balance", res.Balance)
	return res, nil
}

func (s *Service) GetBalance(ctx context.Context, tenantID string) (*account.Account, error) {
	acc, err := s.accounts.GetOrCreate(ctx, tenantID, s.defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return acc, nil
}

func (s *Service) SetStatus(ctx context.Context, tenantID string, status account.Status) error {
	if _, err := s.accounts.GetOrCreate(ctx, tenantID, s.defaults); err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if err := s.accounts.SetStatus(ctx, tenantID, status); err != nil {
		return err
	}
	s.log.Infow("account status changed", "tenant_id", tenantID, "status", status)
	return nil
}

func (s *Service) SetLimits(ctx context.Context, tenantID string, softLimit, hardLimit int64) error {
	if _, err := s.accounts.GetOrCreate(ctx, tenantID, s.defaults); err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	return s.accounts.SetLimits(ctx, tenantID, softLimit, hardLimit)
}

func (s *Service) ListLedger(ctx context.Context, tenantID string, w ledger.Window) ([]ledger.Entry, error) {
	return s.ledger.List(ctx, tenantID, w)
}

// CheckConsistency compares the balance with the ledger sum while holding
// the account lock, so no settlement can land between the two reads.
func (s *Service) CheckConsistency(ctx context.Context, tenantID string) (*Consistency, error) {
	var c *Consistency
	err := s.accounts.InTx(ctx, func(ctx context.Context, tx account.Tx) error {
		acc, err := tx.LockedRead(ctx, tenantID)
		if err != nil {
			return err
		}
		sum, err := s.ledger.SumSince(ctx, tenantID, time.Time{})
		if err != nil {
			return err
		}
		c = &Consistency{
			TenantID:   tenantID,
			Balance:    acc.Balance,
			LedgerSum:  sum,
			Consistent: acc.Balance == sum,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !c.Consistent {
		s.log.Errorw("ledger and balance disagree", "tenant_id", tenantID, "balance", c.Balance, "ledger_sum", c.LedgerSum)
	}
	return c, nil
}

func (s *Service) notifyLowBalance(ctx context.Context, tenantID, stage string, balance, softLimit int64) {
	if err := s.notifier.Notify(ctx, notify.LowBalance(tenantID, stage, balance, softLimit)); err != nil {
		s.log.Warnw("low balance notification failed", "tenant_id", tenantID, "error", err)
	}
}
