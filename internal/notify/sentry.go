package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

type SentryNotifier struct {
	hub *sentry.Hub
}

func NewSentryNotifier(dsn, environment string) (*SentryNotifier, error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init sentry: %w", err)
	}
	return &SentryNotifier{hub: sentry.CurrentHub()}, nil
}

func (n *SentryNotifier) Notify(_ context.Context, e Event) error {
	hub := n.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", string(e.Kind))
		scope.SetTag("tenant_id", e.TenantID)
		if e.TraceID != "" {
			scope.SetTag("trace_id", e.TraceID)
		}
		if e.Provider != "" {
			scope.SetTag("provider", e.Provider)
		}
		scope.SetExtra("balance", e.Balance)
		scope.SetExtra("amount", e.Amount)
		if e.Kind == KindSettlementFailure {
			scope.SetLevel(sentry.LevelError)
		} else {
			scope.SetLevel(sentry.LevelWarning)
		}
	})

	if e.Kind == KindSettlementFailure {
		hub.CaptureException(fmt.Errorf("settlement failed for tenant %s trace %s: %s", e.TenantID, e.TraceID, e.Cause))
		return nil
	}
	hub.CaptureMessage(fmt.Sprintf("low balance for tenant %s: %d (soft limit %d)", e.TenantID, e.Balance, e.SoftLimit))
	return nil
}

func (n *SentryNotifier) Flush(timeout time.Duration) bool {
	return n.hub.Flush(timeout)
}
