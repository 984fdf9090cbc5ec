// Package seeder creates a development API key and an opening balance.
package seeder

import (
	"context"
	"fmt"

	"github.com/vnmchuo/llm-metering/internal/account"
	"github.com/vnmchuo/llm-metering/internal/auth"
	"github.com/vnmchuo/llm-metering/internal/billing"
	"github.com/vnmchuo/llm-metering/pkg/logger"
)

const (
	TestAPIKey         = "test-api-key-12345"
	TestTenantID       = "00000000-0000-0000-0000-000000000001"
	TestUserID         = "dev-user"
	TestOpeningBalance = 10000
	seedReason         = "seed"
)

type Balances interface {
	GetBalance(ctx context.Context, tenantID string) (*account.Account, error)
	TopUp(ctx context.Context, tenantID string, amount int64, reason string) (*billing.TopUpResult, error)
}

// Seed is safe to run on every start: the key insert is an upsert and the
// opening balance is only credited to an empty account.
func Seed(ctx context.Context, keys auth.Store, balances Balances, log *logger.Logger) error {
	log = log.With("component", "seeder")

	apiKey := &auth.APIKey{
		TenantID: TestTenantID,
		UserID:   TestUserID,
		KeyHash:  auth.HashKey(TestAPIKey),
		Active:   true,
	}
	if err := keys.Create(ctx, apiKey); err != nil {
		return fmt.Errorf("seed api key: %w", err)
	}

	acc, err := balances.GetBalance(ctx, TestTenantID)
	if err != nil {
		return fmt.Errorf("seed account: %w", err)
	}
	if acc.Balance == 0 {
		if _, err := balances.TopUp(ctx, TestTenantID, TestOpeningBalance, seedReason); err != nil {
			return fmt.Errorf("seed opening balance: %w", err)
		}
	}

	log.Infow("development tenant ready", "tenant_id", TestTenantID, "user_id", TestUserID, "api_key", TestAPIKey)
	return nil
}
