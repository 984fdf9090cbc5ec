package seeder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-metering/internal/account"
	"github.com/vnmchuo/llm-metering/internal/auth"
	"github.com/vnmchuo/llm-metering/internal/billing"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/pkg/logger"
)

type keyStore struct{ created []*auth.APIKey }

func (k *keyStore) GetByKey(context.Context, string) (*auth.APIKey, error) { return nil, auth.ErrKeyNotFound }
func (k *keyStore) Create(_ context.Context, a *auth.APIKey) error {
	k.created = append(k.created, a)
	return nil
}
func (k *keyStore) Revoke(context.Context, string) error { return nil }

func TestSeed_IsRepeatable(t *testing.T) {
	ctx := context.Background()
	accounts := account.NewMemoryStore()
	svc := billing.NewService(accounts, accounts, nil, account.DefaultSettings(), logger.Nop())
	keys := &keyStore{}

	require.NoError(t, Seed(ctx, keys, svc, logger.Nop()))
	require.NoError(t, Seed(ctx, keys, svc, logger.Nop()))

	require.Len(t, keys.created, 2)
	assert.Equal(t, auth.HashKey(TestAPIKey), keys.created[0].KeyHash)
	assert.Equal(t, TestUserID, keys.created[0].UserID)

	acc, err := svc.GetBalance(ctx, TestTenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(TestOpeningBalance), acc.Balance)

	entries, err := svc.ListLedger(ctx, TestTenantID, ledger.Window{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.Reason("seed"), entries[0].Reason)
}
