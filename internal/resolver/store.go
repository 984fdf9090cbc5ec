package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type MemoryStore struct {
	mu      sync.RWMutex
	users   map[[2]string]Preference
	tenants map[string]Preference
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[[2]string]Preference),
		tenants: make(map[string]Preference),
	}
}

func (s *MemoryStore) UserPreference(_ context.Context, tenantID, userID string) (*Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[[2]string{tenantID, userID}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) TenantDefault(_ context.Context, tenantID string) (*Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) PutUserPreference(_ context.Context, p *Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[[2]string{p.TenantID, p.UserID}] = *p
	return nil
}

func (s *MemoryStore) PutTenantDefault(_ context.Context, p *Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[p.TenantID] = *p
	return nil
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UserPreference(ctx context.Context, tenantID, userID string) (*Preference, error) {
	query := `
		SELECT tenant_id, user_id, provider, model_name, is_active, updated_at
		FROM user_model_preferences
		WHERE tenant_id = $1 AND user_id = $2
	`
	var p Preference
	err := s.db.QueryRow(ctx, query, tenantID, userID).Scan(
		&p.TenantID, &p.UserID, &p.Provider, &p.ModelName, &p.Active, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user preference: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) TenantDefault(ctx context.Context, tenantID string) (*Preference, error) {
	query := `
		SELECT tenant_id, provider, model_name, is_active, updated_at
		FROM tenant_default_models
		WHERE tenant_id = $1
	`
	var p Preference
	err := s.db.QueryRow(ctx, query, tenantID).Scan(
		&p.TenantID, &p.Provider, &p.ModelName, &p.Active, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tenant default: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) PutUserPreference(ctx context.Context, p *Preference) error {
	query := `
		INSERT INTO user_model_preferences (tenant_id, user_id, provider, model_name, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (tenant_id, user_id) DO UPDATE
		SET provider = EXCLUDED.provider, model_name = EXCLUDED.model_name,
		    is_active = EXCLUDED.is_active, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, p.TenantID, p.UserID, p.Provider, p.ModelName, p.Active); err != nil {
		return fmt.Errorf("failed to save user preference: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutTenantDefault(ctx context.Context, p *Preference) error {
	query := `
		INSERT INTO tenant_default_models (tenant_id, provider, model_name, is_active, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id) DO UPDATE
		SET provider = EXCLUDED.provider, model_name = EXCLUDED.model_name,
		    is_active = EXCLUDED.is_active, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, p.TenantID, p.Provider, p.ModelName, p.Active); err != nil {
		return fmt.Errorf("failed to save tenant default: %w", err)
	}
	return nil
}
