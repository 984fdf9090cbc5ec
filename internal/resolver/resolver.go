// Package resolver picks the provider and model for a request. Precedence:
// requested provider, user preference, tenant default, environment
// default, then the echo fallback. Resolution never fails.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/pkg/logger"
)

type Source string

const (
	SourceUser        Source = "user"
	SourceTenant      Source = "tenant"
	SourceEnvironment Source = "environment"
	SourceFallback    Source = "fallback"
)

var ErrUnknownProvider = provider.ErrUnknownProvider

type EffectiveModel struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Source   Source `json:"source"`
}

// Preference is a stored model choice. An empty UserID marks the tenant
// default. An empty ModelName means the provider's default model.
type Preference struct {
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id,omitempty"`
	Provider  string    `json:"provider"`
	ModelName string    `json:"model_name,omitempty"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store interface {
	// UserPreference and TenantDefault return nil when nothing is stored.
	UserPreference(ctx context.Context, tenantID, userID string) (*Preference, error)
	TenantDefault(ctx context.Context, tenantID string) (*Preference, error)
	PutUserPreference(ctx context.Context, p *Preference) error
	PutTenantDefault(ctx context.Context, p *Preference) error
}

type Query struct {
	TenantID string
	UserID   string
	// Requested is an explicit per-request provider choice.
	Requested string
	// EnvDefault overrides the resolver's configured environment default.
	EnvDefault string
}

type Resolver struct {
	store      Store
	registry   *provider.Registry
	envDefault string
	fallback   string
	log        *logger.Logger
}

func New(store Store, registry *provider.Registry, envDefault string, log *logger.Logger) *Resolver {
	return &Resolver{
		store:      store,
		registry:   registry,
		envDefault: envDefault,
		fallback:   provider.KeyEcho,
		log:        log.With("component", "resolver"),
	}
}

func (r *Resolver) Resolve(ctx context.Context, q Query) EffectiveModel {
	if q.Requested != "" {
		if key, ok := r.registry.Resolve(q.Requested); ok {
			return r.effective(key, "", SourceUser)
		}
		r.log.Debugw("ignoring unknown requested provider", "tenant_id", q.TenantID, "provider", q.Requested)
	}

	if q.UserID != "" {
		p, err := r.store.UserPreference(ctx, q.TenantID, q.UserID)
		if err != nil {
			r.log.Warnw("failed to read user preference", "tenant_id", q.TenantID, "user_id", q.UserID, "error", err)
		} else if em, ok := r.fromPreference(p, SourceUser); ok {
			return em
		}
	}

	p, err := r.store.TenantDefault(ctx, q.TenantID)
	if err != nil {
		r.log.Warnw("failed to read tenant default", "tenant_id", q.TenantID, "error", err)
	} else if em, ok := r.fromPreference(p, SourceTenant); ok {
		return em
	}

	env := q.EnvDefault
	if env == "" {
		env = r.envDefault
	}
	if key, ok := r.registry.Resolve(env); ok {
		return r.effective(key, "", SourceEnvironment)
	}

	return r.effective(r.fallback, "", SourceFallback)
}

func (r *Resolver) fromPreference(p *Preference, src Source) (EffectiveModel, bool) {
	if p == nil || !p.Active {
		return EffectiveModel{}, false
	}
	key, ok := r.registry.Resolve(p.Provider)
	if !ok {
		return EffectiveModel{}, false
	}
	return r.effective(key, p.ModelName, src), true
}

func (r *Resolver) effective(key, model string, src Source) EffectiveModel {
	if model == "" {
		model = r.registry.DefaultModel(key)
	}
	return EffectiveModel{Provider: key, Model: model, Source: src}
}

// SetTenantDefaultModel stores the tenant default under the canonical
// provider key.
func (r *Resolver) SetTenantDefaultModel(ctx context.Context, tenantID, providerName, modelName string, active bool) (*Preference, error) {
	key, ok := r.registry.Resolve(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}
	p := &Preference{
		TenantID:  tenantID,
		Provider:  key,
		ModelName: modelName,
		Active:    active,
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.store.PutTenantDefault(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Resolver) SetUserModel(ctx context.Context, tenantID, userID, providerName, modelName string, active bool) (*Preference, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	key, ok := r.registry.Resolve(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}
	p := &Preference{
		TenantID:  tenantID,
		UserID:    userID,
		Provider:  key,
		ModelName: modelName,
		Active:    active,
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.store.PutUserPreference(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
