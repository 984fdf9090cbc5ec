package provider

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	KeyOpenAI   = "openai"
	KeyGemini   = "gemini"
	KeyDeepSeek = "deepseek"
	KeyZhipu    = "zhipu"
	KeyClaude   = "claude"
	KeyEcho     = "echo"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Meta describes a provider independently of whether it is configured.
type Meta struct {
	Key          string          `json:"key"`
	Label        string          `json:"label"`
	DefaultModel string          `json:"default_model"`
	Aliases      []string        `json:"aliases,omitempty"`
	APIKeyEnv    string          `json:"api_key_env,omitempty"`
	BaseURLEnv   string          `json:"base_url_env,omitempty"`
	UnitWeight   decimal.Decimal `json:"unit_weight"`
}

func defaultCatalogue() map[string]Meta {
	one := decimal.NewFromInt(1)
	return map[string]Meta{
		KeyOpenAI: {
			Key: KeyOpenAI, Label: "GPT (OpenAI-compatible)", DefaultModel: "gpt-4o-mini",
			Aliases:   []string{"gpt", "chatgpt", "gpt4", "gpt4o", "gpt5"},
			APIKeyEnv: "OPENAI_API_KEY", BaseURLEnv: "OPENAI_BASE_URL", UnitWeight: one,
		},
		KeyGemini: {
			Key: KeyGemini, Label: "Google Gemini", DefaultModel: "gemini-1.5-pro-latest",
			Aliases:   []string{"google"},
			APIKeyEnv: "GEMINI_API_KEY", UnitWeight: one,
		},
		KeyDeepSeek: {
			Key: KeyDeepSeek, Label: "DeepSeek", DefaultModel: "deepseek-chat",
			APIKeyEnv: "DEEPSEEK_API_KEY", BaseURLEnv: "DEEPSEEK_BASE_URL", UnitWeight: one,
		},
		KeyZhipu: {
			Key: KeyZhipu, Label: "Zhipu GLM", DefaultModel: "glm-4",
			Aliases:   []string{"zhipuai", "glm"},
			APIKeyEnv: "ZHIPU_API_KEY", BaseURLEnv: "ZHIPU_BASE_URL", UnitWeight: one,
		},
		KeyClaude: {
			Key: KeyClaude, Label: "Anthropic Claude", DefaultModel: "claude-3-5-haiku-latest",
			Aliases:   []string{"anthropic"},
			APIKeyEnv: "ANTHROPIC_API_KEY", UnitWeight: one,
		},
		KeyEcho: {
			Key: KeyEcho, Label: "Local echo", DefaultModel: "echo-001",
			Aliases:    []string{"mock", "dummy", "test", "local", "localecho"},
			UnitWeight: one,
		},
	}
}

var aliases = func() map[string]string {
	m := make(map[string]string)
	for key, meta := range defaultCatalogue() {
		m[key] = key
		for _, a := range meta.Aliases {
			m[a] = key
		}
	}
	return m
}()

// Normalize folds case, spaces, hyphens and underscores, then resolves
// aliases. It returns "" for names that map to no catalogue entry.
func Normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
	if s == "" {
		return ""
	}
	return aliases[s]
}

// Registry maps canonical keys to configured providers. A key is known
// only once a provider has been registered under it.
type Registry struct {
	mu        sync.RWMutex
	catalogue map[string]Meta
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		catalogue: defaultCatalogue(),
		providers: make(map[string]Provider),
	}
}

// Register adds p under the canonical form of key.
func (r *Registry) Register(key string, p Provider) error {
	k := Normalize(key)
	if k == "" {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[k] = p
	return nil
}

func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[key]
	return ok
}

// Resolve normalizes name and returns its key if a provider is registered.
func (r *Registry) Resolve(name string) (string, bool) {
	k := Normalize(name)
	if k == "" || !r.Has(k) {
		return "", false
	}
	return k, true
}

func (r *Registry) Provider(key string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[key]
	return p, ok
}

func (r *Registry) Meta(key string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.catalogue[key]
	return m, ok
}

// DefaultModel returns the catalogue default, or "" for unknown keys.
func (r *Registry) DefaultModel(key string) string {
	m, _ := r.Meta(key)
	return m.DefaultModel
}

// UnitWeight returns the per-token usage-unit weight, 1 when unset.
func (r *Registry) UnitWeight(key string) decimal.Decimal {
	m, ok := r.Meta(key)
	if !ok || m.UnitWeight.IsZero() {
		return decimal.NewFromInt(1)
	}
	return m.UnitWeight
}

// List returns the registered providers' metadata sorted by key.
func (r *Registry) List() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, r.catalogue[k])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type override struct {
	DefaultModel string `yaml:"default_model"`
	UnitWeight   string `yaml:"unit_weight"`
	Label        string `yaml:"label"`
}

// LoadOverrides reads a YAML file of per-provider overrides:
//
//	providers:
//	  openai:
//	    default_model: gpt-4o
//	    unit_weight: "1.5"
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read provider overrides: %w", err)
	}
	return r.ApplyOverrides(data)
}

func (r *Registry) ApplyOverrides(data []byte) error {
	var doc struct {
		Providers map[string]override `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse provider overrides: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, o := range doc.Providers {
		k := Normalize(name)
		if k == "" {
			return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
		meta := r.catalogue[k]
		if o.DefaultModel != "" {
			meta.DefaultModel = o.DefaultModel
		}
		if o.Label != "" {
			meta.Label = o.Label
		}
		if o.UnitWeight != "" {
			w, err := decimal.NewFromString(o.UnitWeight)
			if err != nil {
				return fmt.Errorf("invalid unit_weight for %s: %w", k, err)
			}
			if w.IsNegative() {
				return fmt.Errorf("invalid unit_weight for %s: must not be negative", k)
			}
			meta.UnitWeight = w
		}
		r.catalogue[k] = meta
	}
	return nil
}
