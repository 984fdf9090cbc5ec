package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port     string `envconfig:"PORT" default:"8080"`
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Database
	PostgresDSN string `envconfig:"POSTGRES_DSN" required:"true"`

	// Cache and shared rate limiting
	RedisAddr string `envconfig:"REDIS_ADDR"`

	// Providers. A vendor is registered only when its key is set.
	DefaultProvider string        `envconfig:"LLM_PROVIDER"`
	OpenAIAPIKey    string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL   string        `envconfig:"OPENAI_BASE_URL"`
	AnthropicAPIKey string        `envconfig:"ANTHROPIC_API_KEY"`
	GeminiAPIKey    string        `envconfig:"GEMINI_API_KEY"`
	DeepSeekAPIKey  string        `envconfig:"DEEPSEEK_API_KEY"`
	DeepSeekBaseURL string        `envconfig:"DEEPSEEK_BASE_URL"`
	ZhipuAPIKey     string        `envconfig:"ZHIPU_API_KEY"`
	ZhipuBaseURL    string        `envconfig:"ZHIPU_BASE_URL"`
	ProvidersFile   string        `envconfig:"PROVIDERS_FILE"`
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"30s"`

	// Rate limiting
	RateLimitBackend  string        `envconfig:"RATE_LIMIT_BACKEND" default:"memory"`
	RateLimitCapacity int           `envconfig:"RATE_LIMIT_CAPACITY" default:"30"`
	RateLimitRefill   float64       `envconfig:"RATE_LIMIT_REFILL_PER_SECOND" default:"0.5"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// New accounts
	DefaultPlan      string `envconfig:"ACCOUNT_DEFAULT_PLAN" default:"free"`
	DefaultSoftLimit int64  `envconfig:"ACCOUNT_DEFAULT_SOFT_LIMIT" default:"100"`
	DefaultHardLimit int64  `envconfig:"ACCOUNT_DEFAULT_HARD_LIMIT" default:"0"`

	AdminToken string `envconfig:"ADMIN_TOKEN"`

	// Notifications
	NotifyWebhookURL string   `envconfig:"NOTIFY_WEBHOOK_URL"`
	KafkaBrokers     []string `envconfig:"KAFKA_BROKERS"`
	KafkaNotifyTopic string   `envconfig:"KAFKA_NOTIFY_TOPIC" default:"metering.notifications"`
	SentryDSN        string   `envconfig:"SENTRY_DSN"`

	// Settlement reconciliation
	ReconcileInterval    time.Duration `envconfig:"RECONCILE_INTERVAL" default:"1m"`
	ReconcileMaxAttempts int           `envconfig:"RECONCILE_MAX_ATTEMPTS" default:"10"`

	// Observability
	OTELExporterType     string  `envconfig:"OTEL_EXPORTER_TYPE" default:"stdout"`
	OTELExporterEndpoint string  `envconfig:"OTEL_EXPORTER_ENDPOINT" default:"localhost:4317"`
	OTELSampleRatio      float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1"`

	RunSeed bool `envconfig:"RUN_SEED"`
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND %q (want memory or redis)", c.RateLimitBackend)
	}
	if c.RateLimitCapacity <= 0 {
		return fmt.Errorf("RATE_LIMIT_CAPACITY must be positive")
	}
	if c.RateLimitRefill < 0 {
		return fmt.Errorf("RATE_LIMIT_REFILL_PER_SECOND must not be negative")
	}
	if c.DefaultHardLimit > c.DefaultSoftLimit {
		return fmt.Errorf("ACCOUNT_DEFAULT_HARD_LIMIT must not exceed ACCOUNT_DEFAULT_SOFT_LIMIT")
	}
	switch c.OTELExporterType {
	case "stdout", "otlp", "none":
	default:
		return fmt.Errorf("invalid OTEL_EXPORTER_TYPE %q", c.OTELExporterType)
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
