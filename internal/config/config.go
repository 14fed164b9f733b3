package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the listingintel server.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Jobs      JobsConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port           int      `env:"LISTINGINTEL_PORT" envDefault:"8080"`
	Env            string   `env:"LISTINGINTEL_ENV" envDefault:"development"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	// BootstrapAPIKey, when set, is hashed and stored on startup so a fresh
	// deployment has one working credential.
	BootstrapAPIKey string `env:"BOOTSTRAP_API_KEY"`
	BootstrapOwner  string `env:"BOOTSTRAP_OWNER_ID" envDefault:"bootstrap"`
}

type StoreConfig struct {
	Driver     string `env:"STORE_DRIVER" envDefault:"postgres"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"listingintel.db"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
	MigrationsDir   string        `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
	// PollerTTL bounds how long a registration survives without a refresh.
	PollerTTL time.Duration `env:"POLLER_TTL" envDefault:"2m"`
}

type AIConfig struct {
	Provider         string        `env:"AI_PROVIDER" envDefault:"mock"`
	InferenceTimeout time.Duration `env:"AI_INFERENCE_TIMEOUT" envDefault:"120s"`
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
	Mock             MockConfig
}

type OllamaConfig struct {
	BaseURL string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434"`
	Model   string `env:"OLLAMA_MODEL" envDefault:"llama3"`
}

type VLLMConfig struct {
	BaseURL string `env:"VLLM_BASE_URL" envDefault:"http://localhost:8000"`
	Model   string `env:"VLLM_MODEL"`
}

type OpenAIConfig struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	BaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Model   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
}

type AnthropicConfig struct {
	APIKey  string `env:"ANTHROPIC_API_KEY"`
	BaseURL string `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com"`
	Model   string `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-5-20250929"`
}

// MockConfig drives the staged mock provider used in development and tests.
type MockConfig struct {
	StepDelay time.Duration `env:"MOCK_STEP_DELAY" envDefault:"500ms"`
	Steps     int           `env:"MOCK_STEPS" envDefault:"5"`
}

// JobsConfig holds the lifecycle thresholds. Defaults follow the retention
// policy: succeeded jobs live an hour, failed or canceled ones half an hour,
// and a job with no heartbeat for ten minutes and no pollers is timed out.
type JobsConfig struct {
	SucceededRetention  time.Duration `env:"JOB_SUCCEEDED_RETENTION" envDefault:"1h"`
	FailedRetention     time.Duration `env:"JOB_FAILED_RETENTION" envDefault:"30m"`
	HeartbeatTimeout    time.Duration `env:"JOB_HEARTBEAT_TIMEOUT" envDefault:"10m"`
	ReapInterval        time.Duration `env:"JOB_REAP_INTERVAL" envDefault:"1m"`
	CancelCheckInterval time.Duration `env:"JOB_CANCEL_CHECK_INTERVAL" envDefault:"2s"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

// Load reads configuration from the environment (and a .env file when
// present) and returns a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite, memory; got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}
	if c.AI.InferenceTimeout <= 0 {
		return fmt.Errorf("AI_INFERENCE_TIMEOUT must be positive")
	}

	j := c.Jobs
	if j.SucceededRetention <= 0 || j.FailedRetention <= 0 || j.HeartbeatTimeout <= 0 {
		return fmt.Errorf("job retention and heartbeat thresholds must be positive")
	}
	if j.ReapInterval < time.Second {
		return fmt.Errorf("JOB_REAP_INTERVAL must be at least 1s, got %s", j.ReapInterval)
	}
	if j.CancelCheckInterval <= 0 {
		return fmt.Errorf("JOB_CANCEL_CHECK_INTERVAL must be positive")
	}

	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}

	return nil
}
