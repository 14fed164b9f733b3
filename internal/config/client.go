package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ClientConfig holds defaults for jobctl. Flags override every field.
type ClientConfig struct {
	ServerURL         string        `env:"LISTINGINTEL_SERVER" envDefault:"http://localhost:8080"`
	APIKey            string        `env:"LISTINGINTEL_API_KEY"`
	CacheDir          string        `env:"LISTINGINTEL_CACHE_DIR"`
	PollInterval      time.Duration `env:"LISTINGINTEL_POLL_INTERVAL" envDefault:"2s"`
	RequestTimeout    time.Duration `env:"LISTINGINTEL_REQUEST_TIMEOUT" envDefault:"15s"`
	MaxRetries        int           `env:"LISTINGINTEL_MAX_RETRIES" envDefault:"3"`
	KeepAliveInterval time.Duration `env:"LISTINGINTEL_KEEPALIVE_INTERVAL" envDefault:"20s"`
}

// LoadClient reads jobctl defaults from the environment. CacheDir falls back
// to the user cache directory.
func LoadClient() (*ClientConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg, err := env.ParseAs[ClientConfig]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields after flags have been applied.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("LISTINGINTEL_SERVER must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.CacheDir == "" {
		return fmt.Errorf("LISTINGINTEL_CACHE_DIR is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("LISTINGINTEL_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("LISTINGINTEL_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("LISTINGINTEL_MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "listingintel")
	}
	return filepath.Join(os.TempDir(), "listingintel")
}
