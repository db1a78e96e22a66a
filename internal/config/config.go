// Package config loads and validates the daemon configuration from the
// environment, with optional .env support for local development.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8754"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	APIBaseURL    string `env:"API_BASE_URL"`
	PushURL       string `env:"PUSH_URL"`
	PushNamespace string `env:"PUSH_NAMESPACE" default:"notifications"`

	// CredentialBackend selects where the refresh token persists:
	// "keyring" (OS keychain) or "redis".
	CredentialBackend string `env:"CREDENTIAL_BACKEND" default:"keyring"`
	RedisURL          string `env:"REDIS_URL"`

	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" default:"720h"` // 30 days
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"API_BASE_URL": cfg.APIBaseURL,
		"PUSH_URL":     cfg.PushURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	switch cfg.CredentialBackend {
	case "keyring":
	case "redis":
		if cfg.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CREDENTIAL_BACKEND is redis")
		}
	default:
		return fmt.Errorf("CREDENTIAL_BACKEND must be keyring or redis, got %q", cfg.CredentialBackend)
	}

	if cfg.RefreshTokenTTL <= 0 {
		return fmt.Errorf("REFRESH_TOKEN_TTL must be positive")
	}

	return nil
}
