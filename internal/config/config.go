// Package config holds the runtime settings of the genmeter daemon.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/genmeter/internal/webhook"
)

const (
	defaultListenAddr       = ":8080"
	defaultDatabaseURL      = "sqlite://genmeter.db?_pragma=busy_timeout(5000)"
	defaultAllowedOrigin    = "http://localhost:8000"
	defaultSessionIssuer    = "tauth"
	defaultSessionCookie    = "app_session"
	defaultProviderName     = "http"
	defaultProviderTimeout  = 90 * time.Second
	defaultModel            = "default"
	defaultGenerationCost   = 1
	defaultShutdownTimeout  = 10 * time.Second
	defaultStaleAfter       = 15 * time.Minute
	defaultRedisKeyPrefix   = "genmeter:credential:cooldown:"
	defaultCredentialsLabel = "provider credentials"
)

// DefaultMaxRetries is the retry budget the commands start from. Zero disables retries.
const DefaultMaxRetries = 2

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config aggregates runtime settings for the daemon.
type Config struct {
	ListenAddr      string
	DatabaseURL     string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	ProviderName        string
	ProviderEndpoint    string
	ProviderTimeout     time.Duration
	ProviderCredentials []string
	Model               string
	GenerationCost      int64
	MaxRetries          int
	InitialCredits      int64
	CredentialCooldown  time.Duration
	RedisAddr           string
	RedisKeyPrefix      string

	WebhookSecret string
	ProductTable  string
	Products      webhook.ProductTable

	StaleAfter time.Duration
}

// SessionEnabled reports whether the session middleware should guard /api.
func (cfg *Config) SessionEnabled() bool {
	return len(cfg.SessionSigningKey) > 0
}

// Validate fills defaults and checks the settings every command needs.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.ProviderName = defaultIfEmpty(cfg.ProviderName, defaultProviderName)
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	cfg.Model = defaultIfEmpty(cfg.Model, defaultModel)
	if cfg.GenerationCost == 0 {
		cfg.GenerationCost = defaultGenerationCost
	}
	cfg.RedisKeyPrefix = defaultIfEmpty(cfg.RedisKeyPrefix, defaultRedisKeyPrefix)
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}

	if cfg.GenerationCost < 0 {
		return fmt.Errorf("%w: generation cost must be positive", ErrInvalidConfig)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be non-negative", ErrInvalidConfig)
	}
	if cfg.InitialCredits < 0 {
		return fmt.Errorf("%w: initial credits must be non-negative", ErrInvalidConfig)
	}
	if cfg.CredentialCooldown < 0 {
		return fmt.Errorf("%w: credential cooldown must be non-negative", ErrInvalidConfig)
	}
	if cfg.StaleAfter <= cfg.ProviderTimeout {
		return fmt.Errorf("%w: stale-after %s must exceed provider timeout %s", ErrInvalidConfig, cfg.StaleAfter, cfg.ProviderTimeout)
	}
	products, err := webhook.ParseProductTable(cfg.ProductTable)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Products = products
	return nil
}

// ValidateServe additionally checks the settings needed to serve generation traffic.
func (cfg *Config) ValidateServe() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ProviderEndpoint) == "" {
		return fmt.Errorf("%w: provider endpoint is required", ErrInvalidConfig)
	}
	if len(cfg.ProviderCredentials) == 0 {
		return fmt.Errorf("%w: %s are required", ErrInvalidConfig, defaultCredentialsLabel)
	}
	if cfg.SessionEnabled() && strings.TrimSpace(cfg.SessionCookieName) == "" {
		return fmt.Errorf("%w: session cookie name is required", ErrInvalidConfig)
	}
	return nil
}

// ParseList splits comma-delimited values into a trimmed slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
