package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ACME directory endpoints
const (
	LetsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"
	LetsEncryptStaging    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// Config holds all configuration for the application
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Server
	APIPort     int    `env:"API_PORT" envDefault:"8080"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"certbroker"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Security
	APIKey string `env:"API_KEY"`
	AppEnv string `env:"APP_ENV" envDefault:"development"`
	// AllowedOrigins are the CORS origins of the customer portal
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	// Rate Limiting
	RateLimitRequests float64 `env:"RATE_LIMIT_REQUESTS" envDefault:"10"`
	RateLimitBurst    int     `env:"RATE_LIMIT_BURST" envDefault:"20"`

	// CNAME delegation
	DelegationProxyZone string        `env:"DELEGATION_PROXY_ZONE" envDefault:"dcv.certbroker.test"`
	PowerDNSDatabaseURL string        `env:"POWERDNS_DATABASE_URL"`
	DNSResolverAddr     string        `env:"DNS_RESOLVER_ADDR" envDefault:"8.8.8.8:53"`
	DNSLookupTimeout    time.Duration `env:"DNS_LOOKUP_TIMEOUT" envDefault:"5s"`

	// ACME upstream
	ACMEDirectoryURL  string `env:"ACME_DIRECTORY_URL" envDefault:"https://acme-staging-v02.api.letsencrypt.org/directory"`
	ACMEEmail         string `env:"ACME_EMAIL"`
	ACMEAccountKeyPEM string `env:"ACME_ACCOUNT_KEY"`

	// Task worker
	TaskPollInterval    time.Duration `env:"TASK_POLL_INTERVAL" envDefault:"5s"`
	TaskConcurrency     int           `env:"TASK_CONCURRENCY" envDefault:"4"`
	TaskBatchSize       int           `env:"TASK_BATCH_SIZE" envDefault:"20"`
	TaskMaxAttempts     int           `env:"TASK_MAX_ATTEMPTS" envDefault:"8"`
	TaskLease           time.Duration `env:"TASK_LEASE" envDefault:"5m"`
	TaskRetryBase       time.Duration `env:"TASK_RETRY_BASE" envDefault:"30s"`
	TaskIssuancePoll    time.Duration `env:"TASK_ISSUANCE_POLL" envDefault:"15m"`
	TaskIssuanceTimeout time.Duration `env:"TASK_ISSUANCE_TIMEOUT" envDefault:"720h"`
	ExpirySweepInterval time.Duration `env:"EXPIRY_SWEEP_INTERVAL" envDefault:"1h"`
}

// Load reads configuration from environment variables, after loading a
// .env file when one is present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadWithValidation loads and validates configuration, failing fast on errors
func LoadWithValidation() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		if err := cfg.ValidateProduction(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DatabaseURL cannot be empty")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("APIPort must be between 1 and 65535")
	}
	if c.DelegationProxyZone == "" {
		return fmt.Errorf("DELEGATION_PROXY_ZONE cannot be empty")
	}
	if c.TaskConcurrency <= 0 {
		return fmt.Errorf("TASK_CONCURRENCY must be positive")
	}
	if c.TaskMaxAttempts <= 0 {
		return fmt.Errorf("TASK_MAX_ATTEMPTS must be positive")
	}
	if c.TaskPollInterval <= 0 || c.TaskLease <= 0 {
		return fmt.Errorf("TASK_POLL_INTERVAL and TASK_LEASE must be positive")
	}
	return nil
}

// ValidateProduction performs additional validation for production environment
func (c *Config) ValidateProduction() error {
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required in production")
	}

	for _, origin := range c.AllowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			return fmt.Errorf("wildcard CORS origin is not allowed in production")
		}
	}

	if strings.Contains(c.DatabaseURL, "sslmode=disable") {
		return fmt.Errorf("sslmode=disable is not allowed in production")
	}

	if c.ACMEEmail == "" {
		return fmt.Errorf("ACME_EMAIL is required in production")
	}

	if strings.Contains(c.ACMEDirectoryURL, "staging") {
		return fmt.Errorf("ACME_DIRECTORY_URL should use production endpoint in production")
	}

	if c.PowerDNSDatabaseURL == "" {
		return fmt.Errorf("POWERDNS_DATABASE_URL is required in production")
	}

	return nil
}

// LogConfig logs configuration values (excluding secrets)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("api_port", c.APIPort).
		Str("log_level", c.LogLevel).
		Str("app_env", c.AppEnv).
		Bool("api_key_set", c.APIKey != "").
		Str("delegation_proxy_zone", c.DelegationProxyZone).
		Bool("powerdns_configured", c.PowerDNSDatabaseURL != "").
		Str("dns_resolver", c.DNSResolverAddr).
		Str("acme_directory", c.ACMEDirectoryURL).
		Int("task_concurrency", c.TaskConcurrency).
		Dur("task_poll_interval", c.TaskPollInterval).
		Float64("rate_limit_rps", c.RateLimitRequests).
		Int("rate_limit_burst", c.RateLimitBurst).
		Msg("configuration loaded")
}
