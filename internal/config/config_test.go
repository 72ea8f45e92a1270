package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiredDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "certbroker", cfg.ServiceName)
	assert.Equal(t, 10.0, cfg.RateLimitRequests)
	assert.Equal(t, 20, cfg.RateLimitBurst)
	assert.Equal(t, LetsEncryptStaging, cfg.ACMEDirectoryURL)
	assert.Equal(t, 5*time.Second, cfg.DNSLookupTimeout)
	assert.Equal(t, 4, cfg.TaskConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.TaskLease)
	assert.Equal(t, 15*time.Minute, cfg.TaskIssuancePoll)
	assert.Equal(t, 720*time.Hour, cfg.TaskIssuanceTimeout)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://./dev.db")
	t.Setenv("DELEGATION_PROXY_ZONE", "proxy.example.net")
	t.Setenv("TASK_POLL_INTERVAL", "250ms")
	t.Setenv("TASK_CONCURRENCY", "16")
	t.Setenv("ALLOWED_ORIGINS", "https://portal.example.com,https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "proxy.example.net", cfg.DelegationProxyZone)
	assert.Equal(t, 250*time.Millisecond, cfg.TaskPollInterval)
	assert.Equal(t, 16, cfg.TaskConcurrency)
	assert.Equal(t, []string{"https://portal.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("TASK_LEASE", "forever")

	_, err := Load()
	assert.Error(t, err)
}

func validProduction() *Config {
	return &Config{
		DatabaseURL:         "postgres://localhost/test?sslmode=require",
		AppEnv:              "production",
		APIKey:              "test-key",
		ACMEEmail:           "admin@example.com",
		ACMEDirectoryURL:    LetsEncryptProduction,
		PowerDNSDatabaseURL: "postgres://pdns/pdns",
	}
}

func TestValidateProduction(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"requires api key", func(c *Config) { c.APIKey = "" }, "API_KEY is required"},
		{"no ssl disable", func(c *Config) { c.DatabaseURL = "postgres://localhost/test?sslmode=disable" }, "sslmode=disable"},
		{"requires acme email", func(c *Config) { c.ACMEEmail = "" }, "ACME_EMAIL is required"},
		{"no staging directory", func(c *Config) { c.ACMEDirectoryURL = LetsEncryptStaging }, "ACME_DIRECTORY_URL should use production endpoint"},
		{"requires powerdns", func(c *Config) { c.PowerDNSDatabaseURL = "" }, "POWERDNS_DATABASE_URL"},
		{"no wildcard origin", func(c *Config) { c.AllowedOrigins = []string{"https://portal.example.com", "*"} }, "wildcard CORS origin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validProduction()
			tt.mutate(cfg)

			err := cfg.ValidateProduction()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWithValidation_FailFast(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test?sslmode=disable")
	t.Setenv("APP_ENV", "production")
	t.Setenv("API_KEY", "")

	_, err := LoadWithValidation()
	assert.Error(t, err)
}

func TestLoadWithValidation_DevelopmentAllowsInsecure(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test?sslmode=disable")
	t.Setenv("APP_ENV", "development")

	cfg, err := LoadWithValidation()
	require.NoError(t, err)
	assert.False(t, cfg.IsProduction())
}

func TestValidate_InvalidValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			DatabaseURL:         "postgres://localhost/test",
			APIPort:             8080,
			DelegationProxyZone: "proxy.test",
			TaskConcurrency:     1,
			TaskMaxAttempts:     1,
			TaskPollInterval:    time.Second,
			TaskLease:           time.Minute,
		}
	}
	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.APIPort = 70000
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.DelegationProxyZone = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.TaskConcurrency = 0
	assert.Error(t, cfg.Validate())
}
