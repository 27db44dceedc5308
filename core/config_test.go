package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValidInDevMode(t *testing.T) {
	config := DefaultConfig()
	config.Development.Mode = true
	assert.NoError(t, config.Validate())
}

func TestValidateRequiresSecretOutsideDevMode(t *testing.T) {
	config := DefaultConfig()
	assert.ErrorIs(t, config.Validate(), ErrMissingConfiguration)

	config.Auth.SecretKey = "s3cret"
	assert.NoError(t, config.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	config := DefaultConfig()
	config.Development.Mode = true

	config.Port = 0
	assert.ErrorIs(t, config.Validate(), ErrInvalidConfiguration)
	config.Port = 8080

	config.Resilience.DefaultMaxRetries = -1
	assert.ErrorIs(t, config.Validate(), ErrInvalidConfiguration)
	config.Resilience.DefaultMaxRetries = 3

	config.RateLimit.DailyLimit = 0
	assert.ErrorIs(t, config.Validate(), ErrInvalidConfiguration)
	config.RateLimit.DailyLimit = 1000

	config.Cache.MaxEntries = 0
	assert.ErrorIs(t, config.Validate(), ErrInvalidConfiguration)
}

func TestFunctionalOptions(t *testing.T) {
	config, err := NewConfig(
		WithDevelopmentMode(true),
		WithName("gateway-test"),
		WithPort(9090),
		WithAddress("127.0.0.1"),
		WithService("accounts", "http://accounts:8080"),
		WithDailyLimit(50),
		WithLogLevel("DEBUG"),
		WithServiceRetries("accounts", 5, 250),
	)
	require.NoError(t, err)

	assert.Equal(t, "gateway-test", config.Name)
	assert.Equal(t, 9090, config.Port)
	assert.Equal(t, "127.0.0.1", config.Address)
	assert.Equal(t, "http://accounts:8080", config.Services["accounts"])
	assert.Equal(t, 50, config.RateLimit.DailyLimit)
	assert.Equal(t, "DEBUG", config.Logging.Level)
	require.NotNil(t, config.Resilience.ServiceRetries["accounts"].MaxRetries)
	assert.Equal(t, 5, *config.Resilience.ServiceRetries["accounts"].MaxRetries)
}

func TestWithPortRejectsOutOfRange(t *testing.T) {
	_, err := NewConfig(WithDevelopmentMode(true), WithPort(70000))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INTENTGATE_PORT", "9191")
	t.Setenv("INTENTGATE_AUTH_SECRET", "env-secret")
	t.Setenv("INTENTGATE_RATE_LIMIT_DAILY", "25")
	t.Setenv("INTENTGATE_SERVICE_ACCOUNTS_URL", "http://accounts.internal")
	t.Setenv("INTENTGATE_CORS_ORIGINS", "https://a.test, https://b.test")

	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 9191, config.Port)
	assert.Equal(t, "env-secret", config.Auth.SecretKey)
	assert.Equal(t, 25, config.RateLimit.DailyLimit)
	assert.Equal(t, "http://accounts.internal", config.Services["ACCOUNTS"])
	assert.True(t, config.CORS.Enabled)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, config.CORS.AllowedOrigins)
}

func TestLoadFromEnvRejectsBadPort(t *testing.T) {
	t.Setenv("INTENTGATE_PORT", "not-a-number")
	_, err := NewConfig()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := []byte(`
name: file-gateway
port: 7070
auth:
  secret_key: file-secret
services:
  billing: http://billing:8080
resilience:
  default_timeout_seconds: 10
rate_limit:
  enabled: true
  daily_limit: 5
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	config, err := NewConfig(WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, "file-gateway", config.Name)
	assert.Equal(t, 7070, config.Port)
	assert.Equal(t, "file-secret", config.Auth.SecretKey)
	assert.Equal(t, "http://billing:8080", config.Services["billing"])
	assert.Equal(t, 10, config.Resilience.DefaultTimeoutSeconds)
	assert.Equal(t, 5, config.RateLimit.DailyLimit)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := NewConfig(WithConfigFile("/nonexistent/gateway.yaml"))
	assert.Error(t, err)
}
