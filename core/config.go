package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete gateway configuration.
// Values are resolved in priority order:
//  1. Functional options (highest)
//  2. Environment variables
//  3. Configuration file
//  4. Defaults (lowest)
type Config struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	Auth       AuthConfig       `yaml:"auth"`
	Resilience ResilienceConfig `yaml:"resilience"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Cache      CacheConfig      `yaml:"cache"`
	Guardrail  GuardrailConfig  `yaml:"guardrail"`
	CORS       CORSConfig       `yaml:"cors"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Services maps downstream service names to their base URLs.
	Services map[string]string `yaml:"services"`

	// ExecutionTimeoutSeconds bounds a whole execution when > 0.
	// Step timeouts still apply when shorter.
	ExecutionTimeoutSeconds int `yaml:"execution_timeout_seconds"`

	Development DevelopmentConfig `yaml:"development"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	SecretKey string `yaml:"secret_key"`
}

// ResilienceConfig configures retries, timeouts, and the circuit breaker.
type ResilienceConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	DefaultMaxRetries     int `yaml:"default_max_retries"`
	DefaultBackoffMs      int `yaml:"default_backoff_ms"`

	// ServiceTimeouts overrides the timeout (seconds) per service name.
	ServiceTimeouts map[string]int `yaml:"service_timeouts"`
	// ServiceRetries overrides retry settings per service name.
	ServiceRetries map[string]ServiceRetryConfig `yaml:"service_retries"`

	FailureThreshold       int `yaml:"failure_threshold"`
	SuccessThreshold       int `yaml:"success_threshold"`
	HalfOpenTimeoutSeconds int `yaml:"half_open_timeout_seconds"`
}

// ServiceRetryConfig overrides retry behavior for one service. A nil
// MaxRetries inherits the default; an explicit 0 disables retries.
type ServiceRetryConfig struct {
	MaxRetries *int `yaml:"max_retries"`
	BackoffMs  int  `yaml:"backoff_ms"`
}

// RateLimitConfig configures the per-user quota keeper.
type RateLimitConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DailyLimit int    `yaml:"daily_limit"`
	RedisURL   string `yaml:"redis_url"`
}

// CacheConfig configures the plan/result cache.
type CacheConfig struct {
	MaxEntries       int   `yaml:"max_entries"`
	MaxBytes         int64 `yaml:"max_bytes"`
	PlanTTLSeconds   int   `yaml:"plan_ttl_seconds"`
	ResultTTLSeconds int   `yaml:"result_ttl_seconds"`
}

// GuardrailConfig configures intent admission checks.
type GuardrailConfig struct {
	// MaxIntentBytes bounds the intent length. 0 uses the default (8 KiB).
	MaxIntentBytes int `yaml:"max_intent_bytes"`
}

// CORSConfig configures cross-origin request handling.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DevelopmentConfig enables local-run conveniences.
type DevelopmentConfig struct {
	Mode bool `yaml:"mode"`
	// StaticTokens maps literal bearer tokens to user ids for the
	// static verifier used in dev mode and tests.
	StaticTokens map[string]string `yaml:"static_tokens"`
}

// Option configures a Config
type Option func(*Config) error

// DefaultConfig returns the configuration defaults from the gateway contract.
func DefaultConfig() *Config {
	return &Config{
		Name:    "intentgate",
		Address: "0.0.0.0",
		Port:    8080,
		Resilience: ResilienceConfig{
			DefaultTimeoutSeconds:  30,
			DefaultMaxRetries:      3,
			DefaultBackoffMs:       100,
			ServiceTimeouts:        map[string]int{},
			ServiceRetries:         map[string]ServiceRetryConfig{},
			FailureThreshold:       5,
			SuccessThreshold:       2,
			HalfOpenTimeoutSeconds: 60,
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			DailyLimit: 1000,
		},
		Cache: CacheConfig{
			MaxEntries:     1000,
			MaxBytes:       100 * 1024 * 1024,
			PlanTTLSeconds: 3600,
		},
		Guardrail: GuardrailConfig{
			MaxIntentBytes: 8192,
		},
		CORS: CORSConfig{
			Enabled:        false,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
			ExposedHeaders: []string{"X-Correlation-Id", "X-Trace-Id"},
			MaxAge:         3600,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "",
		},
		Services: map[string]string{},
	}
}

// LoadFromEnv applies environment variable overrides.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("INTENTGATE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INTENTGATE_PORT: %w", ErrInvalidConfiguration)
		}
		c.Port = port
	}
	if v := os.Getenv("INTENTGATE_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv("INTENTGATE_AUTH_ISSUER"); v != "" {
		c.Auth.Issuer = v
	}
	if v := os.Getenv("INTENTGATE_AUTH_AUDIENCE"); v != "" {
		c.Auth.Audience = v
	}
	if v := os.Getenv("INTENTGATE_AUTH_SECRET"); v != "" {
		c.Auth.SecretKey = v
	}
	if v := os.Getenv("INTENTGATE_REDIS_URL"); v != "" {
		c.RateLimit.RedisURL = v
	}
	if v := os.Getenv("INTENTGATE_RATE_LIMIT_DAILY"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("INTENTGATE_RATE_LIMIT_DAILY: %w", ErrInvalidConfiguration)
		}
		c.RateLimit.DailyLimit = limit
	}
	if v := os.Getenv("INTENTGATE_RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("INTENTGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("INTENTGATE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("INTENTGATE_CORS_ORIGINS"); v != "" {
		c.CORS.Enabled = true
		c.CORS.AllowedOrigins = parseStringList(v)
	}
	if v := os.Getenv("INTENTGATE_DEV_MODE"); v != "" {
		c.Development.Mode = parseBool(v)
	}

	// Service discovery: INTENTGATE_SERVICE_<NAME>_URL=http://...
	for _, env := range os.Environ() {
		const prefix = "INTENTGATE_SERVICE_"
		const suffix = "_URL"
		pair := strings.SplitN(env, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key, value := pair[0], pair[1]
		if strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix) {
			name := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
			if name != "" && value != "" {
				if c.Services == nil {
					c.Services = map[string]string{}
				}
				c.Services[name] = value
			}
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range: %w", c.Port, ErrInvalidConfiguration)
	}
	if c.Resilience.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must be >= 0: %w", ErrInvalidConfiguration)
	}
	if c.Resilience.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("default_timeout_seconds must be > 0: %w", ErrInvalidConfiguration)
	}
	if c.RateLimit.Enabled && c.RateLimit.DailyLimit <= 0 {
		return fmt.Errorf("daily_limit must be > 0 when rate limiting is enabled: %w", ErrInvalidConfiguration)
	}
	if c.Cache.MaxEntries <= 0 || c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache bounds must be positive: %w", ErrInvalidConfiguration)
	}
	if !c.Development.Mode && c.Auth.SecretKey == "" {
		return fmt.Errorf("auth secret key: %w", ErrMissingConfiguration)
	}
	return nil
}

// ExecutionTimeout returns the per-execution deadline, or 0 when unbounded.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}

func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// WithName sets the service name
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithPort sets the HTTP listen port
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port %d out of range: %w", port, ErrInvalidConfiguration)
		}
		c.Port = port
		return nil
	}
}

// WithAddress sets the HTTP bind address
func WithAddress(address string) Option {
	return func(c *Config) error {
		c.Address = address
		return nil
	}
}

// WithAuth sets token verification parameters
func WithAuth(issuer, audience, secret string) Option {
	return func(c *Config) error {
		c.Auth.Issuer = issuer
		c.Auth.Audience = audience
		c.Auth.SecretKey = secret
		return nil
	}
}

// WithService registers a downstream service base URL
func WithService(name, baseURL string) Option {
	return func(c *Config) error {
		if name == "" || baseURL == "" {
			return fmt.Errorf("service name and URL required: %w", ErrInvalidConfiguration)
		}
		if c.Services == nil {
			c.Services = map[string]string{}
		}
		c.Services[name] = baseURL
		return nil
	}
}

// WithRedisURL sets the distributed quota backend
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.RateLimit.RedisURL = url
		return nil
	}
}

// WithDailyLimit sets the per-user daily quota
func WithDailyLimit(limit int) Option {
	return func(c *Config) error {
		if limit <= 0 {
			return fmt.Errorf("daily limit must be positive: %w", ErrInvalidConfiguration)
		}
		c.RateLimit.DailyLimit = limit
		return nil
	}
}

// WithRateLimitEnabled toggles quota enforcement
func WithRateLimitEnabled(enabled bool) Option {
	return func(c *Config) error {
		c.RateLimit.Enabled = enabled
		return nil
	}
}

// WithCORS configures allowed origins
func WithCORS(origins []string, credentials bool) Option {
	return func(c *Config) error {
		c.CORS.Enabled = true
		c.CORS.AllowedOrigins = origins
		c.CORS.AllowCredentials = credentials
		return nil
	}
}

// WithLogLevel sets the log level
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithServiceTimeout overrides the call timeout for one service
func WithServiceTimeout(service string, seconds int) Option {
	return func(c *Config) error {
		if seconds <= 0 {
			return fmt.Errorf("service timeout must be positive: %w", ErrInvalidConfiguration)
		}
		if c.Resilience.ServiceTimeouts == nil {
			c.Resilience.ServiceTimeouts = map[string]int{}
		}
		c.Resilience.ServiceTimeouts[service] = seconds
		return nil
	}
}

// WithServiceRetries overrides retry settings for one service
func WithServiceRetries(service string, maxRetries, backoffMs int) Option {
	return func(c *Config) error {
		if c.Resilience.ServiceRetries == nil {
			c.Resilience.ServiceRetries = map[string]ServiceRetryConfig{}
		}
		c.Resilience.ServiceRetries[service] = ServiceRetryConfig{
			MaxRetries: &maxRetries,
			BackoffMs:  backoffMs,
		}
		return nil
	}
}

// WithDevelopmentMode enables dev-mode wiring (static verifier, static planner)
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Mode = enabled
		return nil
	}
}

// WithConfigFile loads a YAML config file before later options apply
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// NewConfig builds a Config from defaults, environment, and options.
func NewConfig(opts ...Option) (*Config, error) {
	config := DefaultConfig()

	if err := config.LoadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
