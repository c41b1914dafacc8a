// Package config loads and validates the gateway's environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/relayhub/wagateway/internal/util"
)

// Default salt shipped in the repo for local development only. Production
// deployments must override PRIVACY_HASH_SALT; see Validate.
const DefaultPrivacySalt = "default-salt-CHANGE-IN-PRODUCTION"

// MinPrivacySaltLength is the minimum acceptable length for PRIVACY_HASH_SALT.
const MinPrivacySaltLength = 32

// Environment identifies the deployment mode selected by NODE_ENV.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Config holds every environment-derived setting the gateway needs.
type Config struct {
	Env Environment
	Port string

	DatabaseURL string
	RedisURL    string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	AnthropicAPIKey string

	LogLevel string

	PrivacyHashSalt string

	AllowedOrigins []string
	TrustProxy     bool

	RateLimitMaxRequests     int
	RateLimitWindowSeconds   int
	RateLimitMaxIPRequests   int
	RateLimitIPWindowSeconds int
}

// Default rate-limit tuning.
const (
	DefaultRateLimitMaxRequests     = 10
	DefaultRateLimitWindowSeconds   = 60
	DefaultRateLimitMaxIPRequests   = 30
	DefaultRateLimitIPWindowSeconds = 60
)

// Load reads configuration from the environment (loading a local .env file
// first, if present) and validates it. It does not exit the process; the
// caller decides how to handle a validation error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file loaded", "error", err)
	} else {
		slog.Debug("config: loaded .env file")
	}

	cfg := &Config{
		Env:  Environment(getEnv("NODE_ENV", string(EnvDevelopment))),
		Port: getEnv("PORT", "8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber: os.Getenv("TWILIO_PHONE_NUMBER"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		PrivacyHashSalt: getEnv("PRIVACY_HASH_SALT", DefaultPrivacySalt),

		TrustProxy: util.ParseBoolEnv("TRUST_PROXY", false),

		RateLimitMaxRequests:     getEnvInt("RATE_LIMIT_MAX_REQUESTS", DefaultRateLimitMaxRequests),
		RateLimitWindowSeconds:   getEnvInt("RATE_LIMIT_WINDOW_SECONDS", DefaultRateLimitWindowSeconds),
		RateLimitMaxIPRequests:   getEnvInt("RATE_LIMIT_MAX_IP_REQUESTS", DefaultRateLimitMaxIPRequests),
		RateLimitIPWindowSeconds: getEnvInt("RATE_LIMIT_IP_WINDOW_SECONDS", DefaultRateLimitIPWindowSeconds),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Debug("config loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"database_url_set", cfg.DatabaseURL != "",
		"redis_url_set", cfg.RedisURL != "",
		"twilio_configured", cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "",
		"anthropic_key_set", cfg.AnthropicAPIKey != "",
	)

	return cfg, nil
}

// Validate enforces the invariants called out in the design's Open
// Questions: production deployments must not run with the placeholder
// privacy salt, and the salt must meet the minimum length.
func (c *Config) Validate() error {
	if len(c.PrivacyHashSalt) < MinPrivacySaltLength {
		return fmt.Errorf("config: PRIVACY_HASH_SALT must be at least %d characters", MinPrivacySaltLength)
	}
	if c.Env == EnvProduction && c.PrivacyHashSalt == DefaultPrivacySalt {
		return fmt.Errorf("config: PRIVACY_HASH_SALT must be overridden in production")
	}
	return nil
}

// IsDevelopment reports whether dev-only shortcuts (such as skipping
// signature verification) are permitted.
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: invalid integer env var, using default", "key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return n
}

