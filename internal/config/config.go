package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	// Merchant credentials for the 2Checkout API and notification signing.
	MerchantCode string
	SecretKey    string
	// APIBaseURL overrides the production JSON-RPC endpoint; used for
	// sandbox merchants and tests.
	APIBaseURL string
	Sandbox    bool

	// PublicBaseURL is the externally reachable base of this service; the
	// 3DS return and cancel URLs are derived from it.
	PublicBaseURL string
	// NonceSalt keys the hash under which 3DS success nonces are stored.
	NonceSalt string

	// IPNReplayTTL bounds the fast replay-guard window for notifications.
	IPNReplayTTL time.Duration

	LogLevel  string
	LogFormat string

	TracingEnabled  bool
	TracingEndpoint string
	TracingRatio    float64

	MetricsBuckets string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MerchantCode:       strings.TrimSpace(k.String("TWOCHECKOUT_MERCHANT_CODE")),
		SecretKey:          k.String("TWOCHECKOUT_SECRET_KEY"),
		APIBaseURL:         strings.TrimSpace(k.String("TWOCHECKOUT_API_URL")),
		Sandbox:            parseBool(k.String("TWOCHECKOUT_SANDBOX")),
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(k.String("PUBLIC_BASE_URL")), "/"),
		NonceSalt:          k.String("NONCE_SALT"),
		IPNReplayTTL:       parseDuration(k.String("IPN_REPLAY_TTL"), "24h"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		TracingEnabled:     parseBool(k.String("TRACING_ENABLED")),
		TracingEndpoint:    strings.TrimSpace(k.String("TRACING_ENDPOINT")),
		TracingRatio:       k.Float64("TRACING_SAMPLING_RATIO"),
		MetricsBuckets:     k.String("METRICS_BUCKETS_MS"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.MerchantCode == "" {
		return nil, errors.New("TWOCHECKOUT_MERCHANT_CODE is required")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("TWOCHECKOUT_SECRET_KEY is required")
	}
	if cfg.NonceSalt == "" {
		return nil, errors.New("NONCE_SALT is required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("PUBLIC_BASE_URL is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// ReturnURL is the 3DS success endpoint handed to the gateway.
func (c *Config) ReturnURL() string {
	return c.PublicBaseURL + "/api/v1/3dsecure/return"
}

// CancelURL is where the issuer sends the browser on an abandoned challenge.
func (c *Config) CancelURL() string {
	return c.PublicBaseURL + "/api/v1/3dsecure/cancel"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
