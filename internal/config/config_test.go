package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formbridge/twocheckout-gateway/internal/config"
)

func fullEnv() map[string]string {
	return map[string]string{
		"APP_ENV":                   "",
		"PORT":                      "",
		"DATABASE_URL":              "postgres://localhost/gateway",
		"REDIS_URL":                 "redis://localhost:6379/0",
		"TWOCHECKOUT_MERCHANT_CODE": "MERCHANT",
		"TWOCHECKOUT_SECRET_KEY":    "secret",
		"NONCE_SALT":                "salt",
		"PUBLIC_BASE_URL":           "https://pay.example/",
		"IPN_REPLAY_TTL":            "",
		"LOG_LEVEL":                 "",
		"LOG_FORMAT":                "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(fullEnv())
	require.NoError(t, err)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, 24*time.Hour, cfg.IPNReplayTTL)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestLoadRequiresMerchantCredentials(t *testing.T) {
	env := fullEnv()
	env["TWOCHECKOUT_MERCHANT_CODE"] = ""
	_, err := config.LoadForTests(env)
	require.ErrorContains(t, err, "TWOCHECKOUT_MERCHANT_CODE")
}

func TestThreeDSURLsDerivedFromPublicBase(t *testing.T) {
	cfg, err := config.LoadForTests(fullEnv())
	require.NoError(t, err)
	// The trailing slash on PUBLIC_BASE_URL is trimmed.
	require.Equal(t, "https://pay.example/api/v1/3dsecure/return", cfg.ReturnURL())
	require.Equal(t, "https://pay.example/api/v1/3dsecure/cancel", cfg.CancelURL())
}

func TestLoadParsesReplayTTL(t *testing.T) {
	env := fullEnv()
	env["IPN_REPLAY_TTL"] = "1h"
	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, time.Hour, cfg.IPNReplayTTL)
}
