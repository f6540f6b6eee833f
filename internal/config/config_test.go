package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_WebhookSecretFallsBackToSecretKey(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PAYSTACK_SECRET_KEY", "sk_test_primary")
	unsetEnvWithCleanup(t, "PAYSTACK_WEBHOOK_SECRET")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PaystackWebhookSecret != "sk_test_primary" {
		t.Fatalf("expected webhook secret to fall back to secret key, got %q", cfg.PaystackWebhookSecret)
	}
}

func TestLoadConfig_DedicatedWebhookSecretTakesPrecedence(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PAYSTACK_SECRET_KEY", "sk_test_primary")
	setEnvWithCleanup(t, "PAYSTACK_WEBHOOK_SECRET", "whsec_dedicated")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PaystackWebhookSecret != "whsec_dedicated" {
		t.Fatalf("expected dedicated webhook secret, got %q", cfg.PaystackWebhookSecret)
	}
}

func TestLoadConfig_PortEnvOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9001")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9001" {
		t.Fatalf("expected PORT to override SERVER_PORT, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SERVER_PORT")
	unsetEnvWithCleanup(t, "PORT")
	unsetEnvWithCleanup(t, "PAYSTACK_API_BASE_URL")
	unsetEnvWithCleanup(t, "REDIS_RATE_LIMIT_PREFIX")
	unsetEnvWithCleanup(t, "VERIFY_RATE_LIMIT_PER_MINUTE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default server port 8080, got %q", cfg.ServerPort)
	}
	if cfg.PaystackAPIBaseURL != "https://api.paystack.co" {
		t.Fatalf("expected default paystack base url, got %q", cfg.PaystackAPIBaseURL)
	}
	if cfg.RedisRateLimitPrefix != "ajo:rate_limit" {
		t.Fatalf("expected default rate limit prefix, got %q", cfg.RedisRateLimitPrefix)
	}
	if cfg.VerifyRateLimitPerMinute != 30 {
		t.Fatalf("expected default verify rate limit 30, got %d", cfg.VerifyRateLimitPerMinute)
	}
}

func TestLoadConfig_NegativeVerifyRateLimitDisablesLimiting(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "VERIFY_RATE_LIMIT_PER_MINUTE", "-5")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.VerifyRateLimitPerMinute != 0 {
		t.Fatalf("expected negative limit coerced to 0, got %d", cfg.VerifyRateLimitPerMinute)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
