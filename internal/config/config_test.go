package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentspend/internal/security"
)

func validConfig() Config {
	return Config{
		Env:                DefaultEnv,
		MicroCeiling:       DefaultMicroCeiling,
		FastMaxCost:        DefaultFastMaxCost,
		SecondaryThreshold: DefaultSecondaryThreshold,
		HardCeiling:        DefaultHardCeiling,
		AnomalyMultiple:    DefaultAnomalyMultiple,
		BaselineWindowDays: DefaultBaselineWindowDays,
		SettlementBackend:  SettlementMemory,
		RateLimitPerMinute: DefaultRateLimitPerMinute,
		RateLimitBurst:     DefaultRateLimitBurst,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SETTLEMENT_BACKEND", "")
	t.Setenv("ENV", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultMicroCeiling, cfg.MicroCeiling)
	assert.Equal(t, int64(DefaultAnomalyMultiple), cfg.AnomalyMultiple)
	assert.Equal(t, DefaultSettlementTimeout, cfg.SettlementTimeout)
	assert.Equal(t, SettlementMemory, cfg.SettlementBackend)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, DefaultGuardTTL, cfg.GuardTTL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SETTLEMENT_BACKEND", "")
	t.Setenv("ENV", "")
	t.Setenv("PROVIDER_TIMEOUT", "45s")
	t.Setenv("POLICY_TIMEOUT", "garbage")
	t.Setenv("PROVIDER_ENDPOINTS", "OpenAI=https://api.openai.test, anthropic=https://api.anthropic.test,broken")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, DefaultPolicyTimeout, cfg.PolicyTimeout)
	assert.Equal(t, map[string]string{
		"openai":    "https://api.openai.test",
		"anthropic": "https://api.anthropic.test",
	}, cfg.ProviderEndpoints)
}

func TestLoad_InvalidThreshold(t *testing.T) {
	t.Setenv("SETTLEMENT_BACKEND", "")
	t.Setenv("ENV", "")
	t.Setenv("HARD_CEILING", "-5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HARD_CEILING")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid memory", func(*Config) {}, ""},
		{"secondary above hard", func(c *Config) { c.SecondaryThreshold = "150" }, "SECONDARY_THRESHOLD"},
		{"anomaly multiple zero", func(c *Config) { c.AnomalyMultiple = 0 }, "ANOMALY_MULTIPLE"},
		{"unknown backend", func(c *Config) { c.SettlementBackend = "paypal" }, "unknown SETTLEMENT_BACKEND"},
		{"memory in production", func(c *Config) {
			c.Env = "production"
			c.ReceiptHMACSecret = "s"
		}, "not allowed in production"},
		{"stripe without key", func(c *Config) { c.SettlementBackend = SettlementStripe }, "STRIPE_SECRET_KEY"},
		{"stripe with key", func(c *Config) {
			c.SettlementBackend = SettlementStripe
			c.StripeSecretKey = "sk_test_123"
		}, ""},
		{"chain short key", func(c *Config) {
			c.SettlementBackend = SettlementChain
			c.PrivateKey = "abc"
		}, "64 hex characters"},
		{"chain missing payout", func(c *Config) {
			c.SettlementBackend = SettlementChain
			c.PrivateKey = "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
			c.RPCURL = DefaultRPCURL
		}, "PAYOUT_ADDRESS"},
		{"production needs receipt secret", func(c *Config) {
			c.Env = "production"
			c.SettlementBackend = SettlementStripe
			c.StripeSecretKey = "sk_live"
		}, "RECEIPT_HMAC_SECRET"},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }, "RATE_LIMIT_BURST"},
		{"wildcard cors in production", func(c *Config) {
			c.Env = "production"
			c.SettlementBackend = SettlementStripe
			c.StripeSecretKey = "sk_live"
			c.ReceiptHMACSecret = "s"
			c.CORSOrigins = []string{"https://app.example.com", "*"}
		}, "CORS_ORIGINS"},
		{"production needs operator keys", func(c *Config) {
			c.Env = "production"
			c.SettlementBackend = SettlementStripe
			c.StripeSecretKey = "sk_live"
			c.ReceiptHMACSecret = "s"
			c.CORSOrigins = []string{"https://app.example.com"}
		}, "ADMIN_API_KEYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

type staticResolver map[string][]string

func (r staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	return r[host], nil
}

func TestConfig_ValidateOutbound(t *testing.T) {
	r := staticResolver{
		"api.openai.test":  {"93.184.216.34"},
		"pricing.internal": {"10.0.0.12"},
	}

	cfg := validConfig()
	cfg.ProviderEndpoints = map[string]string{"openai": "https://api.openai.test"}
	require.NoError(t, cfg.ValidateOutbound(context.Background(), r))

	cfg.PricingURL = "https://pricing.internal"
	err := cfg.ValidateOutbound(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRICING_URL")
	assert.ErrorIs(t, err, security.ErrUnsafeEndpoint)
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b "))
	assert.Nil(t, parseList(""))
}
