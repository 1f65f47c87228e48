// Package config handles application configuration from environment variables
package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/agentspend/internal/security"
	"github.com/mbd888/agentspend/internal/usdc"
)

// Settlement backends
const (
	SettlementMemory = "memory"
	SettlementStripe = "stripe"
	SettlementChain  = "chain"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, in-memory stores if not set)
	DatabaseURL string

	// Observability
	OTLPEndpoint string

	// Catalogs
	PricingFile string // YAML rate table
	PolicyFile  string // YAML seed policies for the in-memory store
	PricingURL  string // remote pricing oracle, overrides PricingFile when set

	// Decision thresholds (decimal dollar strings)
	MicroCeiling       string
	FastMaxCost        string
	SecondaryThreshold string
	HardCeiling        string
	AnomalyMultiple    int64
	BaselineWindowDays int64

	// Stage timeouts
	PolicyTimeout     time.Duration
	ContextTimeout    time.Duration
	PricingTimeout    time.Duration
	SettlementTimeout time.Duration
	ProviderTimeout   time.Duration

	// Settlement
	SettlementBackend string
	StripeSecretKey   string

	// On-chain settlement
	RPCURL        string
	ChainID       int64
	PrivateKey    string // hex, with or without 0x
	USDCContract  string
	PayoutAddress string

	// Provider gateway: provider name -> base URL
	ProviderEndpoints map[string]string

	// Receipts
	ReceiptHMACSecret string

	// HTTP edge
	CORSOrigins        []string
	AdminAPIKeys       []string
	RateLimitPerMinute int64
	RateLimitBurst     int64

	// Duplicate detection window for in-flight request IDs
	GuardTTL time.Duration
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultMicroCeiling       = "1.00"
	DefaultFastMaxCost        = "0.05"
	DefaultSecondaryThreshold = "50.00"
	DefaultHardCeiling        = "100.00"
	DefaultAnomalyMultiple    = 3
	DefaultBaselineWindowDays = 30
	DefaultRPCURL             = "https://sepolia.base.org"
	DefaultChainID            = 84532                                        // Base Sepolia
	DefaultUSDCContract       = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC

	DefaultPolicyTimeout     = 2 * time.Second
	DefaultContextTimeout    = 2 * time.Second
	DefaultPricingTimeout    = 2 * time.Second
	DefaultSettlementTimeout = 10 * time.Second
	DefaultProviderTimeout   = 30 * time.Second
	DefaultGuardTTL          = 10 * time.Minute

	DefaultRateLimitPerMinute = 600
	DefaultRateLimitBurst     = 50
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PricingFile:        os.Getenv("PRICING_FILE"),
		PolicyFile:         os.Getenv("POLICY_FILE"),
		PricingURL:         os.Getenv("PRICING_URL"),
		MicroCeiling:       getEnv("MICRO_CEILING", DefaultMicroCeiling),
		FastMaxCost:        getEnv("FAST_MAX_COST", DefaultFastMaxCost),
		SecondaryThreshold: getEnv("SECONDARY_THRESHOLD", DefaultSecondaryThreshold),
		HardCeiling:        getEnv("HARD_CEILING", DefaultHardCeiling),
		AnomalyMultiple:    getEnvInt64("ANOMALY_MULTIPLE", DefaultAnomalyMultiple),
		BaselineWindowDays: getEnvInt64("BASELINE_WINDOW_DAYS", DefaultBaselineWindowDays),
		PolicyTimeout:      getEnvDuration("POLICY_TIMEOUT", DefaultPolicyTimeout),
		ContextTimeout:     getEnvDuration("CONTEXT_TIMEOUT", DefaultContextTimeout),
		PricingTimeout:     getEnvDuration("PRICING_TIMEOUT", DefaultPricingTimeout),
		SettlementTimeout:  getEnvDuration("SETTLEMENT_TIMEOUT", DefaultSettlementTimeout),
		ProviderTimeout:    getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		SettlementBackend:  getEnv("SETTLEMENT_BACKEND", SettlementMemory),
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:         os.Getenv("PRIVATE_KEY"),
		USDCContract:       getEnv("USDC_CONTRACT", DefaultUSDCContract),
		PayoutAddress:      os.Getenv("PAYOUT_ADDRESS"),
		ProviderEndpoints:  parseEndpoints(os.Getenv("PROVIDER_ENDPOINTS")),
		ReceiptHMACSecret:  os.Getenv("RECEIPT_HMAC_SECRET"),
		CORSOrigins:        parseList(getEnv("CORS_ORIGINS", "*")),
		AdminAPIKeys:       parseList(os.Getenv("ADMIN_API_KEYS")),
		RateLimitPerMinute: getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute),
		RateLimitBurst:     getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		GuardTTL:           getEnvDuration("DUPLICATE_WINDOW", DefaultGuardTTL),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"MICRO_CEILING":       c.MicroCeiling,
		"FAST_MAX_COST":       c.FastMaxCost,
		"SECONDARY_THRESHOLD": c.SecondaryThreshold,
		"HARD_CEILING":        c.HardCeiling,
	} {
		if _, ok := usdc.Parse(v); !ok {
			return fmt.Errorf("%s must be a non-negative decimal amount, got %q", name, v)
		}
	}
	if usdc.Cmp(c.SecondaryThreshold, c.HardCeiling) > 0 {
		return fmt.Errorf("SECONDARY_THRESHOLD must not exceed HARD_CEILING")
	}
	if c.AnomalyMultiple < 1 {
		return fmt.Errorf("ANOMALY_MULTIPLE must be at least 1")
	}
	if c.BaselineWindowDays < 1 {
		return fmt.Errorf("BASELINE_WINDOW_DAYS must be at least 1")
	}

	switch c.SettlementBackend {
	case SettlementMemory:
		if c.IsProduction() {
			return fmt.Errorf("SETTLEMENT_BACKEND=memory is not allowed in production")
		}
	case SettlementStripe:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for stripe settlement")
		}
	case SettlementChain:
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required for chain settlement")
		}
		if c.PayoutAddress == "" {
			return fmt.Errorf("PAYOUT_ADDRESS is required for chain settlement")
		}
	default:
		return fmt.Errorf("unknown SETTLEMENT_BACKEND %q", c.SettlementBackend)
	}

	if c.RateLimitPerMinute < 1 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be at least 1")
	}
	if c.IsProduction() && c.ReceiptHMACSecret == "" {
		return fmt.Errorf("RECEIPT_HMAC_SECRET is required in production")
	}
	if c.IsProduction() && slices.Contains(c.CORSOrigins, "*") {
		return fmt.Errorf("CORS_ORIGINS must list explicit origins in production")
	}
	if c.IsProduction() && len(c.AdminAPIKeys) == 0 {
		return fmt.Errorf("ADMIN_API_KEYS is required in production")
	}
	return nil
}

// OutboundURLs returns every configured URL the server calls out to.
func (c *Config) OutboundURLs() map[string]string {
	out := make(map[string]string, len(c.ProviderEndpoints)+1)
	for name, u := range c.ProviderEndpoints {
		out["PROVIDER_ENDPOINTS["+name+"]"] = u
	}
	if c.PricingURL != "" {
		out["PRICING_URL"] = c.PricingURL
	}
	return out
}

// ValidateOutbound rejects outbound URLs that point at internal addresses.
// It resolves hostnames, so it runs at startup rather than in Validate.
func (c *Config) ValidateOutbound(ctx context.Context, r security.Resolver) error {
	for name, u := range c.OutboundURLs() {
		if err := security.ValidateEndpointURL(ctx, u, r); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func parseList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseEndpoints parses "openai=https://a,anthropic=https://b".
func parseEndpoints(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || url == "" {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(url)
	}
	return out
}
