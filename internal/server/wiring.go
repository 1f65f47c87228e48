package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentspend/internal/adjudicator"
	"github.com/mbd888/agentspend/internal/audit"
	"github.com/mbd888/agentspend/internal/budget"
	"github.com/mbd888/agentspend/internal/config"
	"github.com/mbd888/agentspend/internal/policy"
	"github.com/mbd888/agentspend/internal/pricing"
	"github.com/mbd888/agentspend/internal/provider"
	"github.com/mbd888/agentspend/internal/receipts"
	"github.com/mbd888/agentspend/internal/risk"
	"github.com/mbd888/agentspend/internal/settlement"
)

const (
	policyCacheTTL = 30 * time.Second
	pricingFeedTTL = 5 * time.Minute
)

// policyBackend is a policy store that can also assemble snapshots.
type policyBackend interface {
	policy.Store
	policy.SnapshotSource
}

// stores are the persistence backends, all Postgres or all in-memory.
type stores struct {
	policies policyBackend
	ledger   budget.Store
	activity risk.Store
	audit    audit.Sink
	receipts receipts.Store
	pruner   activityPruner // in-memory activity only
}

func newStores(db *sql.DB) stores {
	if db != nil {
		return stores{
			policies: policy.NewPostgresStore(db),
			ledger:   budget.NewPostgresStore(db),
			activity: risk.NewPostgresStore(db),
			audit:    audit.NewPostgresSink(db),
			receipts: receipts.NewPostgresStore(db),
		}
	}
	activity := risk.NewMemoryStore()
	return stores{
		policies: policy.NewMemoryStore(),
		ledger:   budget.NewMemoryStore(),
		activity: activity,
		audit:    audit.NewMemorySink(),
		receipts: receipts.NewMemoryStore(),
		pruner:   activity,
	}
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// seedPolicies loads POLICY_FILE when set. Without one, the built-in
// policies are written only if the store has no system layer yet, so a
// restart never overwrites policies edited through the API.
func seedPolicies(ctx context.Context, cfg *config.Config, store policy.Store) (string, error) {
	if cfg.PolicyFile != "" {
		f, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return "", err
		}
		return cfg.PolicyFile, policy.Seed(ctx, store, f)
	}
	_, err := store.GetSystem(ctx)
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, policy.ErrPolicyNotFound):
		return "built-in", policy.Seed(ctx, store, policy.DefaultFile())
	default:
		return "", fmt.Errorf("read system policy: %w", err)
	}
}

func newRateSource(cfg *config.Config) (pricing.RateSource, string, error) {
	switch {
	case cfg.PricingURL != "":
		return pricing.NewHTTPSource(cfg.PricingURL, pricingFeedTTL), cfg.PricingURL, nil
	case cfg.PricingFile != "":
		t, err := pricing.LoadRateTable(cfg.PricingFile)
		if err != nil {
			return nil, "", err
		}
		return pricing.NewTableSource(t), cfg.PricingFile, nil
	default:
		return pricing.NewTableSource(pricing.DefaultRateTable()), "built-in", nil
	}
}

// newSettlement returns the configured gateway and, for backends holding a
// connection, a close func.
func newSettlement(cfg *config.Config) (settlement.Gateway, func() error, error) {
	switch cfg.SettlementBackend {
	case config.SettlementStripe:
		return settlement.NewStripeGateway(cfg.StripeSecretKey), nil, nil
	case config.SettlementChain:
		g, err := settlement.NewChainGateway(settlement.ChainConfig{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			USDCContract:  cfg.USDCContract,
			PayoutAddress: cfg.PayoutAddress,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create chain settlement: %w", err)
		}
		return g, g.Close, nil
	default:
		return settlement.NewMemoryGateway(), nil, nil
	}
}

func newProvider(cfg *config.Config) (provider.Gateway, error) {
	if len(cfg.ProviderEndpoints) > 0 {
		return provider.NewHTTPGateway(cfg.ProviderEndpoints, cfg.ProviderTimeout), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("PROVIDER_ENDPOINTS is required in production")
	}
	return provider.NewStub(), nil
}

func newPanel(cfg *config.Config) *adjudicator.Panel {
	return &adjudicator.Panel{
		Router: adjudicator.Router{
			MicroCeiling:  cfg.MicroCeiling,
			FastRiskLimit: adjudicator.DefaultFastRiskLimit,
		},
		Fast: &adjudicator.Fast{
			MaxCost: cfg.FastMaxCost,
			MaxRisk: adjudicator.DefaultFastMaxRisk,
		},
		Comprehensive: &adjudicator.Comprehensive{
			SecondaryThreshold: cfg.SecondaryThreshold,
			HardCeiling:        cfg.HardCeiling,
			MaxViolations:      adjudicator.DefaultMaxViolations,
		},
	}
}

// limitsFunc resolves the ceilings in force for a budget key from the
// policy snapshot, the same way the pipeline does.
func limitsFunc(src policy.SnapshotSource) budget.LimitsFunc {
	return func(ctx context.Context, key budget.Key) (budget.Limits, error) {
		snap, err := src.Snapshot(ctx, key.UserID, key.ProjectID)
		if err != nil {
			return budget.Limits{}, err
		}
		c := snap.Limits()
		return budget.Limits{PerRequest: c.PerRequest, Daily: c.Daily, Monthly: c.Monthly}, nil
	}
}
