// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/agentspend/internal/accounts"
	"github.com/mbd888/agentspend/internal/audit"
	"github.com/mbd888/agentspend/internal/auth"
	"github.com/mbd888/agentspend/internal/budget"
	"github.com/mbd888/agentspend/internal/config"
	"github.com/mbd888/agentspend/internal/decision"
	"github.com/mbd888/agentspend/internal/health"
	"github.com/mbd888/agentspend/internal/logging"
	"github.com/mbd888/agentspend/internal/metrics"
	"github.com/mbd888/agentspend/internal/policy"
	"github.com/mbd888/agentspend/internal/pricing"
	"github.com/mbd888/agentspend/internal/provider"
	"github.com/mbd888/agentspend/internal/ratelimit"
	"github.com/mbd888/agentspend/internal/receipts"
	"github.com/mbd888/agentspend/internal/review"
	"github.com/mbd888/agentspend/internal/risk"
	"github.com/mbd888/agentspend/internal/security"
	"github.com/mbd888/agentspend/internal/settlement"
	"github.com/mbd888/agentspend/internal/traces"
	"github.com/mbd888/agentspend/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	engine      *decision.Engine
	policies    *policy.CachedSource
	accounts    *accounts.MemoryProvider
	settlement  settlement.Gateway
	provider    provider.Gateway
	reviewHub   *review.Hub
	health      *health.Registry
	maintenance *Maintenance
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

	closers       []namedCloser
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

type namedCloser struct {
	name  string
	close func() error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithSettlement replaces the configured settlement backend (for testing)
func WithSettlement(g settlement.Gateway) Option {
	return func(s *Server) {
		s.settlement = g
	}
}

// WithProvider replaces the configured provider gateway (for testing)
func WithProvider(g provider.Gateway) Option {
	return func(s *Server) {
		s.provider = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if cfg.IsProduction() {
		if err := cfg.ValidateOutbound(ctx, nil); err != nil {
			return nil, fmt.Errorf("invalid outbound endpoint: %w", err)
		}
	}

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	st := newStores(s.db)

	// Policies
	seeded, err := seedPolicies(ctx, cfg, st.policies)
	if err != nil {
		return nil, fmt.Errorf("failed to seed policies: %w", err)
	}
	if seeded != "" {
		s.logger.Info("policies seeded", "source", seeded)
	}
	s.policies = policy.NewCachedSource(st.policies, policyCacheTTL)

	// Pricing
	rates, rateSource, err := newRateSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing: %w", err)
	}
	s.logger.Info("pricing configured", "source", rateSource)
	oracle := pricing.NewOracle(rates, cfg.PricingTimeout, cfg.AnomalyMultiple)

	// Settlement
	if s.settlement == nil {
		g, closeFn, err := newSettlement(cfg)
		if err != nil {
			return nil, err
		}
		s.settlement = g
		if closeFn != nil {
			s.closers = append(s.closers, namedCloser{"settlement", closeFn})
		}
	}
	s.logger.Info("settlement configured", "backend", cfg.SettlementBackend)

	// Provider
	if s.provider == nil {
		g, err := newProvider(cfg)
		if err != nil {
			return nil, err
		}
		if _, stub := g.(*provider.Stub); stub {
			s.logger.Warn("no PROVIDER_ENDPOINTS configured, provider calls are simulated")
		}
		s.provider = g
	}

	// Account context and risk baselines
	baseliner := risk.NewBaseliner(st.activity, int(cfg.BaselineWindowDays))
	var accountOpts []accounts.Option
	if cfg.IsDevelopment() {
		accountOpts = append(accountOpts, accounts.WithAutoProvision())
	}
	s.accounts = accounts.NewMemoryProvider(baseliner, accountOpts...)

	// Review queue with live announcements
	s.reviewHub = review.NewHub(s.logger)
	reviews := review.NewFanout(review.NewMemoryQueue(), s.reviewHub, s.logger)

	chain := audit.NewChain(st.audit, audit.WithLogger(s.logger))
	ledger := budget.NewLedger(st.ledger, s.logger)
	receiptSvc := receipts.NewService(st.receipts, receipts.NewSigner(cfg.ReceiptHMACSecret))

	ecfg := decision.DefaultConfig()
	ecfg.Timeouts = decision.Timeouts{
		Policy:     cfg.PolicyTimeout,
		Context:    cfg.ContextTimeout,
		Pricing:    cfg.PricingTimeout,
		Ledger:     decision.DefaultTimeouts.Ledger,
		Review:     decision.DefaultTimeouts.Review,
		Settlement: cfg.SettlementTimeout,
		Provider:   cfg.ProviderTimeout,
	}
	if cfg.GuardTTL > 0 {
		ecfg.GuardTTL = cfg.GuardTTL
	}
	s.engine = decision.NewEngine(decision.Deps{
		Policies:    s.policies,
		Accounts:    s.accounts,
		Pricing:     oracle,
		Budget:      ledger,
		Risk:        risk.NewEngine(risk.Weights{}),
		Adjudicator: newPanel(cfg),
		Audit:       chain,
		Settlement:  s.settlement,
		Provider:    s.provider,
		Review:      reviews,
		Receipts:    receiptSvc,
		Recorder:    s.accounts,
		Logger:      s.logger,
	}, ecfg)

	s.maintenance = NewMaintenance(s.engine, s.policies, st.pruner,
		time.Duration(cfg.BaselineWindowDays)*24*time.Hour, s.logger)

	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", s.db.PingContext)
	}
	s.registerPinger("ledger", st.ledger)
	s.registerPinger("audit", st.audit)
	s.registerPinger("receipts", st.receipts)

	// Router
	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes(handlers{
		decisions: decision.NewHandler(s.engine, chain),
		receipts:  receipts.NewHandler(receiptSvc),
		budgets:   budget.NewHandler(ledger, limitsFunc(s.policies)),
		reviews:   review.NewHandler(reviews, s.reviewHub),
		policies:  policy.NewHandler(st.policies, s.policies.Invalidate),
		accounts:  accounts.NewHandler(s.accounts),
		operators: auth.NewManager(cfg.AdminAPIKeys),
	})

	s.healthy.Store(true)
	return s, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) registerPinger(name string, v any) {
	if p, ok := v.(pinger); ok {
		s.health.Register(name, p.Ping)
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: int(s.cfg.RateLimitPerMinute),
		BurstSize:         int(s.cfg.RateLimitBurst),
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware(ratelimit.ByUser))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

type handlers struct {
	decisions *decision.Handler
	receipts  *receipts.Handler
	budgets   *budget.Handler
	reviews   *review.Handler
	policies  *policy.Handler
	accounts  *accounts.Handler
	operators *auth.Manager
}

func (s *Server) setupRoutes(h handlers) {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	h.decisions.RegisterRoutes(v1)
	h.receipts.RegisterRoutes(v1)
	h.budgets.RegisterRoutes(v1)

	if h.operators.Open() {
		s.logger.Warn("ADMIN_API_KEYS not set, operator routes are unauthenticated")
	}
	ops := v1.Group("", auth.RequireOperator(h.operators))
	h.reviews.RegisterRoutes(ops)
	h.policies.RegisterRoutes(ops)
	h.accounts.RegisterRoutes(ops)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// a decision can wait on settlement and then the provider
		WriteTimeout: s.cfg.SettlementTimeout + s.cfg.ProviderTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"settlement", s.cfg.SettlementBackend,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reviewHub.Run(runCtx)
	go s.maintenance.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// In-flight decisions finish before background work stops.
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.maintenance.Stop()
	s.rateLimiter.Stop()

	for _, c := range s.closers {
		if err := c.close(); err != nil {
			s.logger.Error("close error", "component", c.name, "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Accounts returns the account provider, for seeding accounts outside
// development.
func (s *Server) Accounts() *accounts.MemoryProvider {
	return s.accounts
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
