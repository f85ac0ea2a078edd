// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/circuitbreaker"
	"github.com/mbd888/bazaar/internal/config"
	"github.com/mbd888/bazaar/internal/disputes"
	"github.com/mbd888/bazaar/internal/health"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/lock"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/metrics"
	"github.com/mbd888/bazaar/internal/money"
	"github.com/mbd888/bazaar/internal/notify"
	"github.com/mbd888/bazaar/internal/orders"
	"github.com/mbd888/bazaar/internal/ratelimit"
	"github.com/mbd888/bazaar/internal/realtime"
	"github.com/mbd888/bazaar/internal/reconciliation"
	"github.com/mbd888/bazaar/internal/security"
	"github.com/mbd888/bazaar/internal/store"
	"github.com/mbd888/bazaar/internal/sweeper"
	"github.com/mbd888/bazaar/internal/traces"
	"github.com/mbd888/bazaar/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	store           store.Store
	locker          lock.Locker
	ledger          *ledger.Ledger
	orders          *orders.Service
	disputes        *disputes.Coordinator
	sweeper         *sweeper.Sweeper
	reconciler      *reconciliation.Service
	reconcileTimer  *reconciliation.Timer
	realtimeHub     *realtime.Hub
	dispatcher      *notify.Dispatcher
	tokens          *auth.TokenManager
	health          *health.Registry
	rateLimiter     *ratelimit.Limiter
	db              *sql.DB       // nil if using in-memory
	redis           *redis.Client // nil if using in-process locks
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore injects a store (for testing). It takes precedence over DATABASE_URL.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithLocker injects a lock service (for testing). It takes precedence over REDIS_URL.
func WithLocker(l lock.Locker) Option {
	return func(s *Server) {
		s.locker = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set store/locker/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			if err := db.PingContext(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			s.store = store.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = store.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Lock service and cache (Redis if REDIS_URL set, otherwise in-process)
	var purger notify.Purger
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		purger = notify.NewCachePurger(client).
			WithBreaker(circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration))
		if s.locker == nil {
			s.locker = lock.NewRedisLocker(client)
		}
		s.logger.Info("using Redis lock service", "url", maskDSN(cfg.RedisURL))
	}
	if s.locker == nil {
		s.locker = lock.NewMemoryLocker()
		s.logger.Info("using in-process locks (single instance only)")
	}

	// Realtime hub and side-effect dispatch
	s.realtimeHub = realtime.NewHub(s.logger)
	s.dispatcher = notify.NewDispatcher(s.logger,
		[]notify.Notifier{notify.NewLogNotifier(s.logger), s.realtimeHub},
		notify.WithPurger(purger),
	)

	// Ledger, orders, disputes
	s.ledger = ledger.New(s.store, s.locker,
		ledger.WithCurrency(cfg.Currency),
		ledger.WithLockTTL(cfg.LockTTL),
		ledger.WithDailyWithdrawalLimit(cfg.WithdrawalDailyLimit),
		ledger.WithLogger(s.logger),
	)
	s.orders = orders.NewService(s.store, s.ledger, s.locker,
		orders.WithCommissionRate(money.Rate(cfg.CommissionRate)),
		orders.WithStrikeLimit(cfg.StrikeLimit),
		orders.WithLockTTL(cfg.LockTTL),
		orders.WithPublisher(s.dispatcher),
		orders.WithLogger(s.logger),
	)
	s.disputes = disputes.NewCoordinator(s.store, s.ledger, s.locker,
		disputes.WithPublisher(s.dispatcher),
		disputes.WithLockTTL(cfg.LockTTL),
		disputes.WithLogger(s.logger),
	)
	s.sweeper = sweeper.New(s.store, s.orders, s.locker, s.logger,
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithThreshold(cfg.StallThreshold),
	)
	s.reconciler = reconciliation.NewService(s.store, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.logger.Info("escrow enabled",
		"commission_rate", cfg.CommissionRate,
		"strike_limit", cfg.StrikeLimit,
		"stall_threshold", cfg.StallThreshold,
	)

	// Identity
	secret := cfg.JWTSecret
	if secret == "" {
		secret = idgen.Hex(32)
		s.logger.Warn("JWT_SECRET not set, using an ephemeral signing secret")
	}
	s.tokens = auth.NewTokenManager(secret, 0)

	// Health checks
	s.health = health.NewRegistry()
	s.health.Register("store", health.Ping("store", s.store.Ping))
	if s.redis != nil {
		s.health.Register("redis", health.Redis(s.redis))
	}
	s.health.Register("sweeper", health.Loop("sweeper", s.sweeper.Running))
	s.health.Register("reconciliation", health.Loop("reconciliation", s.reconcileTimer.Running))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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
			"error":   "INTERNAL_ERROR",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// CORS (bearer tokens, no cookies, so any origin)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Identity (resolves the bearer token; routes decide whether it is required)
	s.router.Use(auth.Middleware(s.tokens))

	// Rate limiting, keyed by identity when present
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.Hex(16)
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

		// Log level based on status code
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	// Validate id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IDParamMiddleware("id", "userId"))

	// Payment gateway callbacks authenticate by signature, not bearer token
	if s.cfg.StripeWebhookSecret != "" {
		ledger.NewStripeWebhook(s.ledger, s.cfg.StripeWebhookSecret, s.logger).RegisterRoutes(v1)
	} else {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, deposit webhook disabled")
	}

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ordersHandler := orders.NewHandler(s.orders, s.logger)
	disputesHandler := disputes.NewHandler(s.disputes, s.logger)
	reconcileHandler := reconciliation.NewHandler(s.reconciler, s.logger)

	// AUTHENTICATED ROUTES (buyers, sellers, staff)
	authed := v1.Group("")
	authed.Use(auth.RequireAuth())
	{
		ledgerHandler.RegisterRoutes(authed)
		ordersHandler.RegisterRoutes(authed)
		disputesHandler.RegisterRoutes(authed)
		s.realtimeHub.RegisterRoutes(authed)
	}

	// STAFF ROUTES
	admin := v1.Group("")
	admin.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleSupport))
	{
		ledgerHandler.RegisterAdminRoutes(admin)
		disputesHandler.RegisterAdminRoutes(admin)
		reconcileHandler.RegisterAdminRoutes(admin)
		admin.PUT("/admin/products/:id", s.upsertProductHandler)
		admin.POST("/admin/sweeps", s.sweepHandler)
		admin.GET("/admin/realtime", s.realtimeStatsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

// ProductRequest is the catalog record accepted by the product upsert route.
type ProductRequest struct {
	SellerID string `json:"sellerId" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Price    int64  `json:"price"`
	Discount int64  `json:"discountPercent"`
	Stock    int64  `json:"stock"`
}

var errInvalidProduct = apperr.New(apperr.KindValidation, "INVALID_PRODUCT", "sellerId and name are required")

// upsertProductHandler handles PUT /v1/admin/products/:id. Catalog
// management proper lives outside this service; staff use this to seed and
// correct listings.
func (s *Server) upsertProductHandler(c *gin.Context) {
	var req ProductRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidID(req.SellerID) {
		apperr.Respond(c, errInvalidProduct)
		return
	}
	p := &store.Product{
		ID:              c.Param("id"),
		SellerID:        req.SellerID,
		Name:            validation.SanitizeString(req.Name, 200),
		Price:           req.Price,
		DiscountPercent: req.Discount,
		Stock:           req.Stock,
	}
	if err := p.Validate(); err != nil {
		apperr.Respond(c, err)
		return
	}
	if err := s.store.UpsertProduct(c.Request.Context(), p); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": p})
}

// sweepHandler handles POST /v1/admin/sweeps by running one sweep now.
func (s *Server) sweepHandler(c *gin.Context) {
	rep := s.sweeper.RunOnce(c.Request.Context())
	if rep.Locked {
		apperr.Respond(c, lock.ErrActionInProgress)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
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
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("sweeper and reconciliation stopped")

	// Cancel the context for background goroutines (hub, timers, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Let in-flight notifications and cache purges finish
	s.dispatcher.Wait()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
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

// Tokens returns the token manager (for issuing test and operator tokens).
func (s *Server) Tokens() *auth.TokenManager {
	return s.tokens
}
