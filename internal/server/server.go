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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/promptsettle/internal/auth"
	"github.com/mbd888/promptsettle/internal/circuitbreaker"
	"github.com/mbd888/promptsettle/internal/config"
	"github.com/mbd888/promptsettle/internal/credits"
	"github.com/mbd888/promptsettle/internal/events"
	"github.com/mbd888/promptsettle/internal/health"
	"github.com/mbd888/promptsettle/internal/items"
	"github.com/mbd888/promptsettle/internal/logging"
	"github.com/mbd888/promptsettle/internal/metrics"
	"github.com/mbd888/promptsettle/internal/notify"
	"github.com/mbd888/promptsettle/internal/payments"
	"github.com/mbd888/promptsettle/internal/purchases"
	"github.com/mbd888/promptsettle/internal/ratelimit"
	"github.com/mbd888/promptsettle/internal/refunds"
	"github.com/mbd888/promptsettle/internal/security"
	"github.com/mbd888/promptsettle/internal/settlement"
	"github.com/mbd888/promptsettle/internal/swaps"
	"github.com/mbd888/promptsettle/internal/validation"
	"github.com/mbd888/promptsettle/migrations"
)

// Version is stamped at build time with -ldflags.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil when REDIS_URL is unset
	refunder    refunds.Refunder
	health      *health.Registry
	verifier    *auth.Verifier
	settlement  *settlement.Handler
	swaps       *swaps.Handler
	refunds     *refunds.Handler
	credits     *credits.Handler
	sweepTimer  *swaps.Timer
	rateLimiter *ratelimit.TokenBucket
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration
	seed        func(ctx context.Context, catalog items.Store) error

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithRefunder replaces the processor refund client (for testing)
func WithRefunder(r refunds.Refunder) Option {
	return func(s *Server) {
		s.refunder = r
	}
}

// WithRedis uses an existing Redis client instead of dialing REDIS_URL
func WithRedis(client *redis.Client) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// WithCatalogSeed runs fn against the item catalog once it is built. Items
// are owned by the marketplace service; in-memory deployments and tests use
// this to load them.
func WithCatalogSeed(fn func(ctx context.Context, catalog items.Store) error) Option {
	return func(s *Server) {
		s.seed = fn
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// stores groups one backend's implementations of every store.
type stores struct {
	events    events.Store
	purchases purchases.Store
	credits   credits.Store
	items     items.Store
	swaps     swaps.Store
	refunds   refunds.Store
	notifier  notify.Notifier
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		catalog := items.NewPostgresStore(db)
		st = stores{
			events:    events.NewPostgresStore(db),
			purchases: purchases.NewPostgresStore(db),
			credits:   credits.NewPostgresStore(db),
			items:     catalog,
			swaps:     swaps.NewPostgresStore(db, catalog),
			refunds:   refunds.NewPostgresStore(db),
			notifier:  notify.NewPostgresOutbox(db),
		}
		s.health.Register("database", health.Database(db))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		catalog := items.NewMemoryStore()
		st = stores{
			events:    events.NewMemoryStore(),
			purchases: purchases.NewMemoryStore(),
			credits:   credits.NewMemoryStore(),
			items:     catalog,
			swaps:     swaps.NewMemoryStore(catalog),
			refunds:   refunds.NewMemoryStore(),
			notifier:  notify.NewLogNotifier(s.logger),
		}
	}

	if s.seed != nil {
		if err := s.seed(ctx, st.items); err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to seed catalog: %w", err)
		}
	}

	// Redis backs the shared rate limiter and the sweeper lock
	if s.redis == nil && cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}
	if s.redis != nil {
		s.rateLimiter = ratelimit.NewTokenBucket(s.redis, ratelimit.Config{
			Rate:  cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		})
		s.health.Register("redis", health.Redis(s.redis))
		s.logger.Info("redis rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		s.logger.Warn("REDIS_URL not set, rate limiting disabled")
	}

	// Payment processor refunds
	if s.refunder == nil {
		if cfg.StripeSecretKey != "" {
			s.refunder = payments.NewGuardedRefunder(
				payments.NewStripeRefunder(cfg.StripeSecretKey, nil, s.logger),
				circuitbreaker.New(5, 30*time.Second),
			)
		} else {
			s.logger.Warn("STRIPE_SECRET_KEY not set, refund initiation disabled")
			s.refunder = payments.UnconfiguredRefunder{}
		}
	}

	// Settlement core
	attempts := cfg.CASMaxAttempts
	ledger := credits.NewLedger(st.credits, s.logger).WithMaxAttempts(attempts)
	machine := purchases.NewMachine(st.purchases, s.logger).WithMaxAttempts(attempts)
	reconciler := refunds.NewReconciler(machine, st.refunds, ledger, st.notifier, s.logger).WithMaxAttempts(attempts)
	processor := settlement.NewProcessor(events.NewLedger(st.events), machine, st.items, ledger, reconciler, s.logger)
	purchaser := settlement.NewPurchaser(machine, st.purchases, st.items, ledger, s.logger).WithMaxAttempts(attempts)
	initiator := refunds.NewInitiator(st.purchases, st.refunds, s.refunder, s.logger)

	swapService := swaps.NewService(st.swaps, st.items, st.notifier, s.logger)
	sweeper := swaps.NewSweeper(swapService, st.swaps, s.logger)
	if cfg.SwapSweepSchedule != "" {
		var locker swaps.Locker
		if s.redis != nil {
			locker = ratelimit.NewLocker(s.redis)
		}
		s.sweepTimer = swaps.NewTimer(sweeper, locker, cfg.SwapSweepSchedule, cfg.SwapMaxAgeDays, s.logger)
	}

	s.verifier = auth.NewVerifier(cfg.JWTSecret)
	s.settlement = settlement.NewHandler(payments.NewVerifier(cfg.StripeWebhookSecret, s.logger), processor, purchaser, st.purchases)
	s.swaps = swaps.NewHandler(swapService, sweeper, cfg.SwapMaxAgeDays)
	s.refunds = refunds.NewHandler(initiator, st.refunds)
	s.credits = credits.NewHandler(ledger)

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

func (s *Server) closeStores() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	}
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID (load balancer, processor retries)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Processor webhooks authenticate by signature and are never rate
	// limited: a rejected delivery only comes back later.
	s.settlement.RegisterWebhookRoutes(v1)

	// User routes: bearer token first so the limiter keys by user
	user := v1.Group("")
	user.Use(auth.RequireUser(s.verifier))
	if s.rateLimiter != nil {
		user.Use(s.rateLimiter.Middleware(s.logger))
	}
	s.settlement.RegisterProtectedRoutes(user)
	s.swaps.RegisterProtectedRoutes(user)
	s.credits.RegisterProtectedRoutes(user)

	// Operator routes
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	s.refunds.RegisterAdminRoutes(admin)
	s.swaps.RegisterAdminRoutes(admin)
	s.credits.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy: " + st.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
	// Cancelled by Shutdown to stop background goroutines
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", Version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start swap expiry sweeper
	if s.sweepTimer != nil {
		go func() {
			if err := s.sweepTimer.Start(runCtx); err != nil {
				s.logger.Error("swap sweep timer failed", "error", err)
			}
		}()
	}

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

	// Stops the sweep timer and stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
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
