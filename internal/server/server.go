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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/trustwork/escrowd/internal/asset"
	"github.com/trustwork/escrowd/internal/config"
	"github.com/trustwork/escrowd/internal/escrow"
	"github.com/trustwork/escrowd/internal/health"
	"github.com/trustwork/escrowd/internal/idgen"
	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/metrics"
	"github.com/trustwork/escrowd/internal/ratelimit"
	"github.com/trustwork/escrowd/internal/realtime"
	"github.com/trustwork/escrowd/internal/security"
	"github.com/trustwork/escrowd/internal/signing"
	"github.com/trustwork/escrowd/internal/traces"
	"github.com/trustwork/escrowd/internal/validation"
	"github.com/trustwork/escrowd/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        escrow.Store
	engine       *escrow.Engine
	escrowTimer  *escrow.Timer
	gateway      escrow.Ledger
	signer       escrow.Signer
	webhookStore webhooks.Store
	dispatcher   *webhooks.Dispatcher
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	traceStop    func(context.Context) error

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

// WithLedger sets a custom ledger gateway (for testing)
func WithLedger(l escrow.Ledger) Option {
	return func(s *Server) {
		s.gateway = l
	}
}

// WithSigner sets a custom signing collaborator (for testing)
func WithSigner(sg escrow.Signer) Option {
	return func(s *Server) {
		s.signer = sg
	}
}

// WithStore sets a custom contract store (for testing)
func WithStore(st escrow.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set collaborators/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		if s.store == nil {
			s.store = escrow.NewPostgresStore(db)
		}
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		if s.store == nil {
			s.store = escrow.NewMemoryStore()
		}
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
	}

	// Ledger gateway
	if s.gateway == nil {
		gw, err := ledger.New(ledger.Config{
			RPCURL:        cfg.RPCURL,
			ChainID:       cfg.ChainID,
			VaultContract: cfg.VaultContract,
			SenderAddress: cfg.PlatformAddress,
		}, ledger.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger gateway: %w", err)
		}
		s.gateway = gw
	}

	// Signing collaborator
	if s.signer == nil {
		var (
			sg  *signing.LocalSigner
			err error
		)
		if cfg.SignerKey != "" {
			sg, err = signing.New(cfg.SignerKey, cfg.ChainID, nil)
		} else {
			sg, err = signing.NewEphemeral(cfg.ChainID)
			if err == nil {
				s.logger.Warn("SIGNER_KEY not set, using ephemeral dev key", "address", sg.Address())
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create signer: %w", err)
		}
		s.signer = sg
	}

	// Notification layer
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore)
	s.realtimeHub = realtime.NewHub(s.logger)
	emitter := escrow.MultiEmitter(
		webhooks.NewEmitter(s.dispatcher, s.logger),
		s.realtimeHub,
		metricsEmitter(),
	)

	// Engine
	s.engine = escrow.NewEngine(s.store, s.gateway, s.signer,
		escrow.WithLogger(s.logger),
		escrow.WithEmitter(emitter),
		escrow.WithNetwork(cfg.Network),
		escrow.WithDefaultAsset(asset.Asset{
			Code:     cfg.AssetCode,
			Issuer:   cfg.AssetIssuer,
			Decimals: cfg.AssetDecimals,
		}),
		escrow.WithPlatformAccount(cfg.PlatformAddress, cfg.PlatformFeeBps),
		escrow.WithSettlementTimeout(cfg.SettlementTimeout),
		escrow.WithCompletionProof(cfg.RequireCompletionProof),
	)

	// Background maintenance: expired contracts and stale in-flight claims.
	// Stale means at least two settlement windows old, so a live operation
	// is never reconciled out from under its caller.
	s.escrowTimer = escrow.NewTimer(s.engine, s.store, s.logger, time.Minute, 2*cfg.SettlementTimeout)

	// Router
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
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// metricsEmitter maps domain events onto Prometheus counters.
func metricsEmitter() escrow.Emitter {
	return escrow.EmitterFunc(func(ctx context.Context, event *escrow.Event) {
		switch event.Type {
		case escrow.EventEscrowInitialized:
			metrics.ContractsTotal.WithLabelValues("initialized").Inc()
		case escrow.EventEscrowFunded:
			metrics.ContractsTotal.WithLabelValues("active").Inc()
		case escrow.EventEscrowCompleted:
			metrics.ContractsTotal.WithLabelValues("completed").Inc()
		case escrow.EventEscrowCancelled:
			metrics.ContractsTotal.WithLabelValues("cancelled").Inc()
		case escrow.EventFundsReleased:
			metrics.MilestonesReleasedTotal.Inc()
		case escrow.EventDisputeRaised:
			metrics.DisputesTotal.WithLabelValues("raised").Inc()
		case escrow.EventDisputeResolved:
			metrics.DisputesTotal.WithLabelValues("resolved").Inc()
		}
	})
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for dev - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
	// Health and observability
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API v1
	v1 := s.router.Group("/v1")
	escrow.NewHandler(s.engine).RegisterRoutes(v1)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(v1)

	// Realtime
	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status     string          `json:"status"`
	Version    string          `json:"version"`
	Network    string          `json:"network"`
	Storage    string          `json:"storage"`
	Subsystems []health.Status `json:"subsystems,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(code, HealthResponse{
		Status:     status,
		Version:    "0.1.0",
		Network:    s.cfg.Network,
		Storage:    storage,
		Subsystems: statuses,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
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

	// Tracing
	traceStop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.traceStop = traceStop
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * s.cfg.SettlementTimeout,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.Network,
			"chain_id", s.cfg.ChainID,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start escrow maintenance timer
	s.escrowTimer.Start()

	// Sample DB pool stats
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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop escrow maintenance timer
	s.escrowTimer.Stop()
	s.logger.Info("escrow timer stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close ledger gateway connection
	if gw, ok := s.gateway.(*ledger.Gateway); ok {
		_ = gw.Close()
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
