// Package server wires the escrow engine together and runs its HTTP surface.
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
	"github.com/tesseralabs/tessera/internal/auth"
	"github.com/tesseralabs/tessera/internal/config"
	"github.com/tesseralabs/tessera/internal/escrow"
	"github.com/tesseralabs/tessera/internal/health"
	"github.com/tesseralabs/tessera/internal/idgen"
	"github.com/tesseralabs/tessera/internal/logging"
	"github.com/tesseralabs/tessera/internal/metrics"
	"github.com/tesseralabs/tessera/internal/notify"
	"github.com/tesseralabs/tessera/internal/purchase"
	"github.com/tesseralabs/tessera/internal/settlement"
	"github.com/tesseralabs/tessera/internal/traces"
	"github.com/tesseralabs/tessera/internal/validation"
)

// Bridge is the chain surface the server needs: payout submission for the
// settlement worker, payment verification for purchases, and treasury
// introspection for health and info endpoints.
type Bridge interface {
	settlement.Bridge
	VerifyPayment(ctx context.Context, payerAddr, minAmount, txHash string) (bool, error)
	TreasuryAddress() string
	TreasuryBalance(ctx context.Context) (string, error)
	Close() error
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg *config.Config

	db           *sql.DB // nil if using in-memory
	escrowStore  escrow.Store
	intentStore  settlement.Store
	directory    settlement.Directory
	bridge       Bridge
	escrows      *escrow.Service
	purchases    *purchase.Service
	settlements  *settlement.Service
	sweeper      *escrow.Sweeper
	worker       *settlement.Worker
	checks       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	shutdownOTel func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBridge sets a custom chain bridge (for testing).
func WithBridge(b Bridge) Option {
	return func(s *Server) {
		s.bridge = b
	}
}

// WithDirectory sets a custom wallet directory (for testing/demo seeding).
func WithDirectory(d settlement.Directory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set bridge/logger/directory)
	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	var purchaseStore purchase.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.escrowStore = escrow.NewPostgresStore(db)
		s.intentStore = settlement.NewPostgresStore(db)
		purchaseStore = purchase.NewPostgresStore(db)
		if s.directory == nil {
			s.directory = settlement.NewPostgresDirectory(db)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.escrowStore = escrow.NewMemoryStore()
		s.intentStore = settlement.NewMemoryStore()
		purchaseStore = purchase.NewMemoryStore()
		if s.directory == nil {
			s.directory = settlement.NewMemoryDirectory(nil)
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain bridge if not injected.
	if s.bridge == nil {
		b, err := settlement.NewChainBridge(settlement.ChainConfig{
			RPCURL:        cfg.RPCURL,
			TreasuryKey:   cfg.TreasuryKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain bridge: %w", err)
		}
		s.bridge = b
	}
	s.checks.Register("chain", func(ctx context.Context) health.Status {
		if _, err := s.bridge.TreasuryBalance(ctx); err != nil {
			return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "chain", Healthy: true}
	})

	// Settlement intake + worker.
	s.settlements = settlement.NewService(s.intentStore)
	s.worker = settlement.NewWorker(s.intentStore, s.bridge, s.directory, s.escrowStore, settlement.WorkerConfig{
		Interval:      cfg.WorkerInterval,
		SubmitTimeout: cfg.SettleTimeout,
		MaxAttempts:   cfg.SettleMaxAttempts,
	}, s.logger)

	// Escrow engine.
	s.escrows = escrow.NewService(s.escrowStore, s.settlements, escrow.ServicePolicy{
		FeePercent:        cfg.EscrowFeePercent,
		AutoReleaseWindow: cfg.AutoReleaseWindow,
		DeliveredWindow:   cfg.DeliveredWindow,
		MaxDisputeReason:  cfg.MaxDisputeReason,
	}, s.logger).
		WithNotifier(notify.NewEmitter(s.logger)).
		WithValidators(escrow.NewValidatorPool(cfg.Validators))
	s.sweeper = escrow.NewSweeper(s.escrows, s.escrowStore, cfg.SweepInterval, s.logger)
	if len(cfg.Validators) == 0 {
		s.logger.Warn("no validators configured, disputes will wait unassigned")
	}

	// Purchases feed the escrow engine.
	s.purchases = purchase.NewService(purchaseStore, s.escrows, s.bridge, s.directory, s.logger)

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

// maskDSN hides the password in a connection string for logging.
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
			"success": false,
			"message": "an unexpected error occurred",
			"data":    nil,
		})
	}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Gateway-forwarded identity
	s.router.Use(auth.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.RequestID()
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

	// API info
	s.router.GET("/api", s.infoHandler)
	s.router.GET("/treasury", s.treasuryHandler)

	// Marketplace API group; every route requires a forwarded principal.
	marketplace := s.router.Group("/marketplace")
	marketplace.Use(auth.RequireIdentity())

	purchase.NewHandler(s.purchases).RegisterRoutes(marketplace)
	escrow.NewHandler(s.escrows).RegisterRoutes(marketplace)

	// Settlement visibility for a party's escrow.
	marketplace.GET("/escrows/:id/settlements/", s.listSettlements)
}

// listSettlements handles GET /marketplace/escrows/:id/settlements/
func (s *Server) listSettlements(c *gin.Context) {
	ident, _ := auth.FromContext(c)

	e, err := s.escrows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"success": false, "message": err.Error(), "data": nil})
		return
	}
	if ident.UserID != e.BuyerID && ident.UserID != e.SellerID &&
		ident.Role != auth.RoleValidator && ident.Role != auth.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "not a party to this escrow", "data": nil})
		return
	}

	intents, err := s.settlements.ListByEscrow(c.Request.Context(), e.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error(), "data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "",
		"data":    gin.H{"settlements": intents, "count": len(intents)},
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Tessera",
		"description": "Purchase escrow and settlement engine for the dataset marketplace",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
	})
}

// treasuryHandler returns the settlement treasury address and balance.
func (s *Server) treasuryHandler(c *gin.Context) {
	ctx := c.Request.Context()

	balance, err := s.bridge.TreasuryBalance(ctx)
	if err != nil {
		logging.L(ctx).Error("failed to get treasury balance", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "failed to retrieve treasury balance",
			"data":    nil,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "",
		"data": gin.H{
			"address":  s.bridge.TreasuryAddress(),
			"balance":  balance,
			"chainId":  s.cfg.ChainID,
			"contract": s.cfg.TokenContract,
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownOTel, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownOTel = shutdownOTel
	}

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
			"treasury", s.bridge.TreasuryAddress(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start auto-release sweeper
	go s.sweeper.Start(runCtx)

	// Start settlement worker
	go s.worker.Start(runCtx)

	// Start runtime metric collection
	go metrics.CollectRuntime(runCtx, s.db, 15*time.Second)

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (sweeper, worker)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

	s.worker.Stop()
	s.logger.Info("settlement worker stopped")

	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if err := s.bridge.Close(); err != nil {
		s.logger.Error("bridge close error", "error", err)
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
