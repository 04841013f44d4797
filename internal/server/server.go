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
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/vidgate/vidgate/internal/circuitbreaker"
	"github.com/vidgate/vidgate/internal/config"
	"github.com/vidgate/vidgate/internal/facilitator"
	"github.com/vidgate/vidgate/internal/health"
	"github.com/vidgate/vidgate/internal/logging"
	"github.com/vidgate/vidgate/internal/metrics"
	"github.com/vidgate/vidgate/internal/onchain"
	"github.com/vidgate/vidgate/internal/ratelimit"
	"github.com/vidgate/vidgate/internal/receipts"
	"github.com/vidgate/vidgate/internal/requirement"
	"github.com/vidgate/vidgate/internal/security"
	"github.com/vidgate/vidgate/internal/settle"
	"github.com/vidgate/vidgate/internal/stream"
	"github.com/vidgate/vidgate/internal/tabcache"
	"github.com/vidgate/vidgate/internal/validation"
)

// Settler runs one settlement attempt for a payment header.
type Settler interface {
	Settle(ctx context.Context, header string, offeredV1, offeredV2 []requirement.Requirement) error
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	facilitator *facilitator.Client
	settler     Settler
	resolver    *stream.Resolver
	receiptSvc  *receipts.Service
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	terms       requirement.Terms
	price       *big.Int
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc // cancels background goroutines started in Run

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

// WithSettler sets a custom settlement engine (for testing)
func WithSettler(settler Settler) Option {
	return func(s *Server) {
		s.settler = settler
	}
}

// WithResolver sets a custom segment resolver (for testing)
func WithResolver(r *stream.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		terms: requirement.Terms{
			Scheme:    cfg.Scheme,
			Network:   cfg.Network,
			NetworkV2: cfg.NetworkV2,
			PayTo:     cfg.PayTo,
			Asset:     cfg.Asset,
		},
	}

	// Apply options first (may set settler/resolver/logger)
	for _, opt := range opts {
		opt(s)
	}

	price, ok := new(big.Int).SetString(cfg.SegmentPrice, 10)
	if !ok {
		return nil, fmt.Errorf("invalid segment price: %s", cfg.SegmentPrice)
	}
	s.price = price

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var receiptStore receipts.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		pgStore := receipts.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate receipt store", "error", err)
		}
		receiptStore = pgStore
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		receiptStore = receipts.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}

	s.receiptSvc = receipts.NewService(receiptStore, receipts.NewSigner(cfg.ReceiptHMACSecret), s.logger)

	// Facilitator client with the shared tab cache
	if s.settler == nil {
		fc, err := facilitator.New(cfg.FacilitatorURL,
			facilitator.WithTabCache(tabcache.New(cfg.TabCacheCap)),
			facilitator.WithTimeout(30*time.Second),
			facilitator.WithBreaker(circuitbreaker.New(5, 30*time.Second)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create facilitator client: %w", err)
		}
		s.facilitator = fc

		// Retrying RPC reads is a boundary decision; the verifier itself
		// never retries unless asked.
		verifier, err := onchain.Dial(cfg.RPCURL, logging.Component(s.logger, "onchain"),
			onchain.WithRetry(3, 200*time.Millisecond))
		if err != nil {
			return nil, fmt.Errorf("failed to dial rpc: %w", err)
		}

		inspector, err := settle.NewHTTPInspector(cfg.FacilitatorURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create tab inspector: %w", err)
		}

		s.settler = settle.New(
			settle.Config{Scheme: cfg.Scheme, StrictNative: cfg.StrictNative},
			fc,
			verifier,
			logging.Component(s.logger, "settlement"),
			settle.WithRecorder(s.receiptSvc),
			settle.WithInspector(inspector),
		)
	}

	if s.resolver == nil {
		s.resolver = stream.NewResolver(cfg.FileDirectory)
	}

	// Health checks
	s.checks = health.NewRegistry()
	if s.facilitator != nil {
		fc := s.facilitator
		s.checks.Register("facilitator", health.Facilitator("facilitator", func(ctx context.Context) error {
			_, err := fc.Supported(ctx)
			return err
		}))
	}
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}

	s.healthy.Store(true)

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
			requestID = generateRequestID()
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

func (s *Server) setupRoutes() {
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/stream/:filename", validation.FilenameParamMiddleware(), s.streamHandler)
	s.router.POST("/tab", s.tabHandler)

	v1 := s.router.Group("/v1")
	receipts.NewHandler(s.receiptSvc).RegisterRoutes(v1)
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // segment downloads can be slow
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"file_directory", s.cfg.FileDirectory,
			"scheme", s.cfg.Scheme,
			"network", s.cfg.Network,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Sample DB pool stats into Prometheus
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

// Shutdown stops the server gracefully
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines
	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
