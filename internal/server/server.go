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

	"github.com/mbd888/defirisk/internal/analyzer"
	"github.com/mbd888/defirisk/internal/config"
	"github.com/mbd888/defirisk/internal/health"
	"github.com/mbd888/defirisk/internal/incidents"
	"github.com/mbd888/defirisk/internal/logging"
	"github.com/mbd888/defirisk/internal/metrics"
	"github.com/mbd888/defirisk/internal/protocol"
	"github.com/mbd888/defirisk/internal/ratelimit"
	"github.com/mbd888/defirisk/internal/retry"
	"github.com/mbd888/defirisk/internal/risk"
	"github.com/mbd888/defirisk/internal/security"
	"github.com/mbd888/defirisk/internal/traces"
	"github.com/mbd888/defirisk/internal/upstream"
	"github.com/mbd888/defirisk/internal/validation"
)

// Version is reported by /health; set by ldflags in cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	analyzer     *analyzer.Service
	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory history
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
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

// WithAnalyzer sets the assessment service (for testing)
func WithAnalyzer(a *analyzer.Service) Option {
	return func(s *Server) {
		s.analyzer = a
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	if s.analyzer == nil {
		store, err := s.openStore()
		if err != nil {
			return nil, err
		}
		svc, err := s.buildAnalyzer(store)
		if err != nil {
			return nil, err
		}
		s.analyzer = svc
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStore returns PostgreSQL history if DATABASE_URL is set, otherwise
// in-memory history.
func (s *Server) openStore() (risk.Store, error) {
	if s.cfg.DatabaseURL == "" {
		s.logger.Info("using in-memory assessment history (data will not persist)")
		return risk.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.checks.Register("database", health.Ping("database", db.PingContext))
	s.logger.Info("using PostgreSQL assessment history", "url", maskDSN(s.cfg.DatabaseURL))
	return risk.NewPostgresStore(db), nil
}

// buildAnalyzer wires both upstream sources, their caches and the assessor.
func (s *Server) buildAnalyzer(store risk.Store) (*analyzer.Service, error) {
	cfg := s.cfg
	policy := retry.Policy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   retry.DefaultPolicy.BaseDelay,
		MaxDelay:    retry.DefaultPolicy.MaxDelay,
	}

	llama := upstream.New(upstream.Config{
		Source:           "defillama",
		Timeout:          cfg.HTTPTimeout,
		RPS:              cfg.UpstreamRPS,
		Retry:            policy,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}, s.logger)
	protocols := protocol.NewClient(cfg.DefiLlamaBaseURL, llama, cfg.DataCacheTTL, s.logger)

	rekt := upstream.New(upstream.Config{
		Source:           "incident_feed",
		Timeout:          cfg.HTTPTimeout,
		Retry:            policy,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}, s.logger)
	feedClient, err := incidents.NewFeedClient(cfg.IncidentFeedURL, rekt, s.logger)
	if err != nil {
		return nil, fmt.Errorf("incident feed: %w", err)
	}
	correlator := incidents.NewCorrelator(incidents.WithMinPartialLen(cfg.MinPartialMatchLen))
	feed := incidents.NewCachedFeed(feedClient, cfg.IncidentCacheTTL, correlator, s.logger)

	// Only the primary source gates readiness; the feed degrades silently.
	s.checks.Register(llama.Source(), health.Breaker(llama.Source(), llama.Breaker(), llama.Source()))

	s.logger.Info("upstream sources configured",
		"defillama", cfg.DefiLlamaBaseURL,
		"incident_feed", cfg.IncidentFeedURL,
		"data_ttl", cfg.DataCacheTTL.String(),
		"incident_ttl", cfg.IncidentCacheTTL.String(),
	)
	return analyzer.New(protocols, feed, risk.NewAssessor(), store, s.logger), nil
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
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   ratelimit.DefaultConfig().CleanupInterval,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	{
		protocols := v1.Group("/protocols/:name", validation.ProtocolParamMiddleware())
		protocols.GET("/risk", s.analyzeHandler)
		protocols.GET("/incidents", s.incidentsHandler)
		protocols.GET("/history", s.historyHandler)

		v1.POST("/compare", s.compareHandler)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing, continuing without", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// A cold comparison can wait on several upstream round trips.
		WriteTimeout: 2*s.cfg.HTTPTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
