// Package server wires the Resolv HTTP API: dispute resolution endpoints,
// arbitration admin surface, settlement delivery, webhooks, and the
// realtime stream, behind shared auth, rate limiting, and observability
// middleware.
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
	_ "github.com/lib/pq"

	"github.com/resolvhq/resolv/internal/auth"
	"github.com/resolvhq/resolv/internal/config"
	"github.com/resolvhq/resolv/internal/dispute"
	"github.com/resolvhq/resolv/internal/feepay"
	"github.com/resolvhq/resolv/internal/health"
	"github.com/resolvhq/resolv/internal/idgen"
	"github.com/resolvhq/resolv/internal/logging"
	"github.com/resolvhq/resolv/internal/metrics"
	"github.com/resolvhq/resolv/internal/notify"
	"github.com/resolvhq/resolv/internal/orders"
	"github.com/resolvhq/resolv/internal/ratelimit"
	"github.com/resolvhq/resolv/internal/realtime"
	"github.com/resolvhq/resolv/internal/security"
	"github.com/resolvhq/resolv/internal/settlement"
	"github.com/resolvhq/resolv/internal/validation"
)

// Server is the Resolv API server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB

	authMgr      *auth.Manager
	disputes     *dispute.Service
	disputeTimer *dispute.Timer
	outbox       *settlement.Outbox
	dispatcher   *settlement.Dispatcher
	notifier     *notify.Dispatcher
	notifyStore  notify.Store
	hub          *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool

	// Injectable for tests.
	orderService dispute.OrderService
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithOrderService injects the marketplace order lookup used when opening
// disputes. Tests use this to avoid network calls.
func WithOrderService(svc dispute.OrderService) Option {
	return func(s *Server) {
		s.orderService = svc
	}
}

// New creates a server with all services wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		format := "text"
		if cfg.IsProduction() {
			format = "json"
		}
		s.logger = logging.New(cfg.LogLevel, format)
	}

	ctx := context.Background()

	var (
		disputeStore      dispute.Store
		settlementStore   settlement.Store
		subscriptionStore notify.Store
		authStore         auth.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		s.db = db
		s.logger.Info("connected to database", "dsn", maskDSN(cfg.DatabaseURL))

		disputeStore = dispute.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		subscriptionStore = notify.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)

		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		disputeStore = dispute.NewMemoryStore()
		settlementStore = settlement.NewMemoryStore()
		subscriptionStore = notify.NewMemoryStore()
		authStore = auth.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)

	// Order lookups come from the marketplace API in production. Without a
	// configured endpoint the server runs against a local static catalog,
	// which is enough for demos and tests.
	if s.orderService == nil {
		if cfg.OrdersAPIURL != "" {
			s.orderService = orders.NewClient(cfg.OrdersAPIURL, cfg.OrdersAPIKey, cfg.ArbitrationFee)
			s.logger.Info("order lookups enabled", "endpoint", cfg.OrdersAPIURL)
		} else {
			s.orderService = orders.NewStaticService(cfg.ArbitrationFee)
			s.logger.Info("order lookups running against static catalog")
		}
	}

	// Settlement instructions are written to an outbox on closure and
	// delivered by a background dispatcher. Without an endpoint they queue
	// up and can be inspected via the admin API.
	s.outbox = settlement.NewOutbox(settlementStore)
	if cfg.SettlementURL != "" {
		s.dispatcher = settlement.NewDispatcher(settlementStore, cfg.SettlementURL, cfg.SettlementSecret, s.logger)
		s.logger.Info("settlement delivery enabled", "endpoint", cfg.SettlementURL)
	} else {
		s.logger.Warn("SETTLEMENT_URL not set, instructions will queue undelivered")
	}

	s.notifyStore = subscriptionStore
	s.notifier = notify.NewDispatcher(subscriptionStore)
	s.hub = realtime.NewHub(s.logger)

	windows := dispute.Windows{
		Response:    cfg.ResponseWindow,
		Negotiation: cfg.NegotiationWindow,
	}
	s.disputes = dispute.NewService(disputeStore, s.orderService, s.outbox, windows, s.logger).
		WithEvents(realtime.MultiEmitter{
			notify.NewEmitter(s.notifier, s.logger),
			realtime.NewEmitter(s.hub),
			&metricsEmitter{},
		})

	if cfg.StripeSecretKey != "" {
		s.disputes = s.disputes.WithFeeVerifier(feepay.NewStripeVerifier(cfg.StripeSecretKey))
		s.logger.Info("arbitration fee verification enabled")
	} else {
		s.disputes = s.disputes.WithFeeVerifier(feepay.NewDemoVerifier())
		s.logger.Warn("STRIPE_SECRET_KEY not set, fee payments accepted unverified")
	}

	s.disputeTimer = dispute.NewTimer(s.disputes, disputeStore, cfg.SweepInterval, s.logger)

	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}
	s.checks.Register("deadline_sweep", func(ctx context.Context) health.Status {
		return health.Status{Healthy: s.disputeTimer.Running()}
	})
	if s.dispatcher != nil {
		s.checks.Register("settlement_dispatcher", func(ctx context.Context) health.Status {
			return health.Status{Healthy: s.dispatcher.Running()}
		})
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor a request ID from the load balancer if present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	// Validate ID-shaped URL params on all v1 routes (no-op when absent).
	v1.Use(validation.IDParamMiddleware("id", "partyId", "keyId", "webhookId"))

	authHandler := auth.NewHandler(s.authMgr)
	disputeHandler := dispute.NewHandler(s.disputes)
	settlementHandler := settlement.NewHandler(s.outbox, s.disputes)
	webhookHandler := notify.NewHandler(s.notifyStore)

	// PUBLIC ROUTES: party registration and auth info.
	authHandler.RegisterPublicRoutes(v1)

	// PROTECTED ROUTES: everything touching a dispute requires an API key.
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		disputeHandler.RegisterProtectedRoutes(protected)
		settlementHandler.RegisterProtectedRoutes(protected)
		webhookHandler.RegisterProtectedRoutes(protected)
		authHandler.RegisterProtectedRoutes(protected.Group("/auth"))

		// WebSocket stream, bound to the authenticated party. Events for a
		// dispute only reach its two parties regardless of what the client
		// subscribes to.
		protected.GET("/ws", func(c *gin.Context) {
			s.hub.HandleWebSocket(c.Writer, c.Request, auth.GetAuthenticatedParty(c))
		})
	}

	// ADMIN ROUTES: arbitration surface, gated on the shared admin secret.
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		disputeHandler.RegisterAdminRoutes(admin)
		settlementHandler.RegisterAdminRoutes(admin)
	}
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	allHealthy, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Resolv",
		"description": "Order dispute resolution and arbitration for the marketplace",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.disputeTimer.Start(runCtx)

	if s.dispatcher != nil {
		go s.dispatcher.Start(runCtx)
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

	// Cancel the context for all background goroutines (hub, timer, dispatcher)
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

	if s.disputeTimer != nil {
		s.disputeTimer.Stop()
		s.logger.Info("deadline sweep stopped")
	}

	if s.dispatcher != nil {
		s.dispatcher.Stop()
		s.logger.Info("settlement dispatcher stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

// metricsEmitter translates dispute events into Prometheus counters. It runs
// in the same fan-out as the webhook and realtime emitters.
type metricsEmitter struct{}

func (e *metricsEmitter) EmitDisputeEvent(event string, d *dispute.Dispute) {
	if d == nil {
		return
	}

	switch event {
	case dispute.EventOpened:
		metrics.DisputesOpenedTotal.Inc()
	case dispute.EventFeePaid:
		metrics.ArbitrationFeePaymentsTotal.Inc()
	case dispute.EventSettled:
		metrics.DisputesClosedTotal.WithLabelValues("settled").Inc()
		e.observeDuration(d)
	case dispute.EventDecided:
		metrics.DisputesClosedTotal.WithLabelValues("decided").Inc()
		e.observeDuration(d)
	}

	switch event {
	case dispute.EventOpened, dispute.EventResponded, dispute.EventResponseElapsed,
		dispute.EventEscalated, dispute.EventSettled, dispute.EventDecided:
		metrics.DisputeTransitionsTotal.WithLabelValues(string(d.Status), event).Inc()
	}
}

func (e *metricsEmitter) observeDuration(d *dispute.Dispute) {
	if d.ClosedAt == nil {
		return
	}
	metrics.DisputeDuration.Observe(d.ClosedAt.Sub(d.CreatedAt).Seconds())
}
