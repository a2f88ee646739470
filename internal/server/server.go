// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"encoding/json"
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
	"github.com/mbd888/toolpay/internal/chain"
	"github.com/mbd888/toolpay/internal/config"
	"github.com/mbd888/toolpay/internal/execution"
	"github.com/mbd888/toolpay/internal/health"
	"github.com/mbd888/toolpay/internal/idgen"
	"github.com/mbd888/toolpay/internal/ledger"
	"github.com/mbd888/toolpay/internal/logging"
	"github.com/mbd888/toolpay/internal/metrics"
	"github.com/mbd888/toolpay/internal/paygate"
	"github.com/mbd888/toolpay/internal/realtime"
	"github.com/mbd888/toolpay/internal/settlement"
	"github.com/mbd888/toolpay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	chains       *chain.Registry
	ledger       *ledger.Ledger
	records      execution.Store
	settleStore  settlement.Store
	engine       *settlement.Engine
	gate         *paygate.Gate
	invoker      paygate.Invoker
	hub          *realtime.Hub
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
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

// WithChainRegistry injects a pre-built gateway registry (for testing)
func WithChainRegistry(r *chain.Registry) Option {
	return func(s *Server) {
		s.chains = r
	}
}

// WithInvoker sets the tool invoker the payment gate dispatches to.
// Defaults to a local echo invoker when not set.
func WithInvoker(inv paygate.Invoker) Option {
	return func(s *Server) {
		s.invoker = inv
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set chains/invoker/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.ledger = ledger.New(ledger.NewPostgresStore(db), s.logger)
		s.records = execution.NewPostgresStore(db)
		s.settleStore = settlement.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.ledger = ledger.New(ledger.NewMemoryStore(), s.logger)
		s.records = execution.NewMemoryStore()
		s.settleStore = settlement.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Build gateways for every configured chain if none were injected
	if s.chains == nil {
		var gateways []chain.Gateway
		for _, cc := range cfg.Chains {
			gw, err := chain.NewEVM(chain.EVMConfig{
				Name:           cc.Name,
				RPCURL:         cc.RPCURL,
				PrivateKey:     cfg.PrivateKey,
				ChainID:        cc.ChainID,
				AssetContract:  cc.USDCContract,
				EscrowContract: cc.EscrowContract,
			})
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", cc.Name, err)
			}
			gateways = append(gateways, gw)
			s.logger.Info("chain gateway configured",
				"chain", cc.Name,
				"escrow", gw.EscrowAddress(),
				"asset", gw.AssetContract(),
			)
		}
		s.chains = chain.NewRegistry(gateways...)
	}

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)

	// Settlement engine: one worker per chain, events flow to the hub
	s.engine = settlement.NewEngine(settlement.WorkerConfig{
		Interval:       cfg.SettleInterval,
		Threshold:      cfg.SettleThreshold,
		BatchLimit:     cfg.SettleBatchLimit,
		Attempts:       cfg.SettleAttempts,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, s.chains, s.ledger, s.records, s.settleStore, &hubPublisher{s.hub}, s.logger)

	// Payment gate in front of tool invocation
	if s.invoker == nil {
		s.invoker = echoInvoker()
	}
	s.gate = paygate.NewGate(paygate.Config{
		DefaultPrice:   cfg.DefaultPrice,
		DefaultChain:   cfg.DefaultChain,
		ChallengeTTL:   cfg.ChallengeTTL,
		ConfirmTimeout: cfg.ConfirmTimeout,
		OnAdmit:        s.engine.Kick,
		OnRecordCreated: func(rec *execution.Record) {
			s.hub.BroadcastSettlement(realtime.EventRecordCreated, map[string]interface{}{
				"record_id":    rec.ID,
				"agent":        rec.AgentAddr,
				"counterparty": rec.CounterpartyAddr,
				"tool_id":      rec.ToolID,
				"cost":         rec.Cost,
				"chain":        rec.Chain,
			})
		},
	}, s.ledger, s.records, s.chains, s.invoker, s.logger)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.DatabaseChecker(s.db))
	}
	for _, name := range s.chains.Names() {
		if w, ok := s.engine.Worker(name); ok {
			s.checks.Register("settlement:"+name, health.WorkerChecker(name, w.Running))
		}
	}

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

// echoInvoker is the development tool backend. It acknowledges the call and
// echoes the payload back, which is enough to exercise the full payment path.
func echoInvoker() paygate.Invoker {
	return paygate.InvokerFunc(func(ctx context.Context, toolID string, payload []byte) ([]byte, error) {
		out := map[string]interface{}{
			"tool_id": toolID,
			"echo":    json.RawMessage(payload),
		}
		if len(payload) == 0 {
			out["echo"] = nil
		}
		return json.Marshal(out)
	})
}

// hubPublisher forwards settlement lifecycle events to websocket clients.
type hubPublisher struct {
	hub *realtime.Hub
}

func (p *hubPublisher) Publish(ev settlement.Event) {
	eventType := realtime.EventBatchConfirmed
	if ev.Type == "batch_failed" {
		eventType = realtime.EventBatchFailed
	}
	p.hub.BroadcastSettlement(eventType, map[string]interface{}{
		"batch_id":   ev.BatchID,
		"chain":      ev.Chain,
		"tx_hash":    ev.TxHash,
		"amount":     ev.Amount,
		"record_ids": ev.RecordIDs,
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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
			requestID = idgen.Hex(16)
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
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time settlement events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	// Paid tool invocation (the x402 gate)
	paygate.NewHandler(s.gate).RegisterRoutes(v1)

	// Balances and ledger history
	ledger.NewHandler(s.ledger, s.cfg.DefaultChain).RegisterRoutes(v1)

	// Execution records
	execution.NewHandlers(s.records).RegisterRoutes(v1)

	// Settlement batches
	settlement.NewHandlers(s.settleStore).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
	escrows := make(map[string]string)
	for _, name := range s.chains.Names() {
		if gw, err := s.chains.Get(name); err == nil {
			escrows[name] = gw.EscrowAddress()
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "toolpay",
		"description": "Per-use payment settlement for agent tool calls",
		"version":     "0.1.0",
		"currency":    "USDC",
		"chains":      s.chains.Names(),
		"escrow":      escrows,
	})
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chains", s.chains.Names(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start settlement workers (resume interrupted submissions first)
	s.engine.Start(runCtx)

	// Collect DB pool stats for prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// Shutdown gracefully stops the server. HTTP drains first so no new records
// arrive, then the settlement workers finish their in-flight runs.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}

	// Drain settlement workers: in-flight batch completes, triggers stop
	s.engine.Stop()
	s.logger.Info("settlement engine stopped")

	// Cancel the context for remaining background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Close chain RPC connections
	if err := s.chains.Close(); err != nil {
		s.logger.Error("chain close error", "error", err)
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

// Gate returns the payment gate for testing
func (s *Server) Gate() *paygate.Gate {
	return s.gate
}
