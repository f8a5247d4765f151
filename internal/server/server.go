// Package server exposes the trust-bond system over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/trustbond/internal/domain"
	"github.com/alanyoungcy/trustbond/internal/server/handler"
	"github.com/alanyoungcy/trustbond/internal/server/middleware"
	"github.com/alanyoungcy/trustbond/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIToken    string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Bonds    *handler.BondHandler
	Treasury *handler.TreasuryHandler
	Loans    *handler.LoanHandler
	Audit    *handler.AuditHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limiting, auth, logging, CORS) applied. limiter
// may be nil, which disables rate limiting regardless of cfg.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Bond lifecycle.
	mux.HandleFunc("POST /api/bonds", handlers.Bonds.CreateBond)
	mux.HandleFunc("POST /api/bonds/stake", handlers.Bonds.AddStake)
	mux.HandleFunc("POST /api/bonds/exit", handlers.Bonds.Exit)
	mux.HandleFunc("POST /api/bonds/defect", handlers.Bonds.Defect)
	mux.HandleFunc("POST /api/bonds/freeze", handlers.Bonds.Freeze)
	mux.HandleFunc("POST /api/bonds/claim-yield", handlers.Bonds.ClaimYield)
	mux.HandleFunc("GET /api/bonds/key", handlers.Bonds.GetBondKey)
	mux.HandleFunc("GET /api/bonds/{key}", handlers.Bonds.GetBond)
	mux.HandleFunc("GET /api/ledger/penalty-reserve", handlers.Bonds.GetPenaltyReserve)

	// Per-user views.
	mux.HandleFunc("GET /api/users/{addr}/bonds", handlers.Bonds.ListUserBonds)
	mux.HandleFunc("GET /api/users/{addr}/account", handlers.Bonds.GetAccount)
	mux.HandleFunc("GET /api/users/{addr}/score", handlers.Bonds.GetScore)
	mux.HandleFunc("GET /api/users/{addr}/raw-score", handlers.Bonds.GetRawScore)
	mux.HandleFunc("GET /api/users/{addr}/value", handlers.Bonds.GetUserValue)
	mux.HandleFunc("GET /api/users/{addr}/loans", handlers.Loans.ListUserLoans)
	mux.HandleFunc("GET /api/users/{addr}/loans/active", handlers.Loans.GetActiveLoan)
	mux.HandleFunc("GET /api/users/{addr}/max-borrowable", handlers.Loans.GetMaxBorrowable)

	// Treasury.
	mux.HandleFunc("POST /api/treasury/deposit", handlers.Treasury.Deposit)
	mux.HandleFunc("POST /api/treasury/withdraw", handlers.Treasury.Withdraw)
	mux.HandleFunc("GET /api/treasury/balance/{addr}", handlers.Treasury.GetBalance)

	// Loans and pool liquidity.
	mux.HandleFunc("POST /api/loans", handlers.Loans.Borrow)
	mux.HandleFunc("POST /api/loans/{id}/repay", handlers.Loans.Repay)
	mux.HandleFunc("POST /api/loans/{id}/liquidate", handlers.Loans.Liquidate)
	mux.HandleFunc("GET /api/loans/{id}", handlers.Loans.GetLoan)
	mux.HandleFunc("GET /api/pool/liquidity", handlers.Loans.GetLiquidity)
	mux.HandleFunc("POST /api/pool/deposit", handlers.Loans.PoolDeposit)
	mux.HandleFunc("POST /api/pool/withdraw", handlers.Loans.PoolWithdraw)

	// Audit log.
	mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIToken)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
