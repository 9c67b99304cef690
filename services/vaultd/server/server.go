package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	nativecommon "cruize/native/common"
	"cruize/native/vault"
	"cruize/observability"
	"cruize/services/vaultd/middleware"
)

// Route groups used for rate limiting.
const (
	GroupRead  = "read"
	GroupWrite = "write"
	GroupAdmin = "admin"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	ListenAddress string
	Engine        *vault.Engine
	Pauses        *nativecommon.Pauses
	Auth          *middleware.Authenticator
	Limiter       *middleware.RateLimiter
	Hub           *StreamHub
	Metrics       *observability.VaultMetrics
	Logger        *slog.Logger
	// Ready reports dependency health on /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server exposes the vault over HTTP.
type Server struct {
	cfg     Config
	engine  *vault.Engine
	logger  *slog.Logger
	metrics *observability.VaultMetrics
	router  http.Handler
}

// New constructs a configured router.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: engine required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server: authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = middleware.NewRateLimiter(nil, cfg.Logger)
	}
	if cfg.Hub == nil {
		cfg.Hub = NewStreamHub(cfg.Logger, 0)
	}
	if cfg.Pauses == nil {
		cfg.Pauses = nativecommon.NewPauses()
	}
	srv := &Server{cfg: cfg, engine: cfg.Engine, logger: cfg.Logger, metrics: cfg.Metrics}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Observe(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	auth := s.cfg.Auth
	limit := s.cfg.Limiter
	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(limit.Middleware(GroupRead))
			read.Get("/reserves", s.ListReserves)
			read.Get("/reserves/{asset}", s.GetReserve)
			read.Get("/reserves/{asset}/positions/{holder}", s.GetPosition)
			read.Get("/custody/{asset}/{holder}", s.GetCustody)
			read.Get("/tokens/{token}/balances/{holder}", s.GetTokenBalance)
			read.Handle("/events", s.cfg.Hub)
		})
		v1.Group(func(write chi.Router) {
			write.Use(auth.Middleware(middleware.ScopeUser))
			write.Use(limit.Middleware(GroupWrite))
			write.Post("/deposits", s.Deposit)
			write.Post("/withdrawals", s.Withdraw)
			write.Post("/tokens/{token}/transfer", s.Transfer)
			write.Post("/tokens/{token}/approve", s.Approve)
			write.Post("/tokens/{token}/transfer-from", s.TransferFrom)
		})
		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(auth.Middleware(middleware.ScopeAdmin))
			admin.Use(limit.Middleware(GroupAdmin))
			admin.Post("/reserves", s.CreateReserve)
			admin.Post("/reserves/{asset}/floor", s.SetPriceFloor)
			admin.Post("/fees", s.PayFee)
			admin.Post("/fees/accrue", s.AccrueFee)
			admin.Post("/borrow", s.Borrow)
			admin.Post("/repay", s.Repay)
			admin.Post("/credit", s.Credit)
			admin.Post("/pause", s.Pause)
			admin.Get("/market", s.MarketData)
		})
	})

	return otelhttp.NewHandler(r, "vaultd.http",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}))
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok"}
	cfg, err := s.engine.Config()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	status["initialized"] = cfg.Initialized
	status["paused"] = s.cfg.Pauses.IsPaused(vault.ModuleName)
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			status["status"] = "degraded"
			status["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// observe records the outcome of an engine call.
func (s *Server) observe(operation string, start time.Time, err error) {
	s.metrics.Observe(operation, time.Since(start), err)
	if err != nil {
		s.logger.Info("vault operation rejected",
			slog.String("operation", operation),
			slog.String("reason", vault.Reason(err)),
			slog.Any("error", err))
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}
