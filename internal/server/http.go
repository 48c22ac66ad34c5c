package server

import (
	"CreditLedger/internal/auth"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/query"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// HTTPDeps holds what the HTTP API needs.
type HTTPDeps struct {
	Ledger  CommandService
	Queries *query.QueryService
	Auth    *auth.Service
	Health  *observability.HealthChecker
	Metrics *observability.Metrics

	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	Now      func() time.Time
}

// NewRouter builds the chi router for the public API.
func NewRouter(deps HTTPDeps) chi.Router {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	credit := NewCreditHandler(deps.Ledger, deps.Queries, deps.Logger)
	authHandler := NewAuthHandler(deps.Auth, deps.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(RequestMetrics(deps.Metrics))

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"status":    "ok",
				"timestamp": now().UTC().Format(time.RFC3339),
			})
		})

		r.Route("/auth", func(r chi.Router) {
			r.Post("/send-code", authHandler.SendCode)
			r.Post("/verify-code", authHandler.VerifyCode)
		})

		r.Route("/v1", func(r chi.Router) {
			r.Use(Authenticator(deps.Auth.Tokens(), deps.Logger))

			r.Post("/vault/initialize", credit.Initialize)
			r.Post("/deposit", credit.Deposit)
			r.Post("/withdraw", credit.Withdraw)
			r.Route("/credit", func(r chi.Router) {
				r.Get("/line", credit.CreditLine)
				r.Post("/use", credit.UseCredit)
				r.Post("/repay", credit.RepayCredit)
			})
			r.Get("/position", credit.Position)
			r.Get("/health-factor", credit.HealthFactor)
			r.Get("/activity", credit.Activity)
			r.Get("/journal", credit.Journal)
			r.Get("/stats", credit.Stats)
		})
	})
	return r
}

// HTTPServer serves the router until its context is canceled.
type HTTPServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

func NewHTTPServer(addr string, handler http.Handler, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Serve blocks until ctx is canceled or the listener fails.
func (s *HTTPServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis. After ctx is canceled it returns only once the
// in-flight requests have finished or the shutdown timeout expired.
func (s *HTTPServer) ServeListener(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown")
		}
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("http server listening")
	err := s.srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}
