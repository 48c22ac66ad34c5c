package server

import (
	"CreditLedger/internal/auth"
	"CreditLedger/internal/credit"
	"CreditLedger/internal/observability"
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity stores the authenticated caller in ctx.
func WithIdentity(ctx context.Context, identity credit.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the caller set by Authenticator.
func IdentityFromContext(ctx context.Context) (credit.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(credit.Identity)
	return identity, ok && identity != ""
}

// Authenticator requires a valid "Bearer <token>" Authorization header and
// puts the token subject into the request context.
func Authenticator(tokens *auth.TokenManager, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			scheme, token, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
				writeError(w, http.StatusUnauthorized, "malformed authorization header")
				return
			}

			identity, err := tokens.Parse(token)
			if err != nil {
				logger.Debug().Err(err).Msg("rejected token")
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := logger.Info()
			if status >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// RequestMetrics records count and latency labelled by the chi route
// pattern, so path parameters do not explode cardinality.
func RequestMetrics(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.RequestsTotal.WithLabelValues("http", route, strconv.Itoa(status)).Inc()
			metrics.RequestDuration.WithLabelValues("http", route).Observe(time.Since(start).Seconds())
		})
	}
}
