// Package middleware provides HTTP middleware for the hub API.
package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kohakuhub/kohakuhub/pkg/api/handlers"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/metrics"
)

// Identify resolves the request's credentials into an identity and
// attaches it to the context. Requests without credentials proceed
// anonymously; requests presenting bad credentials are rejected here so
// handlers never see a half-authenticated identity.
func Identify(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := svc.Authenticate(r.Context(), r)
			if err != nil {
				handlers.WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin gates the admin API behind the deployment's admin token.
// The token arrives in X-Admin-Token and is compared hash-to-hash so the
// comparison is constant time regardless of length.
func RequireAdmin(enabled bool, secretToken string) func(http.Handler) http.Handler {
	secretHash := auth.HashToken(secretToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || secretToken == "" {
				handlers.WriteErrorCode(w, http.StatusServiceUnavailable, handlers.CodeServerError, "admin API disabled")
				return
			}
			presented := auth.HashToken(r.Header.Get("X-Admin-Token"))
			if !auth.SecureCompare(presented, secretHash) {
				handlers.WriteErrorCode(w, http.StatusUnauthorized, handlers.CodeUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Metrics records one observation per served request, labeled by the
// matched route pattern. Safe to install with a nil collector.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			m.ObserveHTTP(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}
