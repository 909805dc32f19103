package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shardproxy/shardproxy/pkg/security"
)

type contextKey string

const (
	contextKeyUsername contextKey = "username"
	contextKeyRoles    contextKey = "roles"
	contextKeyClaims   contextKey = "claims"
)

// corsMiddleware allows any origin to reach the admin API; it's meant to sit
// behind a reverse proxy or VPN, not to be exposed directly to end users.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// authMiddleware extracts and validates a Bearer JWT, injecting the
// authenticated username/roles/claims into the request context for
// downstream handlers to call authorize against.
func authMiddleware(auth *security.AuthManager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			claims, err := auth.ValidateToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUsername, claims.Username)
			ctx = context.WithValue(ctx, contextKeyRoles, claims.Roles)
			ctx = context.WithValue(ctx, contextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authorize checks the request's validated claims (set by authMiddleware)
// against the resource/action pair via the AuthManager's RBAC.
func authorize(r *http.Request, auth *security.AuthManager, resource, action string) bool {
	claims, ok := r.Context().Value(contextKeyClaims).(*security.Claims)
	if !ok {
		return false
	}
	return auth.Authorize(claims, resource, action)
}
