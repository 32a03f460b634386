package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

// TokenFromRequest extracts a bearer token or API key header.
func TokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("bearer "):])
	}
	for _, key := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			return value
		}
	}
	return ""
}

// RequireScope wraps an HTTP handler with operator authentication. When auth
// is disabled the request passes through.
func RequireScope(service *Service, scope string, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !service.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := TokenFromRequest(r)
		if token == "" {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		client, err := service.Authenticate(token)
		if err != nil {
			if logger != nil {
				logger.Warn("http auth failed", "path", r.URL.Path, "error", err)
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if client.Role != rbac.RoleOperator || (scope != "" && !client.HasScope(scope)) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), client)))
	})
}
