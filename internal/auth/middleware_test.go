package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

func TestRequireScope(t *testing.T) {
	service := NewService(Config{Tokens: []TokenConfig{
		{Token: "reader", Scopes: []string{rbac.ScopeRead}},
		{Token: "writer", Scopes: []string{rbac.ScopeWrite}},
		{Token: "node", Role: "node", NodeID: "n1"},
	}})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen rbac.Client
	handler := RequireScope(service, rbac.ScopeRead, logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClientFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"invalid", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"reader bearer", "Authorization", "Bearer reader", http.StatusOK},
		{"reader api key", "X-API-Key", "reader", http.StatusOK},
		{"wrong scope", "Authorization", "Bearer writer", http.StatusForbidden},
		{"node role", "Authorization", "Bearer node", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if !seen.HasScope(rbac.ScopeRead) {
		t.Errorf("client not attached to context: %+v", seen)
	}
}

func TestRequireScopeDisabled(t *testing.T) {
	handler := RequireScope(NewService(Config{}), rbac.ScopeRead, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
}
