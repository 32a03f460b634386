package auth

import (
	"testing"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

func TestServiceStaticTokens(t *testing.T) {
	service := NewService(Config{Tokens: []TokenConfig{
		{Token: "abc123", ID: "ops", Scopes: []string{rbac.ScopeAdmin}},
		{Token: "node-token", Role: "node", NodeID: "builder"},
	}})
	if !service.Enabled() {
		t.Fatal("expected auth enabled")
	}

	client, err := service.Authenticate("abc123")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if client.ID != "ops" || client.Role != rbac.RoleOperator || !client.HasScope(rbac.ScopeApprovals) {
		t.Fatalf("client = %+v", client)
	}

	node, err := service.Authenticate(" node-token ")
	if err != nil {
		t.Fatalf("Authenticate(node) error = %v", err)
	}
	if node.Role != rbac.RoleNode || node.NodeID != "builder" || node.ID == "" {
		t.Fatalf("node = %+v", node)
	}

	if _, err := service.Authenticate("wrong"); err != ErrInvalidToken {
		t.Errorf("wrong token error = %v", err)
	}
}

func TestServiceJWTAndDisabled(t *testing.T) {
	service := NewService(Config{JWTSecret: "secret", TokenExpiry: time.Hour})
	token, err := service.GenerateJWT(rbac.Client{ID: "ops", Role: rbac.RoleOperator, Scopes: []string{rbac.ScopeRead}})
	if err != nil {
		t.Fatal(err)
	}
	client, err := service.Authenticate(token)
	if err != nil || client.ID != "ops" {
		t.Fatalf("Authenticate() = %+v, %v", client, err)
	}

	disabled := NewService(Config{AnonymousScopes: []string{rbac.ScopeRead}})
	if disabled.Enabled() {
		t.Fatal("expected auth disabled")
	}
	if _, err := disabled.Authenticate("x"); err != ErrAuthDisabled {
		t.Errorf("disabled Authenticate() error = %v", err)
	}
	anon := disabled.Anonymous("conn-1")
	if anon.Role != rbac.RoleOperator || !anon.HasScope(rbac.ScopeRead) || anon.HasScope(rbac.ScopeWrite) {
		t.Errorf("anonymous = %+v", anon)
	}
}
