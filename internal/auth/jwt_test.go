package auth

import (
	"slices"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour, "nexus-exec")
	token, err := service.Generate(rbac.Client{
		ID:          "ops-1",
		Role:        rbac.RoleOperator,
		Scopes:      []string{rbac.ScopeRead, rbac.ScopeApprovals},
		DisplayName: "Ops",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	client, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if client.ID != "ops-1" || client.Role != rbac.RoleOperator || client.DisplayName != "Ops" {
		t.Fatalf("client = %+v", client)
	}
	if !slices.Equal(client.Scopes, []string{rbac.ScopeRead, rbac.ScopeApprovals}) {
		t.Fatalf("scopes = %v", client.Scopes)
	}
}

func TestJWTServiceNodeToken(t *testing.T) {
	service := NewJWTService("secret", 0, "")
	if _, err := service.Generate(rbac.Client{ID: "n", Role: rbac.RoleNode}); err == nil {
		t.Fatal("node token without node id should fail")
	}
	token, err := service.Generate(rbac.Client{ID: "n", Role: rbac.RoleNode, NodeID: "laptop"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	client, err := service.Validate(token)
	if err != nil || client.NodeID != "laptop" || client.Role != rbac.RoleNode {
		t.Fatalf("Validate() = %+v, %v", client, err)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", time.Hour, "nexus-exec")
	other := NewJWTService("other-secret", time.Hour, "nexus-exec")
	wrongIssuer := NewJWTService("secret", time.Hour, "someone-else")
	noExpiry := NewJWTService("secret", -time.Minute, "nexus-exec")

	client := rbac.Client{ID: "ops", Role: rbac.RoleOperator}
	for name, signer := range map[string]*JWTService{"secret": other, "issuer": wrongIssuer} {
		token, err := signer.Generate(client)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := service.Validate(token); err != ErrInvalidToken {
			t.Errorf("%s: Validate() error = %v", name, err)
		}
	}

	// A negative expiry means no expiry claim at all.
	token, _ := noExpiry.Generate(client)
	if _, err := service.Validate(token); err != nil {
		t.Errorf("token without exp rejected: %v", err)
	}
	if _, err := service.Validate("not-a-jwt"); err != ErrInvalidToken {
		t.Errorf("garbage token error = %v", err)
	}
}
