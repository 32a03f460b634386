// Package auth turns handshake credentials into a client identity: a role,
// a scope set and, for nodes, a node id.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication.
type Config struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	Issuer      string        `yaml:"issuer"`
	Tokens      []TokenConfig `yaml:"tokens"`
	// AnonymousScopes are granted to operator connections when no
	// credentials are configured at all.
	AnonymousScopes []string `yaml:"anonymous_scopes"`
}

// TokenConfig declares a static token and the identity it carries.
type TokenConfig struct {
	Token  string   `yaml:"token"`
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Role   string   `yaml:"role"`
	Scopes []string `yaml:"scopes"`
	NodeID string   `yaml:"node_id"`
}

// Service validates JWTs and static tokens.
type Service struct {
	jwt       *JWTService
	tokens    map[string]rbac.Client
	anonymous []string
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{anonymous: cfg.AnonymousScopes}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry, cfg.Issuer)
	}
	service.tokens = buildTokenMap(cfg.Tokens)
	return service
}

// Enabled reports whether credentials are required.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.tokens) > 0)
}

// Anonymous returns the identity used when auth is disabled.
func (s *Service) Anonymous(id string) rbac.Client {
	var scopes []string
	if s != nil {
		scopes = append(scopes, s.anonymous...)
	}
	return rbac.Client{ID: id, Role: rbac.RoleOperator, Scopes: scopes, DisplayName: "anonymous"}
}

// GenerateJWT issues a signed token for client.
func (s *Service) GenerateJWT(client rbac.Client) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(client)
}

// Authenticate validates a JWT or static token.
func (s *Service) Authenticate(token string) (rbac.Client, error) {
	if !s.Enabled() {
		return rbac.Client{}, ErrAuthDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return rbac.Client{}, ErrInvalidToken
	}
	if s.jwt != nil {
		if client, err := s.jwt.Validate(token); err == nil {
			return client, nil
		}
	}
	if client, err := s.ValidateStaticToken(token); err == nil {
		return client, nil
	}
	return rbac.Client{}, ErrInvalidToken
}

// ValidateStaticToken checks a configured token in constant time.
func (s *Service) ValidateStaticToken(token string) (rbac.Client, error) {
	if s == nil || len(s.tokens) == 0 {
		return rbac.Client{}, ErrAuthDisabled
	}
	input := []byte(strings.TrimSpace(token))
	var matched *rbac.Client
	for stored, client := range s.tokens {
		if subtle.ConstantTimeCompare(input, []byte(stored)) == 1 {
			c := client
			matched = &c
		}
	}
	if matched == nil {
		return rbac.Client{}, ErrInvalidKey
	}
	return *matched, nil
}

func buildTokenMap(tokens []TokenConfig) map[string]rbac.Client {
	out := map[string]rbac.Client{}
	for _, entry := range tokens {
		token := strings.TrimSpace(entry.Token)
		if token == "" {
			continue
		}
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			sum := sha256.Sum256([]byte(token))
			id = "token_" + hex.EncodeToString(sum[:8])
		}
		role := rbac.ParseRole(entry.Role)
		if role == "" {
			role = rbac.RoleOperator
		}
		out[token] = rbac.Client{
			ID:          id,
			Role:        role,
			Scopes:      append([]string(nil), entry.Scopes...),
			NodeID:      strings.TrimSpace(entry.NodeID),
			DisplayName: strings.TrimSpace(entry.Name),
		}
	}
	return out
}
