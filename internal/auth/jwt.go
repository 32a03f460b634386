package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

// JWTService handles token signing and verification.
type JWTService struct {
	secret []byte
	expiry time.Duration
	issuer string
}

// NewJWTService builds a JWT helper with the given secret and expiry.
func NewJWTService(secret string, expiry time.Duration, issuer string) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry, issuer: issuer}
}

// Claims carry the connection identity.
type Claims struct {
	Name   string   `json:"name,omitempty"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes,omitempty"`
	NodeID string   `json:"node_id,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for client.
func (s *JWTService) Generate(client rbac.Client) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(client.ID) == "" {
		return "", errors.New("client id required")
	}
	if client.Role != rbac.RoleOperator && client.Role != rbac.RoleNode {
		return "", fmt.Errorf("unsupported role %q", client.Role)
	}
	if client.Role == rbac.RoleNode && client.NodeID == "" {
		return "", errors.New("node tokens require a node id")
	}

	now := time.Now()
	claims := Claims{
		Name:   strings.TrimSpace(client.DisplayName),
		Role:   string(client.Role),
		Scopes: client.Scopes,
		NodeID: client.NodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   client.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT and returns the client embedded in it.
func (s *JWTService) Validate(token string) (rbac.Client, error) {
	if s == nil || len(s.secret) == 0 {
		return rbac.Client{}, ErrAuthDisabled
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return rbac.Client{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return rbac.Client{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return rbac.Client{}, ErrInvalidToken
	}
	role := rbac.ParseRole(claims.Role)
	if role != rbac.RoleOperator && role != rbac.RoleNode {
		return rbac.Client{}, ErrInvalidToken
	}
	if role == rbac.RoleNode && claims.NodeID == "" {
		return rbac.Client{}, ErrInvalidToken
	}
	return rbac.Client{
		ID:          claims.Subject,
		Role:        role,
		Scopes:      claims.Scopes,
		NodeID:      claims.NodeID,
		DisplayName: strings.TrimSpace(claims.Name),
	}, nil
}
