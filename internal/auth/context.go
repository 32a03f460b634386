package auth

import (
	"context"

	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

type clientContextKey struct{}

// WithClient attaches a client identity to the context.
func WithClient(ctx context.Context, client rbac.Client) context.Context {
	return context.WithValue(ctx, clientContextKey{}, client)
}

// ClientFromContext retrieves a client identity from the context.
func ClientFromContext(ctx context.Context) (rbac.Client, bool) {
	client, ok := ctx.Value(clientContextKey{}).(rbac.Client)
	return client, ok
}
