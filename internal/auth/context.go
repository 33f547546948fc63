// ABOUTME: Authentication context for tracking the caller's handle through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Identity is the authenticated caller, as established by an IdentityResolver.
type Identity struct {
	Handle string
}

// identityContextKey is the key type for storing Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok {
		return nil
	}
	return id
}

// HandleFromContext returns the caller's handle, or "" when unauthenticated.
func HandleFromContext(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.Handle
	}
	return ""
}
