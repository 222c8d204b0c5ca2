// Package identity carries the authenticated user through context.
package identity

import "context"

// DefaultFallback is recorded when no user is authenticated, e.g. for
// background jobs.
const DefaultFallback = "daemon"

// Provider returns the current authenticated identity.
type Provider interface {
	CurrentIdentity(ctx context.Context) string
}

type userContextKey struct{}

// WithUser stores the authenticated user in context.
func WithUser(ctx context.Context, user string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext returns the user stored in context, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	user, ok := ctx.Value(userContextKey{}).(string)
	if !ok || user == "" {
		return "", false
	}
	return user, true
}

// ContextProvider reads the identity from context and falls back to a fixed
// identity when none is present.
type ContextProvider struct {
	Fallback string
}

// CurrentIdentity implements Provider.
func (p ContextProvider) CurrentIdentity(ctx context.Context) string {
	if user, ok := UserFromContext(ctx); ok {
		return user
	}
	if p.Fallback != "" {
		return p.Fallback
	}
	return DefaultFallback
}

// Static always returns the same identity.
type Static string

// CurrentIdentity implements Provider.
func (s Static) CurrentIdentity(context.Context) string {
	return string(s)
}
