// Package tenant defines the per-request identity value that flows through
// every repository and engine operation. A Context is constructed once by the
// auth gate, installed into the request context, and passed explicitly to all
// store and engine calls so tenant filtering is never implicit.
package tenant

import "context"

// Context carries the authenticated caller's identity and tenant binding.
// It is immutable once constructed; derive new values instead of mutating.
type Context struct {
	// UserID identifies the authenticated user.
	UserID string
	// TenantID is the tenant every read and write is scoped to. Empty only
	// for platform-admin contexts that explicitly request cross-tenant access.
	TenantID string
	// Roles lists the caller's roles within the tenant (e.g. "admin", "inspector").
	Roles []string
	// Permissions lists the fine-grained permissions granted by the membership.
	Permissions []string
	// PlatformAdmin relaxes tenant filtering across the repository layer.
	// The flag originates from the token payload, never from a database lookup.
	PlatformAdmin bool
	// RequestID correlates logs, audit events, and responses for one request.
	RequestID string
	// IPAddress is the remote address recorded on audit events.
	IPAddress string
	// UserAgent is the caller's user agent recorded on audit events.
	UserAgent string
}

// HasRole reports whether the context carries the given role.
func (c Context) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the context carries the given permission.
// Platform admins implicitly hold every permission.
func (c Context) HasPermission(perm string) bool {
	if c.PlatformAdmin {
		return true
	}
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Authenticated reports whether the context belongs to a verified caller.
func (c Context) Authenticated() bool {
	return c.UserID != ""
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying the tenant context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext extracts the tenant context installed by the auth gate.
// The boolean is false when no gate ran for this request.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	return tc, ok
}
