package shared

import "context"

// Principal identifies the authenticated actor supplied by the identity layer.
// Warden never verifies credentials itself.
type Principal struct {
	UserID   string
	Username string
}

// AccessContext carries the request-scoped facts conditional permissions are
// evaluated against. All fields are optional; absent restrictions pass.
type AccessContext struct {
	ClientIP       string
	UserAgent      string
	DeviceType     string
	DeviceVerified bool

	// ContextType/ContextID narrow a check to context-scoped role
	// assignments (for example a single project). Empty means no filter.
	ContextType string
	ContextID   string
}

type principalKey struct{}

// ContextWithPrincipal stores the principal in the request context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by the identity middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}
