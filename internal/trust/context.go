package trust

import "context"

// Identity is the request-scoped node identity attached by the middleware
// after successful certificate validation. It lives only for the duration
// of the request; nothing session-like is persisted.
type Identity struct {
	NodeID         string
	SPIFFEID       string
	Thumbprint     string
	OrganizationID string
}

type contextKey struct{}

// WithIdentity attaches a validated node identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom returns the node identity attached to the context, or nil if
// the request did not pass the trust middleware (exempt path, mTLS
// disabled, or lenient pass-through).
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}
