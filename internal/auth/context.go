package auth

import (
	"context"

	ingest "kraken-gateway/internal/ingest/domain"
)

type contextKey string

const contextKeyIdentity contextKey = "auth.identity"

// Identity is the resolved caller of one request. Shared marks the legacy
// deployment-wide key, which carries no site binding of its own; shared-key
// bulk requests name their site explicitly.
type Identity struct {
	Site   ingest.Site
	Shared bool
}

// WithIdentity stores the resolved identity in context.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext extracts the resolved identity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(contextKeyIdentity).(Identity)
	return identity, ok
}
