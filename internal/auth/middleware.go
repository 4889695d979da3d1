package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"kraken-gateway/internal/observability/metrics"
)

// Middleware resolves the caller's credential before any decoding or sink
// work happens. Accepted credentials, in order: the apikey query parameter or
// X-Api-Key header resolved against the account store, the statically
// configured legacy shared key, and an HS256 bearer token carrying site
// claims. Every failure is a 403 with no partial processing.
type Middleware struct {
	store     AccountStore
	sharedKey string
	jwtSecret []byte
	exempt    map[string]struct{}
}

// MiddlewareOption configures the middleware.
type MiddlewareOption func(*Middleware)

// WithSharedKey enables the legacy deployment-wide key.
func WithSharedKey(key string) MiddlewareOption {
	return func(m *Middleware) {
		m.sharedKey = key
	}
}

// WithJWTSecret enables bearer-token credentials.
func WithJWTSecret(secret []byte) MiddlewareOption {
	return func(m *Middleware) {
		m.jwtSecret = secret
	}
}

// WithExemptPaths skips authentication for the given exact paths.
func WithExemptPaths(paths ...string) MiddlewareOption {
	return func(m *Middleware) {
		for _, path := range paths {
			m.exempt[path] = struct{}{}
		}
	}
}

// NewMiddleware constructs the account gate.
func NewMiddleware(store AccountStore, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{store: store, exempt: make(map[string]struct{})}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap enforces the gate around next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := m.exempt[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.resolve(r)
		if err != nil {
			metrics.IncAuthRejection()
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (m *Middleware) resolve(r *http.Request) (Identity, error) {
	key := strings.TrimSpace(r.URL.Query().Get("apikey"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-Api-Key"))
	}

	if key != "" {
		if m.sharedKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(m.sharedKey)) == 1 {
			return Identity{Shared: true}, nil
		}
		if m.store != nil {
			site, err := m.store.ResolveKey(r.Context(), key)
			if err == nil {
				return Identity{Site: site}, nil
			}
		}
		return Identity{}, ErrForbidden
	}

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") && len(m.jwtSecret) > 0 {
		site, err := ParseToken(strings.TrimPrefix(header, "Bearer "), m.jwtSecret)
		if err == nil {
			return Identity{Site: site}, nil
		}
	}

	return Identity{}, ErrForbidden
}
