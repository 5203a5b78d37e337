package middleware

import (
	"context"
	"net/http"

	"github.com/logoforge/logoforge/pkg/auth"
	"github.com/logoforge/logoforge/pkg/contextkeys"
	"github.com/logoforge/logoforge/pkg/httputil"
	"github.com/logoforge/logoforge/pkg/observability"
)

// AuthMiddleware requires an authenticated user on every request it wraps
type AuthMiddleware struct {
	resolver auth.UserResolver
	logger   *observability.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(resolver auth.UserResolver, logger *observability.Logger) *AuthMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &AuthMiddleware{
		resolver: resolver,
		logger:   logger,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.resolver.Resolve(r)
		if err != nil {
			m.logger.WithError(err).WithField("path", r.URL.Path).Debug("request rejected: unauthenticated")
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		ctx := contextkeys.WithIdentity(r.Context(), identity)
		ctx = contextkeys.WithUserID(ctx, identity.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdentity extracts the authenticated identity, or nil
func GetIdentity(ctx context.Context) *auth.Identity {
	identity, ok := ctx.Value(contextkeys.IdentityKey).(*auth.Identity)
	if !ok {
		return nil
	}
	return identity
}
