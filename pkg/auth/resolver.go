package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ErrUnauthenticated is returned when a request carries no usable identity
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the authenticated caller
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// UserResolver establishes the identity behind an HTTP request
type UserResolver interface {
	Resolve(r *http.Request) (*Identity, error)
}

// OIDCResolver verifies bearer ID tokens
type OIDCResolver struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCResolver builds a resolver over a fixed key set
func NewOIDCResolver(issuer, clientID string, keySet oidc.KeySet) *OIDCResolver {
	return &OIDCResolver{
		verifier: oidc.NewVerifier(issuer, keySet, &oidc.Config{ClientID: clientID}),
	}
}

// DiscoverOIDCResolver fetches the issuer's discovery document and remote key set
func DiscoverOIDCResolver(ctx context.Context, issuer, clientID string) (*OIDCResolver, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return &OIDCResolver{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

type idClaims struct {
	Email string `json:"email"`
}

// Resolve verifies the Authorization bearer token
func (o *OIDCResolver) Resolve(r *http.Request) (*Identity, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	token, err := o.verifier.Verify(r.Context(), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if token.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	var claims idClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %w", ErrUnauthenticated, err)
	}

	return &Identity{UserID: token.Subject, Email: claims.Email}, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthenticated)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrUnauthenticated)
	}
	return strings.TrimSpace(parts[1]), nil
}

// DefaultUserHeader is the header HeaderResolver reads when none is configured
const DefaultUserHeader = "X-User-ID"

// HeaderResolver trusts a user id header set by an upstream gateway
type HeaderResolver struct {
	header      string
	emailHeader string
}

// NewHeaderResolver reads the user id from header and the email from X-User-Email
func NewHeaderResolver(header string) *HeaderResolver {
	if header == "" {
		header = DefaultUserHeader
	}
	return &HeaderResolver{header: header, emailHeader: "X-User-Email"}
}

// Resolve reads the configured header
func (h *HeaderResolver) Resolve(r *http.Request) (*Identity, error) {
	userID := strings.TrimSpace(r.Header.Get(h.header))
	if userID == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrUnauthenticated, h.header)
	}
	return &Identity{UserID: userID, Email: r.Header.Get(h.emailHeader)}, nil
}
