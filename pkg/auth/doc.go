// Package auth resolves the caller of a user-facing request to an Identity.
//
// Two resolvers are provided:
//
//	resolver := auth.NewOIDCResolver(issuer, clientID, keySet)
//	identity, err := resolver.Resolve(r)
//
// OIDCResolver verifies a bearer ID token issued by the identity provider.
// HeaderResolver trusts a header set by an authenticating gateway and is
// meant for local development and tests.
//
// Both return ErrUnauthenticated when no user can be established.
package auth
