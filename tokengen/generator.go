// Package tokengen provides pluggable access-token generation strategies.
// Opaque tokens are random identifiers resolved through storage; JWT tokens
// are self-contained HS256-signed claim sets that resource servers can verify
// offline. Both are interchangeable behind the Generator interface, and the
// server treats the result as an opaque string either way.
package tokengen

import (
	"time"

	"golang.org/x/oauth2"
)

// Claims carries the identity and grant facts embedded in (or associated
// with) a generated access token.
type Claims struct {
	// Subject is the principal the token represents: a user ID for the
	// authorization-code and device flows, or a synthetic service subject
	// for client_credentials.
	Subject string

	// ClientID is the client the token is issued to.
	ClientID string

	// Scopes are the granted scopes.
	Scopes []string

	// TTL is the access token lifetime.
	TTL time.Duration
}

// Generator mints access and refresh token strings.
type Generator interface {
	// AccessToken generates an access token for the given claims.
	AccessToken(claims Claims) (string, error)

	// RefreshToken generates an opaque refresh token. Refresh tokens are
	// always opaque regardless of the access token strategy, because they
	// are server-side state by definition.
	RefreshToken() (string, error)
}

// generateRandomToken returns a cryptographically secure random token string.
// Uses the PKCE verifier generator: 32 bytes of entropy, base64url encoded.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
