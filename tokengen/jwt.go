package tokengen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTGenerator mints HS256-signed JWT access tokens. Resource servers sharing
// the signing key can verify tokens without calling back to the server.
type JWTGenerator struct {
	issuer string
	key    []byte
}

// NewJWTGenerator creates a JWT access token generator. The issuer becomes
// the "iss" claim; the key signs with HMAC-SHA256. An empty key gets a fresh
// random one, which ties token validity to the process lifetime.
func NewJWTGenerator(issuer string, key []byte) (*JWTGenerator, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt signing key: %w", err)
		}
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("jwt signing key must be at least 32 bytes, got %d", len(key))
	}
	return &JWTGenerator{issuer: issuer, key: key}, nil
}

// AccessToken signs a JWT carrying the grant claims. The "jti" claim is a
// fresh UUID so tokens remain individually revocable via storage lookups.
func (g *JWTGenerator) AccessToken(claims Claims) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":       g.issuer,
		"sub":       claims.Subject,
		"aud":       claims.ClientID,
		"client_id": claims.ClientID,
		"scope":     strings.Join(claims.Scopes, " "),
		"iat":       now.Unix(),
		"exp":       now.Add(claims.TTL).Unix(),
		"jti":       uuid.NewString(),
	})

	signed, err := token.SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// RefreshToken returns a random opaque refresh token.
func (g *JWTGenerator) RefreshToken() (string, error) {
	return generateRandomToken(), nil
}

// Parse verifies a token minted by this generator and returns its claims.
// Used by tests and by deployments that colocate the resource server.
func (g *JWTGenerator) Parse(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return g.key, nil
	}, jwt.WithIssuer(g.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	return claims, nil
}

var _ Generator = (*JWTGenerator)(nil)
