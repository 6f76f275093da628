package clientauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authforge/authforge/storage"
)

// AssertionType is the only client_assertion_type accepted (RFC 7523).
const AssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AssertionAuthenticator implements client_secret_jwt: the client proves
// possession of its secret by presenting an HS256-signed JWT assertion
// instead of sending the secret itself (RFC 7523 Section 2.2).
//
// The assertion must satisfy:
//   - iss and aud both equal the client_id
//   - exp present and in the future
//   - iat present and not in the future
type AssertionAuthenticator struct {
	clients storage.ClientStore
}

// NewAssertionAuthenticator creates a client_secret_jwt authenticator.
func NewAssertionAuthenticator(clients storage.ClientStore) *AssertionAuthenticator {
	return &AssertionAuthenticator{clients: clients}
}

func (a *AssertionAuthenticator) Method() string { return MethodSecretJWT }

// TryExtract reads a jwt-bearer assertion and identifies the issuing client
// from its unverified iss claim. Declines when the assertion type is wrong or
// the assertion doesn't parse; the signature is checked in Validate once the
// client's secret is known.
func (a *AssertionAuthenticator) TryExtract(r *http.Request) (*Credentials, bool) {
	if r.PostFormValue("client_assertion_type") != AssertionType {
		return nil, false
	}
	assertion := r.PostFormValue("client_assertion")
	if assertion == "" || !isPrintableASCII(assertion) {
		return nil, false
	}

	clientID, err := unverifiedIssuer(assertion)
	if err != nil {
		return nil, false
	}

	return &Credentials{ClientID: clientID, Assertion: assertion}, true
}

// Validate resolves the issuing client and verifies the assertion signature
// and claims against the client's retained secret.
func (a *AssertionAuthenticator) Validate(ctx context.Context, creds *Credentials) (*storage.Client, error) {
	client, err := a.clients.GetClient(ctx, creds.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if client.AssertionSecret == "" {
		return nil, ErrInvalidCredentials
	}

	token, err := jwt.Parse(creds.Assertion, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(client.AssertionSecret), nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(creds.ClientID),
		jwt.WithAudience(creds.ClientID),
		jwt.WithIssuedAt(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}

	// iat is required, not merely validated when present.
	if iat, err := token.Claims.GetIssuedAt(); err != nil || iat == nil {
		return nil, ErrInvalidCredentials
	}

	return client, nil
}

// unverifiedIssuer extracts the iss claim without signature verification.
// Identification only: the signature is checked by Validate.
func unverifiedIssuer(assertion string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, &claims); err != nil {
		return "", err
	}
	if claims.Issuer == "" {
		return "", fmt.Errorf("assertion missing iss claim")
	}
	return claims.Issuer, nil
}

var _ Authenticator = (*AssertionAuthenticator)(nil)
