// Package clientauth implements RFC 6749 client authentication for the token,
// introspection, revocation, and device authorization endpoints. Each
// supported method (client_secret_basic, client_secret_post,
// client_secret_jwt assertions, and "none" for public clients) is a strategy
// with a non-throwing credential probe; the Chain tries them in a fixed order
// and commits to the first strategy that extracts credentials.
package clientauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/authforge/authforge/storage"
)

// Authentication method names (RFC 7591 token_endpoint_auth_method values).
const (
	MethodSecretBasic = "client_secret_basic"
	MethodSecretPost  = "client_secret_post"
	MethodSecretJWT   = "client_secret_jwt"
	MethodNone        = "none"
)

// Sentinel errors. The HTTP layer maps all of them to invalid_client, keeping
// failure detail out of responses while logs carry the specifics.
var (
	ErrNoCredentials       = errors.New("no client credentials presented")
	ErrInvalidCredentials  = errors.New("client authentication failed")
	ErrMethodNotRegistered = errors.New("authentication method does not match client registration")
)

// Credentials is the outcome of a successful extraction probe. Exactly one of
// Secret or Assertion is set, depending on the method; public clients carry
// neither.
type Credentials struct {
	ClientID  string
	Secret    string
	Assertion string
}

// Authenticator is one client authentication strategy.
type Authenticator interface {
	// Method returns the token_endpoint_auth_method value this strategy implements.
	Method() string

	// TryExtract probes the request for this method's credentials without
	// side effects. It declines (returns false) on absent or malformed
	// credentials, including any byte outside printable ASCII 0x20-0x7E,
	// so the next strategy in the chain may try. The request form must
	// already be parsed.
	TryExtract(r *http.Request) (*Credentials, bool)

	// Validate checks extracted credentials and returns the client.
	Validate(ctx context.Context, creds *Credentials) (*storage.Client, error)
}

// Chain tries authenticators in a fixed, configuration-independent order:
// Basic header, POST body secret, JWT assertion, then the public-client
// fallback. The first successful extraction commits to that path even if
// validation then fails; this prevents downgrade ambiguity between methods.
type Chain struct {
	authenticators []Authenticator
	logger         *slog.Logger
}

// NewChain builds the default chain.
func NewChain(clients storage.ClientStore, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		authenticators: []Authenticator{
			NewBasicAuthenticator(clients),
			NewPostAuthenticator(clients),
			NewAssertionAuthenticator(clients),
			NewPublicAuthenticator(clients),
		},
		logger: logger,
	}
}

// Authenticate identifies and validates the requesting client. Returns the
// client and the method that authenticated it.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) (*storage.Client, string, error) {
	for _, a := range c.authenticators {
		creds, ok := a.TryExtract(r)
		if !ok {
			continue
		}

		client, err := a.Validate(ctx, creds)
		if err != nil {
			c.logger.Debug("Client authentication failed",
				"method", a.Method(), "client_id", creds.ClientID, "error", err)
			return nil, "", err
		}

		// The client must actually be registered for the method it used.
		if client.TokenEndpointAuthMethod != "" && client.TokenEndpointAuthMethod != a.Method() {
			c.logger.Debug("Authentication method not registered for client",
				"client_id", client.ClientID,
				"registered", client.TokenEndpointAuthMethod,
				"used", a.Method())
			return nil, "", ErrMethodNotRegistered
		}

		return client, a.Method(), nil
	}

	return nil, "", ErrNoCredentials
}

// isPrintableASCII reports whether every byte of s falls in 0x20-0x7E.
func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// lookupAndValidate fetches the client and checks the presented secret
// against the stored bcrypt hash. Both failure modes collapse into
// ErrInvalidCredentials so responses can't distinguish an unknown client
// from a wrong secret.
func lookupAndValidate(ctx context.Context, clients storage.ClientStore, clientID, clientSecret string) (*storage.Client, error) {
	client, err := clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		if errors.Is(err, storage.ErrUnavailable) {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}
	return client, nil
}
