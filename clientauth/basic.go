package clientauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/authforge/authforge/storage"
)

// BasicAuthenticator implements client_secret_basic: credentials in the
// Authorization header, form-urlencoded inside the Basic value per
// RFC 6749 Section 2.3.1.
type BasicAuthenticator struct {
	clients storage.ClientStore
}

// NewBasicAuthenticator creates a client_secret_basic authenticator.
func NewBasicAuthenticator(clients storage.ClientStore) *BasicAuthenticator {
	return &BasicAuthenticator{clients: clients}
}

func (a *BasicAuthenticator) Method() string { return MethodSecretBasic }

// TryExtract decodes the Basic Authorization header. Declines on a missing
// header, undecodable value, control or non-ASCII bytes, or empty fields.
func (a *BasicAuthenticator) TryExtract(r *http.Request) (*Credentials, bool) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
		return nil, false
	}

	rawID, rawSecret, ok := r.BasicAuth()
	if !ok {
		return nil, false
	}
	if !isPrintableASCII(rawID) || !isPrintableASCII(rawSecret) {
		return nil, false
	}

	// RFC 6749 requires the Basic userid and password to be form-urlencoded.
	clientID, err := url.QueryUnescape(rawID)
	if err != nil {
		return nil, false
	}
	clientSecret, err := url.QueryUnescape(rawSecret)
	if err != nil {
		return nil, false
	}
	if clientID == "" || clientSecret == "" {
		return nil, false
	}

	return &Credentials{ClientID: clientID, Secret: clientSecret}, true
}

// Validate checks the decoded credentials against the stored secret hash.
func (a *BasicAuthenticator) Validate(ctx context.Context, creds *Credentials) (*storage.Client, error) {
	return lookupAndValidate(ctx, a.clients, creds.ClientID, creds.Secret)
}

var _ Authenticator = (*BasicAuthenticator)(nil)
