package clientauth

import (
	"context"
	"net/http"

	"github.com/authforge/authforge/storage"
)

// PostAuthenticator implements client_secret_post: client_id and
// client_secret as form body parameters.
type PostAuthenticator struct {
	clients storage.ClientStore
}

// NewPostAuthenticator creates a client_secret_post authenticator.
func NewPostAuthenticator(clients storage.ClientStore) *PostAuthenticator {
	return &PostAuthenticator{clients: clients}
}

func (a *PostAuthenticator) Method() string { return MethodSecretPost }

// TryExtract reads client_id and client_secret from the form body. Declines
// when either is absent or contains non-printable bytes.
func (a *PostAuthenticator) TryExtract(r *http.Request) (*Credentials, bool) {
	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if clientID == "" || clientSecret == "" {
		return nil, false
	}
	if !isPrintableASCII(clientID) || !isPrintableASCII(clientSecret) {
		return nil, false
	}
	return &Credentials{ClientID: clientID, Secret: clientSecret}, true
}

// Validate checks the form credentials against the stored secret hash.
func (a *PostAuthenticator) Validate(ctx context.Context, creds *Credentials) (*storage.Client, error) {
	return lookupAndValidate(ctx, a.clients, creds.ClientID, creds.Secret)
}

var _ Authenticator = (*PostAuthenticator)(nil)
