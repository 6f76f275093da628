package clientauth

import (
	"context"
	"errors"
	"net/http"

	"github.com/authforge/authforge/storage"
)

// PublicAuthenticator handles clients registered with
// token_endpoint_auth_method "none". Identification only: the client_id in
// the body names the client, and the flow's PKCE verifier is what actually
// proves the request is legitimate. Always last in the chain so it never
// shadows a credentialed method.
type PublicAuthenticator struct {
	clients storage.ClientStore
}

// NewPublicAuthenticator creates the public-client fallback authenticator.
func NewPublicAuthenticator(clients storage.ClientStore) *PublicAuthenticator {
	return &PublicAuthenticator{clients: clients}
}

func (a *PublicAuthenticator) Method() string { return MethodNone }

// TryExtract reads the bare client_id from the form body.
func (a *PublicAuthenticator) TryExtract(r *http.Request) (*Credentials, bool) {
	clientID := r.PostFormValue("client_id")
	if clientID == "" || !isPrintableASCII(clientID) {
		return nil, false
	}
	return &Credentials{ClientID: clientID}, true
}

// Validate resolves the client and confirms it is registered as public.
func (a *PublicAuthenticator) Validate(ctx context.Context, creds *Credentials) (*storage.Client, error) {
	client, err := a.clients.GetClient(ctx, creds.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	// A confidential client must present its credentials.
	if !client.IsPublic() {
		return nil, ErrInvalidCredentials
	}

	return client, nil
}

var _ Authenticator = (*PublicAuthenticator)(nil)
