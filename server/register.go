package server

import (
	"context"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/authforge/authforge/clientauth"
	"github.com/authforge/authforge/internal/util"
	"github.com/authforge/authforge/storage"
)

// ClientRegistrationRequest is the RFC 7591 Section 2 metadata a client
// submits at registration.
type ClientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the RFC 7591 Section 3.2.1 payload. The
// client_secret appears here and nowhere else; only its hash is stored.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

var supportedGrantTypes = []string{
	GrantTypeAuthorizationCode,
	GrantTypeRefreshToken,
	GrantTypeClientCredentials,
	GrantTypeDeviceCode,
}

var supportedAuthMethods = []string{
	clientauth.MethodSecretBasic,
	clientauth.MethodSecretPost,
	clientauth.MethodSecretJWT,
	clientauth.MethodNone,
}

// RegisterClient handles dynamic client registration (RFC 7591).
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, *OAuthError) {
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = clientauth.MethodSecretBasic
	}
	if !slices.Contains(supportedAuthMethods, authMethod) {
		return nil, ErrInvalidClientMetadata("unsupported token_endpoint_auth_method")
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range grantTypes {
		if !slices.Contains(supportedGrantTypes, gt) {
			return nil, ErrInvalidClientMetadata("unsupported grant_type: " + gt)
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if rt != "code" {
			return nil, ErrInvalidClientMetadata("unsupported response_type: " + rt)
		}
	}

	needsRedirect := slices.Contains(grantTypes, GrantTypeAuthorizationCode)
	if needsRedirect && len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRedirectURI("redirect_uris is required for the authorization_code grant")
	}
	for _, uri := range req.RedirectURIs {
		if oe := validateRedirectURI(uri); oe != nil {
			return nil, oe
		}
	}

	// Public clients can't hold a secret, so every secret-based method is
	// off the table for them.
	if authMethod == clientauth.MethodNone && slices.Contains(grantTypes, GrantTypeClientCredentials) {
		return nil, ErrInvalidClientMetadata("public clients may not register the client_credentials grant")
	}

	scopes := util.SplitScopes(req.Scope)
	if len(scopes) == 0 {
		scopes = slices.Clone(s.Config.SupportedScopes)
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scopes:                  scopes,
		TokenEndpointAuthMethod: authMethod,
		RequirePKCE:             authMethod == clientauth.MethodNone,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	var plainSecret string
	if authMethod != clientauth.MethodNone {
		plainSecret = generateRandomToken()
		hash, err := bcrypt.GenerateFromPassword([]byte(plainSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, ErrServerError("internal error")
		}
		client.ClientSecretHash = string(hash)
		if authMethod == clientauth.MethodSecretJWT {
			// HMAC assertion verification needs the shared secret itself.
			client.AssertionSecret = plainSecret
		}
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, s.storageError("saving client", err)
	}

	s.Logger.Info("Client registered",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"auth_method", authMethod,
		"grant_types", grantTypes)
	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, authMethod, clientIP)
	}

	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            plainSecret,
		ClientIDIssuedAt:        now.Unix(),
		ClientSecretExpiresAt:   0, // secrets do not expire
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              client.ClientName,
		Scope:                   util.JoinScopes(scopes),
	}, nil
}

// validateRedirectURI enforces the registration rules: absolute URI, no
// fragment, and either HTTPS, loopback HTTP for development, or a custom
// scheme for native apps (RFC 8252).
func validateRedirectURI(raw string) *OAuthError {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return ErrInvalidRedirectURI("redirect_uri must be an absolute URI")
	}
	if u.Fragment != "" {
		return ErrInvalidRedirectURI("redirect_uri must not contain a fragment")
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return ErrInvalidRedirectURI("http redirect_uris are only allowed for loopback addresses")
	default:
		// Custom scheme for native apps (RFC 8252 Section 7.1).
		if !isPlainScheme(u.Scheme) {
			return ErrInvalidRedirectURI("unsupported redirect_uri scheme")
		}
		if u.Host == "" && u.Path == "" && u.Opaque == "" {
			return ErrInvalidRedirectURI("redirect_uri is incomplete")
		}
		return nil
	}
}

// isPlainScheme matches RFC 3986 scheme syntax: ALPHA *( ALPHA / DIGIT / "+" / "-" / "." ).
func isPlainScheme(scheme string) bool {
	if scheme == "" {
		return false
	}
	for i := 0; i < len(scheme); i++ {
		c := scheme[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		case (c == '+' || c == '-' || c == '.') && i > 0:
		default:
			return false
		}
	}
	return true
}
