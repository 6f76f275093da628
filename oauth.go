package oauth

import (
	"log/slog"

	"github.com/authforge/authforge/server"
	"github.com/authforge/authforge/tokengen"
)

// Re-exported engine types. The server package holds the protocol logic;
// these aliases let embedders work with a single import.
type (
	Server                      = server.Server
	Stores                      = server.Stores
	Config                      = server.Config
	CORSConfig                  = server.CORSConfig
	Error                       = server.OAuthError
	TokenResponse               = server.TokenResponse
	IntrospectionResponse       = server.IntrospectionResponse
	DeviceAuthorizationResponse = server.DeviceAuthorizationResponse
	ClientRegistrationRequest   = server.ClientRegistrationRequest
	ClientRegistrationResponse  = server.ClientRegistrationResponse
	AuthorizeRequest            = server.AuthorizeRequest
	AuthorizationResult         = server.AuthorizationResult
	ConsentDecision             = server.ConsentDecision
)

// Grant type identifiers.
const (
	GrantTypeAuthorizationCode = server.GrantTypeAuthorizationCode
	GrantTypeRefreshToken      = server.GrantTypeRefreshToken
	GrantTypeClientCredentials = server.GrantTypeClientCredentials
	GrantTypeDeviceCode        = server.GrantTypeDeviceCode
)

// OAuth error codes.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable  = server.ErrorCodeTemporarilyUnavailable
	ErrorCodeAuthorizationPending    = server.ErrorCodeAuthorizationPending
	ErrorCodeSlowDown                = server.ErrorCodeSlowDown
	ErrorCodeExpiredToken            = server.ErrorCodeExpiredToken
)

// NewServer creates the protocol engine. generator may be nil to use opaque
// tokens; pass a tokengen.JWTGenerator for self-contained access tokens.
func NewServer(stores Stores, generator tokengen.Generator, config *Config, logger *slog.Logger) (*Server, error) {
	return server.New(stores, generator, config, logger)
}
