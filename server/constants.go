package server

// Grant type identifiers
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Token and hint values
const (
	TokenTypeBearer = "Bearer"

	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// ScopeOpenID is carried through consent automatically; it identifies the
// user rather than granting a permission.
const ScopeOpenID = "openid"

// Synthetic subjects for flows without a resource-owner identity.
const (
	// SubjectServiceAccount is the subject of client_credentials tokens.
	SubjectServiceAccount = "service_account"

	// SubjectDeviceAuthorization is the fallback subject for device-flow
	// tokens when the approving user is unknown.
	SubjectDeviceAuthorization = "device_authorization"
)
