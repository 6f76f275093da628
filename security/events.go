package security

// Event type constants for security audit logging. Using constants keeps the
// event stream grep-able and prevents typos across the codebase.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked by its client
	EventTokenRevoked = "token_revoked"

	// EventTokenIntrospected is logged when a token is introspected
	EventTokenIntrospected = "token_introspected"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is minted
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a code is presented twice (attack)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventConsentGranted is logged when a user approves scopes for a client
	EventConsentGranted = "consent_granted"

	// EventConsentDenied is logged when a user denies an authorization request
	EventConsentDenied = "consent_denied"

	// Device flow events

	// EventDeviceAuthorizationStarted is logged when a device authorization is created
	EventDeviceAuthorizationStarted = "device_authorization_started"

	// EventDeviceApproved is logged when a user approves a device via user code
	EventDeviceApproved = "device_approved"

	// EventDeviceDenied is logged when a user denies a device via user code
	EventDeviceDenied = "device_denied"

	// Client events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when the code_verifier check fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventInvalidRedirect is logged when an unregistered redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes beyond its registration
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
