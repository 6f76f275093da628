// Package storage defines the persisted entities of the authorization server
// and the store interfaces the protocol engine depends on. It supports various
// backend implementations including in-memory and Redis.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. The engine matches on
// these with errors.Is and never forwards their text to clients.
var (
	ErrClientNotFound        = errors.New("client not found")
	ErrPendingAuthNotFound   = errors.New("pending authorization not found")
	ErrGrantNotFound         = errors.New("authorization grant not found")
	ErrGrantAlreadyRedeemed  = errors.New("authorization grant already redeemed")
	ErrTokenNotActive        = errors.New("token record not active")
	ErrConsentNotFound       = errors.New("consent not found")
	ErrTokenNotFound         = errors.New("token not found")
	ErrDeviceAuthNotFound    = errors.New("device authorization not found")
	ErrDeviceAuthNotApproved = errors.New("device authorization not approved")
	ErrExpired               = errors.New("expired")

	// ErrUnavailable indicates a transient backend failure. The HTTP layer
	// maps it to temporarily_unavailable with a Retry-After header.
	ErrUnavailable = errors.New("storage temporarily unavailable")
)

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret against the bcrypt hash at rest
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore manages the authorization-code flow artifacts: the pending
// authorization awaiting consent and the minted authorization grant.
type FlowStore interface {
	// SavePendingAuthorization stores an in-flight request awaiting consent
	SavePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// GetPendingAuthorization retrieves a pending authorization by trace ID
	GetPendingAuthorization(ctx context.Context, traceID string) (*PendingAuthorization, error)

	// DeletePendingAuthorization removes a pending authorization
	DeletePendingAuthorization(ctx context.Context, traceID string) error

	// SaveAuthorizationGrant stores a minted authorization code
	SaveAuthorizationGrant(ctx context.Context, grant *AuthorizationGrant) error

	// GetAuthorizationGrant retrieves a grant by code without consuming it
	GetAuthorizationGrant(ctx context.Context, code string) (*AuthorizationGrant, error)

	// AtomicRedeemAuthorizationGrant atomically checks that a grant is ACTIVE
	// and not expired, then transitions it to INVALIDATED. Exactly one
	// concurrent caller can succeed for a given code; all others receive
	// ErrGrantAlreadyRedeemed, ErrGrantNotFound, or ErrExpired.
	// SECURITY: This operation MUST be atomic to prevent concurrent code
	// exchange attacks (single-use codes, RFC 6749 Section 4.1.2).
	AtomicRedeemAuthorizationGrant(ctx context.Context, code string) (*AuthorizationGrant, error)

	// DeleteExpiredGrants removes expired grants (maintenance)
	DeleteExpiredGrants(ctx context.Context) (int, error)
}

// ConsentStore manages durable user consent records keyed by (clientID, userID).
type ConsentStore interface {
	// GetConsent retrieves the consent record for a client/user pair
	GetConsent(ctx context.Context, clientID, userID string) (*Consent, error)

	// SaveConsent upserts a consent record. Scope union is the caller's
	// responsibility; last-writer-wins is acceptable because the merge is
	// monotonic and idempotent.
	SaveConsent(ctx context.Context, consent *Consent) error
}

// TokenStore manages issued access-token records including their paired
// refresh tokens.
type TokenStore interface {
	// SaveAccessTokenRecord stores a newly issued token record
	SaveAccessTokenRecord(ctx context.Context, record *AccessTokenRecord) error

	// GetByAccessToken retrieves a record by access token string
	GetByAccessToken(ctx context.Context, accessToken string) (*AccessTokenRecord, error)

	// GetByRefreshToken retrieves a record by refresh token string
	GetByRefreshToken(ctx context.Context, refreshToken string) (*AccessTokenRecord, error)

	// GetByAccessTokenAndClient retrieves a record by access token, scoped to
	// the authenticated client. Used by introspection and revocation so one
	// client can never probe another client's tokens.
	GetByAccessTokenAndClient(ctx context.Context, accessToken, clientID string) (*AccessTokenRecord, error)

	// GetByRefreshTokenAndClient retrieves a record by refresh token, scoped
	// to the authenticated client.
	GetByRefreshTokenAndClient(ctx context.Context, refreshToken, clientID string) (*AccessTokenRecord, error)

	// ListByRefreshToken returns every record chained to a refresh token
	// (rotation produces a chain). Used for cascading revocation.
	ListByRefreshToken(ctx context.Context, refreshToken string) ([]*AccessTokenRecord, error)

	// InvalidateAccessTokenRecord marks a record INVALIDATED by access token
	InvalidateAccessTokenRecord(ctx context.Context, accessToken string) error

	// AtomicInvalidateActiveToken marks an ACTIVE record INVALIDATED in one
	// step. Exactly one concurrent caller succeeds; the rest get
	// ErrTokenNotActive. Used to make refresh token rotation single-winner.
	AtomicInvalidateActiveToken(ctx context.Context, accessToken string) error

	// DeleteExpiredTokens removes expired records (maintenance)
	DeleteExpiredTokens(ctx context.Context) (int, error)
}

// DeviceStore manages device-authorization records (RFC 8628).
type DeviceStore interface {
	// SaveDeviceAuthorization stores a new device authorization
	SaveDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// GetByDeviceCode retrieves a record by device code
	GetByDeviceCode(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)

	// GetByUserCode retrieves a record by user code
	GetByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// UpdateDeviceAuthorization persists status and polling mutations
	UpdateDeviceAuthorization(ctx context.Context, auth *DeviceAuthorization) error

	// AtomicCompleteDeviceAuthorization transitions an APPROVED record to
	// COMPLETED and stores the issued token identity, such that exactly one
	// concurrent poller can succeed. Others receive ErrDeviceAuthNotApproved.
	// SECURITY: This operation MUST be atomic so a device code is redeemed at
	// most once even under a race between two pollers.
	AtomicCompleteDeviceAuthorization(ctx context.Context, deviceCode, accessToken string, accessTokenExpiresAt time.Time) (*DeviceAuthorization, error)

	// DeleteExpiredDeviceAuthorizations removes expired records (maintenance)
	DeleteExpiredDeviceAuthorizations(ctx context.Context) (int, error)
}
