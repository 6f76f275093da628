package storage

import (
	"slices"
	"time"
)

// GrantStatus is the lifecycle state of an authorization grant or token record.
type GrantStatus string

const (
	StatusActive      GrantStatus = "ACTIVE"
	StatusInvalidated GrantStatus = "INVALIDATED"
)

// DeviceStatus is the lifecycle state of a device authorization (RFC 8628).
type DeviceStatus string

const (
	DeviceStatusPending   DeviceStatus = "PENDING"
	DeviceStatusApproved  DeviceStatus = "APPROVED"
	DeviceStatusDenied    DeviceStatus = "DENIED"
	DeviceStatusCompleted DeviceStatus = "COMPLETED"
	DeviceStatusExpired   DeviceStatus = "EXPIRED"
)

// Client is a registered OAuth client. The secret is stored only as a bcrypt
// hash; the plaintext exists solely in the registration response.
type Client struct {
	ClientID         string `json:"client_id"`
	ClientSecretHash string `json:"client_secret_hash,omitempty"`

	// AssertionSecret is the shared secret retained in plaintext for clients
	// registered with token_endpoint_auth_method "client_secret_jwt". HMAC
	// verification of client assertions needs the actual secret; the bcrypt
	// hash above is one-way and only serves basic/post authentication.
	AssertionSecret string `json:"assertion_secret,omitempty"`

	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	Scopes                  []string  `json:"scopes"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	RequirePKCE             bool      `json:"require_pkce"`
	AutoApprove             bool      `json:"auto_approve"`
	ReuseRefreshTokens      bool      `json:"reuse_refresh_tokens"`
	AccessTokenTTL          int64     `json:"access_token_ttl,omitempty"`  // seconds, 0 means server default
	RefreshTokenTTL         int64     `json:"refresh_token_ttl,omitempty"` // seconds, 0 means server default
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// IsPublic reports whether the client authenticates with "none" (no secret).
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "none"
}

// HasGrantType reports whether the client is allowed to use the grant type.
func (c *Client) HasGrantType(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
// Matching is literal string comparison, no pattern or prefix matching.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsScopes reports whether every requested scope is registered for the
// client. An empty registered scope list allows nothing beyond an empty request.
func (c *Client) AllowsScopes(requested []string) bool {
	for _, s := range requested {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// PendingAuthorization is an authorization request parked while the resource
// owner decides on the consent page, keyed by an unguessable trace ID.
type PendingAuthorization struct {
	TraceID             string    `json:"trace_id"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	State               string    `json:"state,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// IsExpired reports whether the pending authorization has outlived its window.
func (p *PendingAuthorization) IsExpired() bool {
	return time.Now().After(p.ExpiresAt)
}

// AuthorizationGrant is a minted authorization code awaiting redemption at the
// token endpoint. Single use: redemption transitions Status to INVALIDATED.
type AuthorizationGrant struct {
	Code                string      `json:"code"`
	ClientID            string      `json:"client_id"`
	UserID              string      `json:"user_id"`
	RedirectURI         string      `json:"redirect_uri"`
	Scopes              []string    `json:"scopes"`
	CodeChallenge       string      `json:"code_challenge,omitempty"`
	CodeChallengeMethod string      `json:"code_challenge_method,omitempty"`
	Nonce               string      `json:"nonce,omitempty"`
	Status              GrantStatus `json:"status"`
	CreatedAt           time.Time   `json:"created_at"`
	ExpiresAt           time.Time   `json:"expires_at"`
}

// IsExpired reports whether the code has outlived its validity window.
func (g *AuthorizationGrant) IsExpired() bool {
	return time.Now().After(g.ExpiresAt)
}

// Consent is a durable record of scopes a user has approved for a client.
// Scopes only ever grow (monotone union across approvals).
type Consent struct {
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Covers reports whether the consent already includes every requested scope.
func (c *Consent) Covers(requested []string) bool {
	for _, s := range requested {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// MergeScopes unions newly approved scopes into the record, preserving the
// order of existing scopes and appending unseen ones.
func (c *Consent) MergeScopes(approved []string) {
	for _, s := range approved {
		if !slices.Contains(c.Scopes, s) {
			c.Scopes = append(c.Scopes, s)
		}
	}
}

// AccessTokenRecord is an issued access token with its optional paired refresh
// token. Rotation invalidates the record but keeps the refresh token string as
// the chain key so revocation can cascade.
type AccessTokenRecord struct {
	AccessToken           string      `json:"access_token"`
	RefreshToken          string      `json:"refresh_token,omitempty"`
	ClientID              string      `json:"client_id"`
	UserID                string      `json:"user_id"`
	Scopes                []string    `json:"scopes"`
	GrantType             string      `json:"grant_type"`
	TokenType             string      `json:"token_type"`
	Status                GrantStatus `json:"status"`
	IssuedAt              time.Time   `json:"issued_at"`
	AccessTokenExpiresAt  time.Time   `json:"access_token_expires_at"`
	RefreshTokenExpiresAt time.Time   `json:"refresh_token_expires_at,omitempty"`
}

// IsAccessTokenExpired reports whether the access token lifetime has elapsed.
func (r *AccessTokenRecord) IsAccessTokenExpired() bool {
	return time.Now().After(r.AccessTokenExpiresAt)
}

// IsRefreshTokenExpired reports whether the refresh token lifetime has elapsed.
// Records issued without a refresh token report true.
func (r *AccessTokenRecord) IsRefreshTokenExpired() bool {
	if r.RefreshToken == "" {
		return true
	}
	return time.Now().After(r.RefreshTokenExpiresAt)
}

// DeviceAuthorization is a device flow record (RFC 8628). The device polls the
// token endpoint with DeviceCode while the user approves or denies via UserCode.
type DeviceAuthorization struct {
	DeviceCode           string       `json:"device_code"`
	UserCode             string       `json:"user_code"`
	ClientID             string       `json:"client_id"`
	Scopes               []string     `json:"scopes"`
	Status               DeviceStatus `json:"status"`
	UserID               string       `json:"user_id,omitempty"`
	Interval             int          `json:"interval"`
	LastPolledAt         time.Time    `json:"last_polled_at,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	ExpiresAt            time.Time    `json:"expires_at"`
	AccessToken          string       `json:"access_token,omitempty"`
	AccessTokenExpiresAt time.Time    `json:"access_token_expires_at,omitempty"`
}

// IsExpired reports whether the device authorization window has closed.
func (d *DeviceAuthorization) IsExpired() bool {
	return time.Now().After(d.ExpiresAt)
}

// CanPoll reports whether enough time has passed since the last poll for the
// device to poll again without triggering slow_down.
func (d *DeviceAuthorization) CanPoll(now time.Time) bool {
	if d.LastPolledAt.IsZero() {
		return true
	}
	return !now.Before(d.LastPolledAt.Add(time.Duration(d.Interval) * time.Second))
}

// IncreaseInterval grows the polling interval after a slow_down, per
// RFC 8628 Section 3.5 (increase by 5 seconds).
func (d *DeviceAuthorization) IncreaseInterval() {
	d.Interval += 5
}
