package redis

import (
	"time"

	"github.com/authforge/authforge/storage"
)

// Wire representations stored in Redis. Timestamps are unix seconds so the
// Lua scripts can compare them with tonumber(); time.Time's RFC 3339 form
// is not comparable inside Redis.

type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	AssertionSecret         string   `json:"assertion_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	RequirePKCE             bool     `json:"require_pkce,omitempty"`
	AutoApprove             bool     `json:"auto_approve,omitempty"`
	ReuseRefreshTokens      bool     `json:"reuse_refresh_tokens,omitempty"`
	AccessTokenTTL          int64    `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL         int64    `json:"refresh_token_ttl,omitempty"`
	CreatedAtUnix           int64    `json:"created_at_unix,omitempty"`
	UpdatedAtUnix           int64    `json:"updated_at_unix,omitempty"`
}

func clientToJSON(c *storage.Client) clientJSON {
	return clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		AssertionSecret:         c.AssertionSecret,
		ClientName:              c.ClientName,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		Scopes:                  c.Scopes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		RequirePKCE:             c.RequirePKCE,
		AutoApprove:             c.AutoApprove,
		ReuseRefreshTokens:      c.ReuseRefreshTokens,
		AccessTokenTTL:          c.AccessTokenTTL,
		RefreshTokenTTL:         c.RefreshTokenTTL,
		CreatedAtUnix:           unix(c.CreatedAt),
		UpdatedAtUnix:           unix(c.UpdatedAt),
	}
}

func (j clientJSON) toRecord() *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		AssertionSecret:         j.AssertionSecret,
		ClientName:              j.ClientName,
		RedirectURIs:            j.RedirectURIs,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		Scopes:                  j.Scopes,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		RequirePKCE:             j.RequirePKCE,
		AutoApprove:             j.AutoApprove,
		ReuseRefreshTokens:      j.ReuseRefreshTokens,
		AccessTokenTTL:          j.AccessTokenTTL,
		RefreshTokenTTL:         j.RefreshTokenTTL,
		CreatedAt:               fromUnix(j.CreatedAtUnix),
		UpdatedAt:               fromUnix(j.UpdatedAtUnix),
	}
}

type pendingJSON struct {
	TraceID             string   `json:"trace_id"`
	ClientID            string   `json:"client_id"`
	UserID              string   `json:"user_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes,omitempty"`
	State               string   `json:"state,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	CreatedAtUnix       int64    `json:"created_at_unix"`
	ExpiresAtUnix       int64    `json:"expires_at_unix"`
}

func pendingToJSON(p *storage.PendingAuthorization) pendingJSON {
	return pendingJSON{
		TraceID:             p.TraceID,
		ClientID:            p.ClientID,
		UserID:              p.UserID,
		RedirectURI:         p.RedirectURI,
		Scopes:              p.Scopes,
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Nonce:               p.Nonce,
		CreatedAtUnix:       unix(p.CreatedAt),
		ExpiresAtUnix:       unix(p.ExpiresAt),
	}
}

func (j pendingJSON) toRecord() *storage.PendingAuthorization {
	return &storage.PendingAuthorization{
		TraceID:             j.TraceID,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scopes:              j.Scopes,
		State:               j.State,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Nonce:               j.Nonce,
		CreatedAt:           fromUnix(j.CreatedAtUnix),
		ExpiresAt:           fromUnix(j.ExpiresAtUnix),
	}
}

type grantJSON struct {
	Code                string   `json:"code"`
	ClientID            string   `json:"client_id"`
	UserID              string   `json:"user_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	Status              string   `json:"status"`
	CreatedAtUnix       int64    `json:"created_at_unix"`
	ExpiresAtUnix       int64    `json:"expires_at_unix"`
}

func grantToJSON(g *storage.AuthorizationGrant) grantJSON {
	return grantJSON{
		Code:                g.Code,
		ClientID:            g.ClientID,
		UserID:              g.UserID,
		RedirectURI:         g.RedirectURI,
		Scopes:              g.Scopes,
		CodeChallenge:       g.CodeChallenge,
		CodeChallengeMethod: g.CodeChallengeMethod,
		Nonce:               g.Nonce,
		Status:              string(g.Status),
		CreatedAtUnix:       unix(g.CreatedAt),
		ExpiresAtUnix:       unix(g.ExpiresAt),
	}
}

func (j grantJSON) toRecord() *storage.AuthorizationGrant {
	return &storage.AuthorizationGrant{
		Code:                j.Code,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		Scopes:              j.Scopes,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Nonce:               j.Nonce,
		Status:              storage.GrantStatus(j.Status),
		CreatedAt:           fromUnix(j.CreatedAtUnix),
		ExpiresAt:           fromUnix(j.ExpiresAtUnix),
	}
}

type consentJSON struct {
	ClientID      string   `json:"client_id"`
	UserID        string   `json:"user_id"`
	Scopes        []string `json:"scopes,omitempty"`
	GrantedAtUnix int64    `json:"granted_at_unix"`
	UpdatedAtUnix int64    `json:"updated_at_unix"`
}

func consentToJSON(c *storage.Consent) consentJSON {
	return consentJSON{
		ClientID:      c.ClientID,
		UserID:        c.UserID,
		Scopes:        c.Scopes,
		GrantedAtUnix: unix(c.CreatedAt),
		UpdatedAtUnix: unix(c.UpdatedAt),
	}
}

func (j consentJSON) toRecord() *storage.Consent {
	return &storage.Consent{
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scopes:    j.Scopes,
		CreatedAt: fromUnix(j.GrantedAtUnix),
		UpdatedAt: fromUnix(j.UpdatedAtUnix),
	}
}

type tokenJSON struct {
	AccessToken               string   `json:"access_token"`
	RefreshToken              string   `json:"refresh_token,omitempty"`
	ClientID                  string   `json:"client_id"`
	UserID                    string   `json:"user_id,omitempty"`
	Scopes                    []string `json:"scopes,omitempty"`
	GrantType                 string   `json:"grant_type"`
	TokenType                 string   `json:"token_type"`
	Status                    string   `json:"status"`
	IssuedAtUnix              int64    `json:"issued_at_unix"`
	AccessTokenExpiresAtUnix  int64    `json:"access_token_expires_at_unix"`
	RefreshTokenExpiresAtUnix int64    `json:"refresh_token_expires_at_unix,omitempty"`
}

func tokenToJSON(t *storage.AccessTokenRecord) tokenJSON {
	return tokenJSON{
		AccessToken:               t.AccessToken,
		RefreshToken:              t.RefreshToken,
		ClientID:                  t.ClientID,
		UserID:                    t.UserID,
		Scopes:                    t.Scopes,
		GrantType:                 t.GrantType,
		TokenType:                 t.TokenType,
		Status:                    string(t.Status),
		IssuedAtUnix:              unix(t.IssuedAt),
		AccessTokenExpiresAtUnix:  unix(t.AccessTokenExpiresAt),
		RefreshTokenExpiresAtUnix: unix(t.RefreshTokenExpiresAt),
	}
}

func (j tokenJSON) toRecord() *storage.AccessTokenRecord {
	return &storage.AccessTokenRecord{
		AccessToken:           j.AccessToken,
		RefreshToken:          j.RefreshToken,
		ClientID:              j.ClientID,
		UserID:                j.UserID,
		Scopes:                j.Scopes,
		GrantType:             j.GrantType,
		TokenType:             j.TokenType,
		Status:                storage.GrantStatus(j.Status),
		IssuedAt:              fromUnix(j.IssuedAtUnix),
		AccessTokenExpiresAt:  fromUnix(j.AccessTokenExpiresAtUnix),
		RefreshTokenExpiresAt: fromUnix(j.RefreshTokenExpiresAtUnix),
	}
}

type deviceJSON struct {
	DeviceCode               string   `json:"device_code"`
	UserCode                 string   `json:"user_code"`
	ClientID                 string   `json:"client_id"`
	Scopes                   []string `json:"scopes,omitempty"`
	Status                   string   `json:"status"`
	UserID                   string   `json:"user_id,omitempty"`
	Interval                 int      `json:"interval"`
	LastPolledAtUnix         int64    `json:"last_polled_at_unix,omitempty"`
	CreatedAtUnix            int64    `json:"created_at_unix"`
	ExpiresAtUnix            int64    `json:"expires_at_unix"`
	AccessToken              string   `json:"access_token,omitempty"`
	AccessTokenExpiresAtUnix int64    `json:"access_token_expires_at_unix,omitempty"`
}

func deviceToJSON(d *storage.DeviceAuthorization) deviceJSON {
	return deviceJSON{
		DeviceCode:               d.DeviceCode,
		UserCode:                 d.UserCode,
		ClientID:                 d.ClientID,
		Scopes:                   d.Scopes,
		Status:                   string(d.Status),
		UserID:                   d.UserID,
		Interval:                 d.Interval,
		LastPolledAtUnix:         unix(d.LastPolledAt),
		CreatedAtUnix:            unix(d.CreatedAt),
		ExpiresAtUnix:            unix(d.ExpiresAt),
		AccessToken:              d.AccessToken,
		AccessTokenExpiresAtUnix: unix(d.AccessTokenExpiresAt),
	}
}

func (j deviceJSON) toRecord() *storage.DeviceAuthorization {
	return &storage.DeviceAuthorization{
		DeviceCode:           j.DeviceCode,
		UserCode:             j.UserCode,
		ClientID:             j.ClientID,
		Scopes:               j.Scopes,
		Status:               storage.DeviceStatus(j.Status),
		UserID:               j.UserID,
		Interval:             j.Interval,
		LastPolledAt:         fromUnix(j.LastPolledAtUnix),
		CreatedAt:            fromUnix(j.CreatedAtUnix),
		ExpiresAt:            fromUnix(j.ExpiresAtUnix),
		AccessToken:          j.AccessToken,
		AccessTokenExpiresAt: fromUnix(j.AccessTokenExpiresAtUnix),
	}
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
