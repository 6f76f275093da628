package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"slices"
	"time"

	"github.com/authforge/authforge/internal/util"
	"github.com/authforge/authforge/security"
	"github.com/authforge/authforge/storage"
	"github.com/authforge/authforge/tokengen"
)

// TokenResponse is the RFC 6749 Section 5.1 success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse is the RFC 7662 Section 2.2 payload. Inactive tokens
// report only active:false, never why.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Sub       string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
}

// ExchangeAuthorizationCode redeems an authorization code. The grant is
// consumed atomically in storage: under concurrent redemption of the same
// code exactly one caller gets tokens and the rest get invalid_grant.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier, clientIP string) (*TokenResponse, *OAuthError) {
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return nil, ErrUnauthorizedClient("client is not authorized for the authorization_code grant")
	}

	grant, err := s.flowStore.AtomicRedeemAuthorizationGrant(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrGrantAlreadyRedeemed):
			// Replay of a consumed code is the classic interception signal.
			s.Logger.Warn("Authorization code replay detected",
				"client_id", client.ClientID,
				"code_prefix", util.SafeTruncate(code, 8))
			if s.Auditor != nil {
				s.Auditor.LogCodeReuse(client.ClientID, clientIP)
			}
			return nil, ErrInvalidGrant("invalid authorization code")
		case errors.Is(err, storage.ErrGrantNotFound), errors.Is(err, storage.ErrExpired):
			s.Logger.Debug("Authorization code rejected",
				"client_id", client.ClientID, "reason", err)
			return nil, ErrInvalidGrant("invalid authorization code")
		default:
			return nil, s.storageError("redeeming authorization grant", err)
		}
	}

	// Binding checks. Detail stays in the debug log; clients get the same
	// generic invalid_grant for every mismatch.
	if subtle.ConstantTimeCompare([]byte(grant.ClientID), []byte(client.ClientID)) != 1 {
		s.Logger.Debug("Authorization code client mismatch",
			"expected", grant.ClientID, "got", client.ClientID)
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if grant.RedirectURI != redirectURI {
		s.Logger.Debug("Authorization code redirect_uri mismatch",
			"client_id", client.ClientID)
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	if grant.CodeChallenge != "" {
		if codeVerifier == "" {
			return nil, ErrInvalidRequest("code_verifier is required")
		}
		if oe := verifyPKCE(codeVerifier, grant.CodeChallenge, grant.CodeChallengeMethod); oe != nil {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventPKCEValidationFailed,
					ClientID:  client.ClientID,
					IPAddress: clientIP,
				})
			}
			return nil, oe
		}
	} else if codeVerifier != "" {
		// A verifier against a challenge-less grant means someone stripped
		// the challenge at authorization time; reject the downgrade.
		return nil, ErrInvalidRequest("code_verifier provided but no code_challenge was bound to the code")
	}

	withRefresh := client.HasGrantType(GrantTypeRefreshToken)
	return s.issueTokens(ctx, client, grant.UserID, grant.UserID, grant.Scopes, GrantTypeAuthorizationCode, withRefresh, clientIP)
}

// RefreshAccessToken redeems a refresh token, rotating it unless the client
// is registered with reuse_refresh_tokens.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken, scope, clientIP string) (*TokenResponse, *OAuthError) {
	if refreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	if !client.HasGrantType(GrantTypeRefreshToken) {
		return nil, ErrUnauthorizedClient("client is not authorized for the refresh_token grant")
	}

	record, err := s.tokenStore.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrInvalidGrant("invalid refresh token")
		}
		return nil, s.storageError("refresh token lookup", err)
	}

	if subtle.ConstantTimeCompare([]byte(record.ClientID), []byte(client.ClientID)) != 1 {
		s.Logger.Debug("Refresh token client mismatch",
			"expected", record.ClientID, "got", client.ClientID)
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if record.Status != storage.StatusActive {
		s.Logger.Warn("Invalidated refresh token presented",
			"client_id", client.ClientID,
			"token_prefix", util.SafeTruncate(refreshToken, 8))
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if security.IsTokenExpiredWithGracePeriod(record.RefreshTokenExpiresAt, s.gracePeriod()) {
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	scopes := util.SplitScopes(scope)
	if len(scopes) == 0 {
		scopes = record.Scopes
	} else {
		for _, sc := range scopes {
			if !slices.Contains(record.Scopes, sc) {
				return nil, ErrInvalidScope("requested scope exceeds the original grant")
			}
		}
	}

	rotate := s.Config.AllowRefreshTokenRotation && !client.ReuseRefreshTokens
	if rotate {
		// Claim the old record before minting anything: concurrent
		// redemptions of one refresh token get exactly one winner.
		if err := s.tokenStore.AtomicInvalidateActiveToken(ctx, record.AccessToken); err != nil {
			if errors.Is(err, storage.ErrTokenNotActive) || errors.Is(err, storage.ErrTokenNotFound) {
				s.Logger.Warn("Concurrent refresh token redemption detected",
					"client_id", client.ClientID,
					"token_prefix", util.SafeTruncate(refreshToken, 8))
				return nil, ErrInvalidGrant("invalid refresh token")
			}
			return nil, s.storageError("claiming rotated token", err)
		}
	}

	accessToken, err := s.tokens.AccessToken(tokengen.Claims{
		Subject:  record.UserID,
		ClientID: client.ClientID,
		Scopes:   scopes,
		TTL:      s.accessTokenTTL(client),
	})
	if err != nil {
		return nil, s.storageError("generating access token", err)
	}

	newRefresh := record.RefreshToken
	refreshExpiry := record.RefreshTokenExpiresAt
	if rotate {
		newRefresh, err = s.tokens.RefreshToken()
		if err != nil {
			return nil, s.storageError("generating refresh token", err)
		}
		refreshExpiry = time.Now().Add(s.refreshTokenTTL(client))
	}

	ttl := s.accessTokenTTL(client)
	newRecord := &storage.AccessTokenRecord{
		AccessToken:           accessToken,
		RefreshToken:          newRefresh,
		ClientID:              client.ClientID,
		UserID:                record.UserID,
		Scopes:                scopes,
		GrantType:             GrantTypeRefreshToken,
		TokenType:             TokenTypeBearer,
		Status:                storage.StatusActive,
		IssuedAt:              time.Now(),
		AccessTokenExpiresAt:  time.Now().Add(ttl),
		RefreshTokenExpiresAt: refreshExpiry,
	}
	if err := s.tokenStore.SaveAccessTokenRecord(ctx, newRecord); err != nil {
		return nil, s.storageError("saving token record", err)
	}

	s.Logger.Info("Access token refreshed",
		"client_id", client.ClientID, "rotated", rotate)
	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(record.UserID, client.ClientID, clientIP, rotate)
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(ttl.Seconds()),
		RefreshToken: newRefresh,
		Scope:        util.JoinScopes(scopes),
	}, nil
}

// ClientCredentials issues a token for the client's own identity. No user, no
// refresh token (RFC 6749 Section 4.4.3).
func (s *Server) ClientCredentials(ctx context.Context, client *storage.Client, scope, clientIP string) (*TokenResponse, *OAuthError) {
	if !client.HasGrantType(GrantTypeClientCredentials) {
		return nil, ErrUnauthorizedClient("client is not authorized for the client_credentials grant")
	}
	if client.IsPublic() {
		return nil, ErrUnauthorizedClient("public clients may not use the client_credentials grant")
	}

	scopes := util.SplitScopes(scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	} else if !client.AllowsScopes(scopes) {
		return nil, ErrInvalidScope("requested scope exceeds the client registration")
	}

	return s.issueTokens(ctx, client, "", SubjectServiceAccount, scopes, GrantTypeClientCredentials, false, clientIP)
}

// issueTokens generates and persists one issuance event.
func (s *Server) issueTokens(ctx context.Context, client *storage.Client, userID, subject string, scopes []string, grantType string, withRefresh bool, clientIP string) (*TokenResponse, *OAuthError) {
	ttl := s.accessTokenTTL(client)

	accessToken, err := s.tokens.AccessToken(tokengen.Claims{
		Subject:  subject,
		ClientID: client.ClientID,
		Scopes:   scopes,
		TTL:      ttl,
	})
	if err != nil {
		return nil, s.storageError("generating access token", err)
	}

	record := &storage.AccessTokenRecord{
		AccessToken:          accessToken,
		ClientID:             client.ClientID,
		UserID:               userID,
		Scopes:               scopes,
		GrantType:            grantType,
		TokenType:            TokenTypeBearer,
		Status:               storage.StatusActive,
		IssuedAt:             time.Now(),
		AccessTokenExpiresAt: time.Now().Add(ttl),
	}

	if withRefresh {
		refreshToken, err := s.tokens.RefreshToken()
		if err != nil {
			return nil, s.storageError("generating refresh token", err)
		}
		record.RefreshToken = refreshToken
		record.RefreshTokenExpiresAt = time.Now().Add(s.refreshTokenTTL(client))
	}

	if err := s.tokenStore.SaveAccessTokenRecord(ctx, record); err != nil {
		return nil, s.storageError("saving token record", err)
	}

	s.Logger.Info("Access token issued",
		"client_id", client.ClientID,
		"grant_type", grantType,
		"scope", util.JoinScopes(scopes),
		"token_prefix", util.SafeTruncate(accessToken, 8))
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(userID, client.ClientID, clientIP, grantType, util.JoinScopes(scopes))
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(ttl.Seconds()),
		RefreshToken: record.RefreshToken,
		Scope:        util.JoinScopes(scopes),
	}, nil
}

// Introspect implements RFC 7662. Lookups are always filtered by the
// authenticated client so one client can never probe another's tokens, and
// every inactive outcome collapses into the same {active:false} shape.
func (s *Server) Introspect(ctx context.Context, client *storage.Client, token, tokenTypeHint string) (*IntrospectionResponse, *OAuthError) {
	if token == "" {
		return nil, ErrInvalidRequest("token is required")
	}

	record, matched, err := s.resolveToken(ctx, client.ClientID, token, tokenTypeHint)
	if err != nil {
		return nil, s.storageError("token lookup", err)
	}
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventTokenIntrospected,
			ClientID: client.ClientID,
			Details:  map[string]any{"found": record != nil},
		})
	}
	if record == nil || record.Status != storage.StatusActive {
		return &IntrospectionResponse{Active: false}, nil
	}

	var expiresAt time.Time
	switch matched {
	case TokenTypeHintRefreshToken:
		expiresAt = record.RefreshTokenExpiresAt
	default:
		expiresAt = record.AccessTokenExpiresAt
	}
	if security.IsTokenExpiredWithGracePeriod(expiresAt, s.gracePeriod()) {
		return &IntrospectionResponse{Active: false}, nil
	}

	sub := record.UserID
	if sub == "" {
		sub = SubjectServiceAccount
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     util.JoinScopes(record.Scopes),
		ClientID:  record.ClientID,
		Username:  record.UserID,
		Sub:       sub,
		TokenType: TokenTypeBearer,
		Exp:       expiresAt.Unix(),
		Iat:       record.IssuedAt.Unix(),
	}, nil
}

// Revoke implements RFC 7009. Revocation is idempotent: unknown and
// already-revoked tokens succeed silently so the endpoint reveals nothing
// about token existence. Revoking a refresh token cascades to every access
// token chained to it.
func (s *Server) Revoke(ctx context.Context, client *storage.Client, token, tokenTypeHint, clientIP string) *OAuthError {
	if token == "" {
		return ErrInvalidRequest("token is required")
	}

	record, matched, err := s.resolveToken(ctx, client.ClientID, token, tokenTypeHint)
	if err != nil {
		return s.storageError("token lookup", err)
	}
	if record == nil {
		return nil
	}

	if matched == TokenTypeHintRefreshToken {
		chained, err := s.tokenStore.ListByRefreshToken(ctx, token)
		if err != nil {
			return s.storageError("listing chained tokens", err)
		}
		for _, rec := range chained {
			if err := s.tokenStore.InvalidateAccessTokenRecord(ctx, rec.AccessToken); err != nil {
				return s.storageError("invalidating chained token", err)
			}
		}
		s.Logger.Info("Refresh token revoked",
			"client_id", client.ClientID, "cascaded", len(chained))
	} else {
		if err := s.tokenStore.InvalidateAccessTokenRecord(ctx, record.AccessToken); err != nil {
			return s.storageError("invalidating token", err)
		}
		if s.Config.RevokeRefreshOnAccess && record.RefreshToken != "" {
			chained, err := s.tokenStore.ListByRefreshToken(ctx, record.RefreshToken)
			if err != nil {
				return s.storageError("listing chained tokens", err)
			}
			for _, rec := range chained {
				if err := s.tokenStore.InvalidateAccessTokenRecord(ctx, rec.AccessToken); err != nil {
					return s.storageError("invalidating chained token", err)
				}
			}
		}
		s.Logger.Info("Access token revoked", "client_id", client.ClientID)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(record.UserID, client.ClientID, clientIP, matched)
	}
	return nil
}

// resolveToken looks a token up by hint with cross-fallback: the hinted type
// first, then the other (RFC 7662 Section 2.1). Unknown hints are ignored.
// Lookups are scoped to the requesting client; a miss returns (nil, "", nil).
func (s *Server) resolveToken(ctx context.Context, clientID, token, hint string) (*storage.AccessTokenRecord, string, error) {
	order := []string{TokenTypeHintAccessToken, TokenTypeHintRefreshToken}
	if hint == TokenTypeHintRefreshToken {
		order = []string{TokenTypeHintRefreshToken, TokenTypeHintAccessToken}
	}

	for _, kind := range order {
		var (
			record *storage.AccessTokenRecord
			err    error
		)
		if kind == TokenTypeHintAccessToken {
			record, err = s.tokenStore.GetByAccessTokenAndClient(ctx, token, clientID)
		} else {
			record, err = s.tokenStore.GetByRefreshTokenAndClient(ctx, token, clientID)
		}
		if err != nil {
			if errors.Is(err, storage.ErrTokenNotFound) {
				continue
			}
			return nil, "", err
		}
		return record, kind, nil
	}
	return nil, "", nil
}
