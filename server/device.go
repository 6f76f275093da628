package server

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/authforge/authforge/internal/util"
	"github.com/authforge/authforge/security"
	"github.com/authforge/authforge/storage"
	"github.com/authforge/authforge/tokengen"
)

// Code alphabets exclude visually ambiguous characters (no I, O, 0, 1) so
// codes survive being read off a TV screen and typed on a phone.
const (
	deviceCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	deviceCodeLength   = 40
	deviceCodeGroup    = 8

	userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	userCodeLength   = 8
	userCodeGroup    = 4
)

// DeviceAuthorizationResponse is the RFC 8628 Section 3.2 payload.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// StartDeviceAuthorization creates a device/user code pair for an
// authenticated client (RFC 8628 Section 3.1).
func (s *Server) StartDeviceAuthorization(ctx context.Context, client *storage.Client, scope, clientIP string) (*DeviceAuthorizationResponse, *OAuthError) {
	if !client.HasGrantType(GrantTypeDeviceCode) {
		return nil, ErrUnauthorizedClient("client is not authorized for the device_code grant")
	}

	scopes := util.SplitScopes(scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	} else if !client.AllowsScopes(scopes) {
		return nil, ErrInvalidScope("requested scope exceeds the client registration")
	}

	deviceCode, err := randomCode(deviceCodeAlphabet, deviceCodeLength, deviceCodeGroup)
	if err != nil {
		return nil, ErrServerError("internal error")
	}
	userCode, err := randomCode(userCodeAlphabet, userCodeLength, userCodeGroup)
	if err != nil {
		return nil, ErrServerError("internal error")
	}

	auth := &storage.DeviceAuthorization{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		ClientID:   client.ClientID,
		Scopes:     scopes,
		Status:     storage.DeviceStatusPending,
		Interval:   s.Config.DeviceCodeInterval,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Duration(s.Config.DeviceCodeTTL) * time.Second),
	}
	if err := s.deviceStore.SaveDeviceAuthorization(ctx, auth); err != nil {
		return nil, s.storageError("saving device authorization", err)
	}

	s.Logger.Info("Device authorization started",
		"client_id", client.ClientID,
		"user_code", userCode,
		"expires_in", s.Config.DeviceCodeTTL)
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventDeviceAuthorizationStarted,
			ClientID:  client.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"scope": util.JoinScopes(scopes)},
		})
	}

	return &DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         s.Config.VerificationURI,
		VerificationURIComplete: s.Config.VerificationURI + "?user_code=" + url.QueryEscape(userCode),
		ExpiresIn:               s.Config.DeviceCodeTTL,
		Interval:                auth.Interval,
	}, nil
}

// LookupUserCode resolves a user code for the verification page. The code is
// normalized first, so "wxyz-abcd" and "WXYZ ABCD" both resolve.
func (s *Server) LookupUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, *OAuthError) {
	auth, err := s.deviceStore.GetByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthNotFound) {
			return nil, ErrInvalidRequest("unknown user code")
		}
		return nil, s.storageError("user code lookup", err)
	}

	if auth.IsExpired() {
		s.expireDeviceAuthorization(ctx, auth)
		return nil, ErrExpiredToken("the user code has expired")
	}
	if auth.Status != storage.DeviceStatusPending {
		return nil, ErrInvalidRequest("the user code has already been processed")
	}
	return auth, nil
}

// CompleteDeviceVerification records the user's approve/deny decision for a
// pending device authorization.
func (s *Server) CompleteDeviceVerification(ctx context.Context, userCode, userID string, approved bool) *OAuthError {
	auth, oe := s.LookupUserCode(ctx, userCode)
	if oe != nil {
		return oe
	}

	if approved {
		auth.Status = storage.DeviceStatusApproved
	} else {
		auth.Status = storage.DeviceStatusDenied
	}
	auth.UserID = userID
	if err := s.deviceStore.UpdateDeviceAuthorization(ctx, auth); err != nil {
		return s.storageError("updating device authorization", err)
	}

	s.Logger.Info("Device verification completed",
		"client_id", auth.ClientID,
		"user_code", auth.UserCode,
		"approved", approved)
	if s.Auditor != nil {
		s.Auditor.LogDeviceDecision(userID, auth.ClientID, "", approved)
	}
	return nil
}

// DeviceAccessToken handles one poll of the device_code grant (RFC 8628
// Section 3.4/3.5). Completion is atomic in storage so racing pollers can't
// both redeem the same device code.
func (s *Server) DeviceAccessToken(ctx context.Context, client *storage.Client, deviceCode, clientIP string) (*TokenResponse, *OAuthError) {
	if deviceCode == "" {
		return nil, ErrInvalidRequest("device_code is required")
	}
	if !client.HasGrantType(GrantTypeDeviceCode) {
		return nil, ErrUnauthorizedClient("client is not authorized for the device_code grant")
	}

	auth, err := s.deviceStore.GetByDeviceCode(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthNotFound) {
			return nil, ErrInvalidGrant("invalid device code")
		}
		return nil, s.storageError("device code lookup", err)
	}

	if auth.ClientID != client.ClientID {
		s.Logger.Warn("Device code client mismatch",
			"expected", auth.ClientID, "got", client.ClientID)
		return nil, ErrInvalidClient("device code was issued to a different client")
	}

	if auth.Status == storage.DeviceStatusCompleted {
		return nil, ErrInvalidGrant("device code has already been used")
	}
	if auth.Status == storage.DeviceStatusExpired || auth.IsExpired() {
		s.expireDeviceAuthorization(ctx, auth)
		return nil, ErrExpiredToken("the device code has expired")
	}

	// Interval enforcement comes before the status check: an impatient
	// device is told to slow down even when approval is already waiting,
	// and the interval grows so tight loops pay for it (RFC 8628 3.5).
	now := time.Now()
	if !auth.CanPoll(now) {
		auth.IncreaseInterval()
		if err := s.deviceStore.UpdateDeviceAuthorization(ctx, auth); err != nil {
			return nil, s.storageError("updating device authorization", err)
		}
		return nil, ErrSlowDown("polling too frequently")
	}

	switch auth.Status {
	case storage.DeviceStatusPending:
		auth.LastPolledAt = now
		if err := s.deviceStore.UpdateDeviceAuthorization(ctx, auth); err != nil {
			return nil, s.storageError("updating device authorization", err)
		}
		return nil, ErrAuthorizationPending("the user has not approved the request yet")

	case storage.DeviceStatusDenied:
		return nil, ErrAccessDenied("the user denied the request")

	case storage.DeviceStatusApproved:
		return s.completeDeviceAuthorization(ctx, client, auth, clientIP)

	default:
		return nil, ErrInvalidGrant("invalid device code")
	}
}

// completeDeviceAuthorization issues the access token for an approved device
// authorization. The APPROVED->COMPLETED transition happens atomically in
// storage before the token record is persisted; a losing racer never sees a
// token.
func (s *Server) completeDeviceAuthorization(ctx context.Context, client *storage.Client, auth *storage.DeviceAuthorization, clientIP string) (*TokenResponse, *OAuthError) {
	subject := auth.UserID
	if subject == "" {
		subject = SubjectDeviceAuthorization
	}

	ttl := s.accessTokenTTL(client)
	accessToken, err := s.tokens.AccessToken(tokengen.Claims{
		Subject:  subject,
		ClientID: client.ClientID,
		Scopes:   auth.Scopes,
		TTL:      ttl,
	})
	if err != nil {
		return nil, s.storageError("generating access token", err)
	}
	expiresAt := time.Now().Add(ttl)

	completed, err := s.deviceStore.AtomicCompleteDeviceAuthorization(ctx, auth.DeviceCode, accessToken, expiresAt)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthNotApproved) {
			// Another poller won the race and consumed the approval.
			return nil, ErrInvalidGrant("device code has already been used")
		}
		return nil, s.storageError("completing device authorization", err)
	}

	record := &storage.AccessTokenRecord{
		AccessToken:          accessToken,
		ClientID:             client.ClientID,
		UserID:               completed.UserID,
		Scopes:               completed.Scopes,
		GrantType:            GrantTypeDeviceCode,
		TokenType:            TokenTypeBearer,
		Status:               storage.StatusActive,
		IssuedAt:             time.Now(),
		AccessTokenExpiresAt: expiresAt,
	}
	if err := s.tokenStore.SaveAccessTokenRecord(ctx, record); err != nil {
		return nil, s.storageError("saving token record", err)
	}

	s.Logger.Info("Device authorization completed",
		"client_id", client.ClientID,
		"user_code", completed.UserCode,
		"token_prefix", util.SafeTruncate(accessToken, 8))
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(completed.UserID, client.ClientID, clientIP, GrantTypeDeviceCode, util.JoinScopes(completed.Scopes))
	}

	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       util.JoinScopes(completed.Scopes),
	}, nil
}

// expireDeviceAuthorization transitions a record to EXPIRED, best effort.
func (s *Server) expireDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) {
	if auth.Status == storage.DeviceStatusExpired {
		return
	}
	auth.Status = storage.DeviceStatusExpired
	if err := s.deviceStore.UpdateDeviceAuthorization(ctx, auth); err != nil {
		s.Logger.Warn("Failed to mark device authorization expired",
			"user_code", auth.UserCode, "error", err)
	}
}

// NormalizeUserCode canonicalizes user input: uppercase, separators stripped,
// dash-grouped the way codes are generated.
func NormalizeUserCode(input string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(input)))
	return groupCode(cleaned, userCodeGroup)
}

// randomCode draws n characters from the alphabet using rejection-free
// uniform sampling and groups them with dashes for transmission.
func randomCode(alphabet string, n, group int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[idx.Int64()]
	}
	return groupCode(string(b), group), nil
}

// groupCode inserts a dash every group characters.
func groupCode(s string, group int) string {
	if group <= 0 || len(s) <= group {
		return s
	}
	var sb strings.Builder
	for i, c := range []byte(s) {
		if i > 0 && i%group == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
