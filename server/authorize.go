package server

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"time"

	"github.com/authforge/authforge/internal/util"
	"github.com/authforge/authforge/security"
	"github.com/authforge/authforge/storage"
)

// ResultType discriminates the outcomes of an authorization request.
type ResultType int

const (
	// ResultShowConsent means the boundary must render the consent page.
	ResultShowConsent ResultType = iota
	// ResultRedirectWithCode carries a success redirect to the client.
	ResultRedirectWithCode
	// ResultRedirectWithError carries an error redirect to the client.
	ResultRedirectWithError
)

// AuthorizationResult is the variant returned by Authorize and
// FinalizeConsent. Redirect-vs-error decisions are data, not control flow;
// the HTTP layer matches on Type.
type AuthorizationResult struct {
	Type ResultType

	// Set for ResultShowConsent
	TraceID string
	Client  *storage.Client
	Scopes  []string

	// Set for the redirect results: a complete URL including query params
	RedirectURL string
}

// AuthorizeRequest is a parsed GET /authorize request. UserID identifies the
// already-authenticated resource owner; session handling is the boundary's
// concern.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	UserID              string
}

// ConsentDecision is the consent-page postback, correlated to the pending
// request by TraceID.
type ConsentDecision struct {
	TraceID  string
	ClientID string
	UserID   string
	Approved bool
	// ApprovedScopes is the subset the user approved; empty means all
	// requested scopes.
	ApprovedScopes []string
}

// Authorize runs the authorization-request state machine. A non-nil error
// means the failure must be shown in-band: the redirect target could not be
// trusted (unknown client, unregistered redirect_uri) or storage failed.
// Failures after the redirect target is validated come back as
// ResultRedirectWithError so the client learns the outcome.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizationResult, *OAuthError) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if req.UserID == "" {
		return nil, ErrServerError("authorization requires an authenticated user")
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrUnauthorizedClient("unknown client")
		}
		return nil, s.storageError("client lookup", err)
	}

	// SECURITY: never redirect until the redirect_uri is known to be
	// registered, otherwise the error itself becomes an open redirect.
	if req.RedirectURI == "" || !client.HasRedirectURI(req.RedirectURI) {
		s.logInvalidRedirect(client.ClientID, req.RedirectURI)
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	if req.ResponseType != "code" {
		return s.redirectError(req, ErrorCodeUnsupportedResponseType, "only response_type=code is supported"), nil
	}

	if !client.HasGrantType(GrantTypeAuthorizationCode) {
		return s.redirectError(req, ErrorCodeUnauthorizedClient, "client is not authorized for the authorization_code grant"), nil
	}

	scopes := util.SplitScopes(req.Scope)
	if !client.AllowsScopes(scopes) {
		s.logScopeEscalation(client.ClientID, req.Scope)
		return s.redirectError(req, ErrorCodeInvalidScope, "requested scope exceeds the client registration"), nil
	}

	if oe := s.validateChallenge(client, req); oe != nil {
		return s.redirectError(req, oe.Code, oe.Description), nil
	}

	required, toApprove, err := s.consentRequired(ctx, client, req.UserID, scopes)
	if err != nil {
		return nil, s.storageError("consent lookup", err)
	}

	if !required {
		return s.mintCode(ctx, client, req.UserID, scopes, req)
	}

	pending := &storage.PendingAuthorization{
		TraceID:             generateRandomToken(),
		ClientID:            client.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(time.Duration(s.Config.PendingAuthorizationTTL) * time.Second),
	}
	if err := s.flowStore.SavePendingAuthorization(ctx, pending); err != nil {
		return nil, s.storageError("saving pending authorization", err)
	}

	s.Logger.Debug("Consent required",
		"client_id", client.ClientID,
		"trace_id", util.SafeTruncate(pending.TraceID, 8),
		"scopes_to_approve", toApprove)

	return &AuthorizationResult{
		Type:    ResultShowConsent,
		TraceID: pending.TraceID,
		Client:  client,
		Scopes:  toApprove,
	}, nil
}

// FinalizeConsent resumes an authorization parked for consent. The pending
// record is consumed on every path so a trace ID is good for exactly one
// round-trip.
func (s *Server) FinalizeConsent(ctx context.Context, decision *ConsentDecision) (*AuthorizationResult, *OAuthError) {
	pending, err := s.flowStore.GetPendingAuthorization(ctx, decision.TraceID)
	if err != nil {
		if errors.Is(err, storage.ErrPendingAuthNotFound) {
			return nil, ErrInvalidRequest("unknown or expired trace_id")
		}
		return nil, s.storageError("pending authorization lookup", err)
	}

	if delErr := s.flowStore.DeletePendingAuthorization(ctx, decision.TraceID); delErr != nil {
		s.Logger.Warn("Failed to delete pending authorization",
			"trace_id", util.SafeTruncate(decision.TraceID, 8), "error", delErr)
	}

	if pending.IsExpired() {
		return nil, ErrInvalidRequest("the authorization request has expired")
	}

	// The postback must come from the same client/user pair that started
	// the flow; a mismatch is treated as forgery and answered in-band.
	if pending.ClientID != decision.ClientID || pending.UserID != decision.UserID {
		s.Logger.Warn("Consent postback identity mismatch",
			"trace_id", util.SafeTruncate(decision.TraceID, 8),
			"expected_client", pending.ClientID,
			"got_client", decision.ClientID)
		return nil, ErrInvalidRequest("consent does not match the pending authorization")
	}

	req := &AuthorizeRequest{
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		State:               pending.State,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Nonce:               pending.Nonce,
		UserID:              pending.UserID,
	}

	if !decision.Approved {
		if s.Auditor != nil {
			s.Auditor.LogConsentDecision(pending.UserID, pending.ClientID, "", false, util.JoinScopes(pending.Scopes))
		}
		return s.redirectError(req, ErrorCodeAccessDenied, "the user denied the request"), nil
	}

	approved := decision.ApprovedScopes
	if len(approved) == 0 {
		approved = pending.Scopes
	}
	for _, sc := range approved {
		if !slices.Contains(pending.Scopes, sc) {
			return s.redirectError(req, ErrorCodeInvalidScope, "approved scope was not requested"), nil
		}
	}
	// openid rides along with any approval; it names the user, not a
	// permission the consent page asks about.
	if slices.Contains(pending.Scopes, ScopeOpenID) && !slices.Contains(approved, ScopeOpenID) {
		approved = append(approved, ScopeOpenID)
	}

	if err := s.recordConsent(ctx, pending.ClientID, pending.UserID, approved); err != nil {
		return nil, s.storageError("saving consent", err)
	}
	if s.Auditor != nil {
		s.Auditor.LogConsentDecision(pending.UserID, pending.ClientID, "", true, util.JoinScopes(approved))
	}

	client, err := s.clientStore.GetClient(ctx, pending.ClientID)
	if err != nil {
		return nil, s.storageError("client lookup", err)
	}

	return s.mintCode(ctx, client, pending.UserID, approved, req)
}

// consentRequired decides whether the consent page must be shown and which
// scopes still need approval. The openid scope never requires explicit
// consent on its own.
func (s *Server) consentRequired(ctx context.Context, client *storage.Client, userID string, scopes []string) (bool, []string, error) {
	if client.AutoApprove {
		return false, nil, nil
	}

	consent, err := s.consentStore.GetConsent(ctx, client.ClientID, userID)
	if err != nil && !errors.Is(err, storage.ErrConsentNotFound) {
		return false, nil, err
	}

	var toApprove []string
	for _, sc := range scopes {
		if sc == ScopeOpenID {
			continue
		}
		if consent != nil && slices.Contains(consent.Scopes, sc) {
			continue
		}
		toApprove = append(toApprove, sc)
	}
	return len(toApprove) > 0, toApprove, nil
}

// recordConsent upserts the consent record with a monotone scope union.
func (s *Server) recordConsent(ctx context.Context, clientID, userID string, approved []string) error {
	consent, err := s.consentStore.GetConsent(ctx, clientID, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrConsentNotFound) {
			return err
		}
		consent = &storage.Consent{
			ClientID:  clientID,
			UserID:    userID,
			CreatedAt: time.Now(),
		}
	}
	consent.MergeScopes(approved)
	consent.UpdatedAt = time.Now()
	return s.consentStore.SaveConsent(ctx, consent)
}

// mintCode issues an authorization grant and builds the success redirect.
func (s *Server) mintCode(ctx context.Context, client *storage.Client, userID string, scopes []string, req *AuthorizeRequest) (*AuthorizationResult, *OAuthError) {
	grant := &storage.AuthorizationGrant{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		Status:              storage.StatusActive,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationGrant(ctx, grant); err != nil {
		return nil, s.storageError("saving authorization grant", err)
	}

	s.Logger.Info("Authorization code issued",
		"client_id", client.ClientID,
		"code_prefix", util.SafeTruncate(grant.Code, 8),
		"scope", util.JoinScopes(scopes),
		"pkce", grant.CodeChallenge != "")
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			UserID:   userID,
			ClientID: client.ClientID,
			Details:  map[string]any{"scope": util.JoinScopes(scopes)},
		})
	}

	params := url.Values{}
	params.Set("code", grant.Code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	return &AuthorizationResult{
		Type:        ResultRedirectWithCode,
		RedirectURL: appendQuery(req.RedirectURI, params),
	}, nil
}

// validateChallenge checks the PKCE parameters supplied at authorization time.
func (s *Server) validateChallenge(client *storage.Client, req *AuthorizeRequest) *OAuthError {
	if req.CodeChallenge == "" {
		if s.Config.RequirePKCE || client.RequirePKCE || client.IsPublic() {
			return ErrInvalidRequest("code_challenge is required")
		}
		if req.CodeChallengeMethod != "" {
			return ErrInvalidRequest("code_challenge_method without code_challenge")
		}
		return nil
	}

	switch req.CodeChallengeMethod {
	case CodeChallengeMethodS256, "":
	case CodeChallengeMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return ErrInvalidRequest("the plain code_challenge_method is not allowed")
		}
	default:
		return ErrInvalidRequest("unsupported code_challenge_method")
	}

	if !ValidChallengeFormat(req.CodeChallenge) {
		return ErrInvalidRequest("code_challenge must be 43-128 characters from [A-Za-z0-9-._~]")
	}
	return nil
}

// redirectError builds an error redirect to an already-validated redirect_uri.
func (s *Server) redirectError(req *AuthorizeRequest, code, description string) *AuthorizationResult {
	params := url.Values{}
	params.Set("error", code)
	params.Set("error_description", description)
	if req.State != "" {
		params.Set("state", req.State)
	}
	return &AuthorizationResult{
		Type:        ResultRedirectWithError,
		RedirectURL: appendQuery(req.RedirectURI, params),
	}
}

// appendQuery merges params into target's existing query string. The target
// is a registered redirect URI and has been validated before this point.
func appendQuery(target string, params url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		// Registered URIs are validated at registration time; fall back to
		// naive concatenation rather than dropping the response.
		return target + "?" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// storageError maps a backend failure to the right protocol error. Transient
// unavailability surfaces as 503; everything else is a generic server_error
// with detail kept in the logs.
func (s *Server) storageError(op string, err error) *OAuthError {
	if errors.Is(err, storage.ErrUnavailable) {
		s.Logger.Error("Storage temporarily unavailable", "op", op, "error", err)
		return ErrTemporarilyUnavailable("the authorization server is temporarily unable to handle the request")
	}
	s.Logger.Error("Storage operation failed", "op", op, "error", err)
	return ErrServerError("internal error")
}

func (s *Server) logInvalidRedirect(clientID, redirectURI string) {
	s.Logger.Warn("Unregistered redirect_uri in authorization request",
		"client_id", clientID, "redirect_uri", redirectURI)
}

func (s *Server) logScopeEscalation(clientID, scope string) {
	s.Logger.Warn("Requested scope exceeds client registration",
		"client_id", clientID, "scope", scope)
}
