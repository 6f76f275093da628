package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authforge/authforge/clientauth"
	"github.com/authforge/authforge/instrumentation"
	"github.com/authforge/authforge/security"
	"github.com/authforge/authforge/server"
	"github.com/authforge/authforge/storage"
)

// maxRegistrationBodySize bounds the JSON body of a registration request.
const maxRegistrationBodySize = 64 * 1024

// UserAuthenticator resolves the resource owner behind a browser request.
// How users log in (sessions, SSO, anything else) is the embedder's concern;
// the handler only needs a stable user identifier. Returning an empty string
// with a nil error means the request is unauthenticated.
type UserAuthenticator func(r *http.Request) (string, error)

// Handler is a thin HTTP adapter for the OAuth Server.
// It parses requests, authenticates clients, and delegates to the engine.
type Handler struct {
	server  *Server
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics

	// UserAuth resolves the logged-in user on the authorization and device
	// verification pages. Must be set before serving those endpoints.
	UserAuth UserAuthenticator

	// RegistrationRateLimiter limits registration requests per client IP.
	// Optional.
	RegistrationRateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler. inst and logger may be nil.
func NewHandler(srv *Server, inst *instrumentation.Instrumentation, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}
	if inst != nil {
		h.tracer = inst.Tracer("http")
		h.metrics = inst.Metrics()
	}
	return h
}

// RegisterRoutes registers all endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/authorize/consent", h.ServeConsent)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/device_authorization", h.ServeDeviceAuthorization)
	mux.HandleFunc("/deviceToken", h.ServeDeviceToken)
	mux.HandleFunc("/device", h.ServeDeviceVerification)
	mux.HandleFunc("/introspect", h.ServeTokenIntrospection)
	mux.HandleFunc("/revoke", h.ServeTokenRevocation)
	mux.HandleFunc("/register", h.ServeClientRegistration)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
}

// ServeAuthorization handles GET /authorize, the entry point of the
// authorization code flow.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorization")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, "authorization", clientIP, startTime) {
		return
	}

	userID, err := h.authenticateUser(r)
	if err != nil {
		h.logger.Error("User authentication failed", "error", err)
		h.recordHTTPMetrics("authorization", r.Method, http.StatusInternalServerError, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeServerError, "User authentication failed", http.StatusInternalServerError)
		return
	}
	if userID == "" {
		h.recordHTTPMetrics("authorization", r.Method, http.StatusUnauthorized, startTime)
		h.writeError(w, ErrorCodeAccessDenied, "User is not authenticated", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	req := &AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		UserID:              userID,
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	result, oauthErr := h.server.Authorize(ctx, req)
	if oauthErr != nil {
		h.recordHTTPMetrics("authorization", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	}
	instrumentation.SetSpanSuccess(span)

	switch result.Type {
	case server.ResultShowConsent:
		h.recordHTTPMetrics("authorization", r.Method, http.StatusOK, startTime)
		h.serveConsentPage(w, result)
	default:
		h.recordHTTPMetrics("authorization", r.Method, http.StatusFound, startTime)
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	}
}

// ServeConsent handles the consent page postback.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.consent")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("consent", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("consent", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	userID, err := h.authenticateUser(r)
	if err != nil || userID == "" {
		h.recordHTTPMetrics("consent", r.Method, http.StatusUnauthorized, startTime)
		h.writeError(w, ErrorCodeAccessDenied, "User is not authenticated", http.StatusUnauthorized)
		return
	}

	approved := r.FormValue("action") == "approve"
	decision := &ConsentDecision{
		TraceID:        r.FormValue("trace_id"),
		ClientID:       r.FormValue("client_id"),
		UserID:         userID,
		Approved:       approved,
		ApprovedScopes: r.Form["scope"],
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, decision.ClientID),
		attribute.String(instrumentation.AttrUserID, userID),
	)

	result, oauthErr := h.server.FinalizeConsent(ctx, decision)
	if oauthErr != nil {
		h.recordHTTPMetrics("consent", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordConsentDecision(ctx, decision.ClientID, approved)
	}
	instrumentation.SetSpanSuccess(span)

	h.recordHTTPMetrics("consent", r.Method, http.StatusFound, startTime)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// ServeToken handles POST /token and dispatches on grant_type.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
		r = r.WithContext(ctx)
	}

	h.setCORSHeaders(w, r)
	if h.handlePreflight(w, r) {
		return
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, "token", clientIP, startTime) {
		return
	}

	client, method, oauthErr := h.authenticateClient(ctx, r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics("token", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	grantType := r.FormValue("grant_type")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, grantType),
		attribute.String(instrumentation.AttrAuthMethod, method),
	)

	var token *TokenResponse
	switch grantType {
	case GrantTypeAuthorizationCode:
		token, oauthErr = h.server.ExchangeAuthorizationCode(ctx, client,
			r.FormValue("code"), r.FormValue("redirect_uri"), r.FormValue("code_verifier"), clientIP)
		if oauthErr == nil && h.metrics != nil {
			h.metrics.RecordCodeExchange(ctx, client.ClientID, r.FormValue("code_challenge_method"))
		}
	case GrantTypeRefreshToken:
		token, oauthErr = h.server.RefreshAccessToken(ctx, client,
			r.FormValue("refresh_token"), r.FormValue("scope"), clientIP)
		if oauthErr == nil && h.metrics != nil {
			rotated := h.server.Config.AllowRefreshTokenRotation && !client.ReuseRefreshTokens
			h.metrics.RecordTokenRefresh(ctx, client.ClientID, rotated)
		}
	case GrantTypeClientCredentials:
		token, oauthErr = h.server.ClientCredentials(ctx, client, r.FormValue("scope"), clientIP)
	case GrantTypeDeviceCode:
		token, oauthErr = h.server.DeviceAccessToken(ctx, client, r.FormValue("device_code"), clientIP)
	default:
		oauthErr = server.ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType))
	}

	if oauthErr != nil {
		h.recordHTTPMetrics("token", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordTokenIssued(ctx, client.ClientID, grantType)
	}
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token)
}

// ServeDeviceToken handles POST /deviceToken, the device-grant alias of the
// token endpoint. Only the device authorization grant is accepted here.
func (h *Handler) ServeDeviceToken(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
			return
		}
		if gt := r.FormValue("grant_type"); gt != GrantTypeDeviceCode {
			h.writeError(w, ErrorCodeUnsupportedGrantType,
				fmt.Sprintf("grant type %q is not accepted at this endpoint", gt), http.StatusBadRequest)
			return
		}
	}
	h.ServeToken(w, r)
}

// ServeDeviceAuthorization handles POST /device_authorization (RFC 8628
// Section 3.1).
func (h *Handler) ServeDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.device_authorization")
		defer span.End()
	}

	h.setCORSHeaders(w, r)
	if h.handlePreflight(w, r) {
		return
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("device_authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("device_authorization", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.clientIP(r)
	client, _, oauthErr := h.authenticateClient(ctx, r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics("device_authorization", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	resp, oauthErr := h.server.StartDeviceAuthorization(ctx, client, r.FormValue("scope"), clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics("device_authorization", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordDeviceFlowStarted(ctx, client.ClientID)
	}
	h.recordHTTPMetrics("device_authorization", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, http.StatusOK, resp)
}

// ServeDeviceVerification serves the user-facing verification page where the
// user enters the code shown on their device, then approves or denies.
func (h *Handler) ServeDeviceVerification(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	userID, err := h.authenticateUser(r)
	if err != nil || userID == "" {
		h.recordHTTPMetrics("device_verification", r.Method, http.StatusUnauthorized, startTime)
		h.writeError(w, ErrorCodeAccessDenied, "User is not authenticated", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.recordHTTPMetrics("device_verification", r.Method, http.StatusOK, startTime)
		h.serveDeviceCodePage(w, r.URL.Query().Get("user_code"), "")

	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			h.recordHTTPMetrics("device_verification", r.Method, http.StatusBadRequest, startTime)
			h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
			return
		}

		userCode := r.FormValue("user_code")
		approved := r.FormValue("action") == "approve"

		if oauthErr := h.server.CompleteDeviceVerification(ctx, userCode, userID, approved); oauthErr != nil {
			h.recordHTTPMetrics("device_verification", r.Method, oauthErr.Status, startTime)
			h.serveDeviceCodePage(w, userCode, oauthErr.Description)
			return
		}

		if h.metrics != nil {
			outcome := "denied"
			if approved {
				outcome = "approved"
			}
			h.metrics.RecordDeviceFlowCompleted(ctx, "", outcome)
		}
		h.recordHTTPMetrics("device_verification", r.Method, http.StatusOK, startTime)
		h.serveDeviceResultPage(w, approved)

	default:
		h.recordHTTPMetrics("device_verification", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ServeTokenIntrospection handles POST /introspect (RFC 7662). Client
// authentication is required so one client cannot scan another's tokens.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.introspection")
		defer span.End()
	}

	h.setCORSHeaders(w, r)
	if h.handlePreflight(w, r) {
		return
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("introspection", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("introspection", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.clientIP(r)
	client, _, oauthErr := h.authenticateClient(ctx, r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics("introspection", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	resp, oauthErr := h.server.Introspect(ctx, client,
		r.FormValue("token"), r.FormValue("token_type_hint"))
	if oauthErr != nil {
		h.recordHTTPMetrics("introspection", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordIntrospection(ctx, client.ClientID, resp.Active)
	}
	h.recordHTTPMetrics("introspection", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles POST /revoke (RFC 7009). Revocation is
// idempotent; unknown tokens still return 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.revocation")
		defer span.End()
	}

	h.setCORSHeaders(w, r)
	if h.handlePreflight(w, r) {
		return
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("revocation", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revocation", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.clientIP(r)
	client, _, oauthErr := h.authenticateClient(ctx, r, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics("revocation", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if oauthErr := h.server.Revoke(ctx, client,
		r.FormValue("token"), r.FormValue("token_type_hint"), clientIP); oauthErr != nil {
		h.recordHTTPMetrics("revocation", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordTokenRevocation(ctx, client.ClientID)
	}
	h.recordHTTPMetrics("revocation", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeClientRegistration handles POST /register (RFC 7591).
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.registration")
		defer span.End()
	}

	h.setCORSHeaders(w, r)
	if h.handlePreflight(w, r) {
		return
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.RegistrationRateLimiter != nil && !h.RegistrationRateLimiter.Allow(clientIP) {
		h.logger.Warn("Client registration rate limit exceeded", "ip", clientIP)
		if h.server.Auditor != nil {
			h.server.Auditor.LogRateLimitExceeded(clientIP, "")
		}
		h.recordHTTPMetrics("register", r.Method, http.StatusTooManyRequests, startTime)
		h.writeError(w, ErrorCodeInvalidRequest,
			"Registration rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
		return
	}

	if !h.authorizeRegistration(r) {
		h.logger.Warn("Client registration rejected: missing or invalid authorization", "ip", clientIP)
		h.recordHTTPMetrics("register", r.Method, http.StatusUnauthorized, startTime)
		h.writeError(w, ErrorCodeInvalidClient,
			"Registration requires a valid registration access token", http.StatusUnauthorized)
		return
	}

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", r.Method, http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	resp, oauthErr := h.server.RegisterClient(ctx, &req, clientIP)
	if oauthErr != nil {
		h.recordHTTPMetrics("register", r.Method, oauthErr.Status, startTime)
		instrumentation.RecordError(span, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if h.metrics != nil {
		clientType := "confidential"
		if resp.TokenEndpointAuthMethod == clientauth.MethodNone {
			clientType = "public"
		}
		h.metrics.RecordClientRegistration(ctx, clientType)
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, resp.ClientID))
	h.recordHTTPMetrics("register", r.Method, http.StatusCreated, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeJSON(w, http.StatusCreated, resp)
}

// authorizeRegistration decides whether a registration request may proceed.
func (h *Handler) authorizeRegistration(r *http.Request) bool {
	if h.server.Config.AllowPublicClientRegistration {
		return true
	}

	required := h.server.Config.RegistrationAccessToken
	if required == "" {
		return false
	}

	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(parts[1]), []byte(required)) == 1
}

// authenticateUser resolves the resource owner via the configured
// UserAuthenticator.
func (h *Handler) authenticateUser(r *http.Request) (string, error) {
	if h.UserAuth == nil {
		return "", fmt.Errorf("no user authenticator configured")
	}
	return h.UserAuth(r)
}

// authenticateClient runs the client authenticator chain and maps its
// failures to protocol errors.
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request, clientIP string) (*storage.Client, string, *Error) {
	client, method, err := h.server.ClientAuth.Authenticate(ctx, r)
	if err == nil {
		return client, method, nil
	}

	if errors.Is(err, storage.ErrUnavailable) {
		return nil, "", server.ErrTemporarilyUnavailable("authentication backend unavailable")
	}

	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure(r.FormValue("client_id"), clientIP, "client_authentication_failed")
	}
	if h.metrics != nil {
		h.metrics.RecordAuthFailure(ctx, method)
	}

	if errors.Is(err, clientauth.ErrNoCredentials) {
		return nil, "", server.ErrInvalidClient("client authentication required")
	}
	return nil, "", server.ErrInvalidClient("client authentication failed")
}

// setCORSHeaders emits CORS headers when the request origin is allowed. The
// origin is echoed back rather than wildcarded so responses cache per origin.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	cors := h.server.Config.CORS
	if len(cors.AllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !h.originAllowed(origin) {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	if cors.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	maxAge := cors.MaxAge
	if maxAge == 0 {
		maxAge = 3600
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
}

func (h *Handler) originAllowed(origin string) bool {
	for _, allowed := range h.server.Config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// handlePreflight answers CORS preflight requests. Returns true when the
// request was an OPTIONS probe and has been answered.
func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
	return true
}

// clientIP extracts the client IP honoring the proxy trust configuration.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkIPRateLimit returns true when the request was rejected.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, endpoint, clientIP string, startTime time.Time) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(context.Background(), "ip")
	}

	h.recordHTTPMetrics(endpoint, http.MethodPost, http.StatusTooManyRequests, startTime)
	h.writeError(w, ErrorCodeInvalidRequest, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *TokenResponse) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	// RFC 6749 Section 5.1: token responses must not be cached
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(token)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOAuthError writes a protocol error using its embedded HTTP status.
func (h *Handler) writeOAuthError(w http.ResponseWriter, oauthErr *Error) {
	if oauthErr.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(h.server.Config.RetryAfterSeconds))
	}
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	// RFC 6749 Section 5.2: invalid_client with 401 carries a challenge for
	// the authentication scheme the client used (or could use)
	if status == http.StatusUnauthorized && code == ErrorCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.metrics == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Microseconds()) / 1000.0
	h.metrics.RecordHTTPRequest(context.Background(), method, endpoint, status, durationMs)
}

// --- user-facing pages ---

type consentPageData struct {
	TraceID    string
	ClientID   string
	ClientName string
	Scopes     []string
}

func (h *Handler) serveConsentPage(w http.ResponseWriter, result *AuthorizationResult) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	name := result.Client.ClientName
	if name == "" {
		name = result.Client.ClientID
	}
	data := consentPageData{
		TraceID:    result.TraceID,
		ClientID:   result.Client.ClientID,
		ClientName: name,
		Scopes:     result.Scopes,
	}
	if err := consentTemplate.Execute(w, data); err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
	}
}

type devicePageData struct {
	UserCode string
	Error    string
}

func (h *Handler) serveDeviceCodePage(w http.ResponseWriter, userCode, errMsg string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	data := devicePageData{UserCode: userCode, Error: errMsg}
	if err := deviceTemplate.Execute(w, data); err != nil {
		h.logger.Error("Failed to render device verification page", "error", err)
	}
}

func (h *Handler) serveDeviceResultPage(w http.ResponseWriter, approved bool) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := deviceResultTemplate.Execute(w, approved); err != nil {
		h.logger.Error("Failed to render device result page", "error", err)
	}
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authorize {{.ClientName}}</title>
</head>
<body>
    <h1>Authorize access</h1>
    <p><strong>{{.ClientName}}</strong> is requesting access to your account.</p>
    <form method="POST" action="/authorize/consent">
        <input type="hidden" name="trace_id" value="{{.TraceID}}">
        <input type="hidden" name="client_id" value="{{.ClientID}}">
        <ul>
        {{range .Scopes}}
            <li><label><input type="checkbox" name="scope" value="{{.}}" checked> {{.}}</label></li>
        {{end}}
        </ul>
        <button type="submit" name="action" value="approve">Approve</button>
        <button type="submit" name="action" value="deny">Deny</button>
    </form>
</body>
</html>
`))

var deviceTemplate = template.Must(template.New("device").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Device Activation</title>
</head>
<body>
    <h1>Device activation</h1>
    {{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
    <p>Enter the code shown on your device.</p>
    <form method="POST" action="/device">
        <input type="text" name="user_code" value="{{.UserCode}}" placeholder="XXXX-XXXX" autocomplete="off" autofocus>
        <button type="submit" name="action" value="approve">Approve</button>
        <button type="submit" name="action" value="deny">Deny</button>
    </form>
</body>
</html>
`))

var deviceResultTemplate = template.Must(template.New("device_result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Device Activation</title>
</head>
<body>
    {{if .}}<h1>Device approved</h1>
    <p>You can return to your device. It will finish signing in shortly.</p>
    {{else}}<h1>Device denied</h1>
    <p>The device was not granted access. You can close this window.</p>{{end}}
</body>
</html>
`))
