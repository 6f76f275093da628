package oauth

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/authforge/authforge/clientauth"
	"github.com/authforge/authforge/server"
	"github.com/authforge/authforge/storage"
	"github.com/authforge/authforge/storage/memory"
)

const (
	testIssuer       = "https://auth.example.com"
	testUserID       = "user-1"
	testClientSecret = "test-client-secret"
	testRedirectURI  = "https://app.example.com/callback"
)

func newTestHandler(t *testing.T, cfg *Config) (*Handler, *memory.Store) {
	t.Helper()

	store := memory.NewStoreWithCleanupInterval(0)
	t.Cleanup(store.Stop)

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Issuer == "" {
		cfg.Issuer = testIssuer
	}

	srv, err := NewServer(Stores{
		Clients:  store,
		Flows:    store,
		Consents: store,
		Tokens:   store,
		Devices:  store,
	}, nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	h := NewHandler(srv, nil, nil)
	h.UserAuth = func(r *http.Request) (string, error) { return testUserID, nil }
	return h, store
}

func seedClient(t *testing.T, store *memory.Store, mutate func(*storage.Client)) *storage.Client {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testClientSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}

	client := &storage.Client{
		ClientID:                "test-client",
		ClientSecretHash:        string(hash),
		ClientName:              "Test Client",
		RedirectURIs:            []string{testRedirectURI},
		GrantTypes:              []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		ResponseTypes:           []string{"code"},
		Scopes:                  []string{"openid", "profile", "email"},
		TokenEndpointAuthMethod: clientauth.MethodSecretBasic,
		CreatedAt:               time.Now(),
	}
	if mutate != nil {
		mutate(client)
	}
	if err := store.SaveClient(t.Context(), client); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}
	return client
}

func postForm(t *testing.T, h http.HandlerFunc, form url.Values, basicAuth bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuth {
		req.SetBasicAuth("test-client", testClientSecret)
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func errorCode(t *testing.T, body io.Reader) string {
	t.Helper()
	return decodeJSON[map[string]string](t, body)["error"]
}

// ============================================================
// Authorization code flow
// ============================================================

func TestAuthorizationCodeFlow_AutoApprove(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, func(c *storage.Client) { c.AutoApprove = true })

	verifier := oauth2.GenerateVerifier()
	challenge := server.ComputeS256Challenge(verifier)

	authorizeURL := "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {"test-client"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid profile"},
		"state":                 {"abc123"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode()

	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("Expected 302, got %d: %s", w.Code, w.Body.String())
	}

	redirect, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Invalid redirect URL: %v", err)
	}
	code := redirect.Query().Get("code")
	if code == "" {
		t.Fatal("Expected authorization code in redirect")
	}
	if got := redirect.Query().Get("state"); got != "abc123" {
		t.Errorf("Expected state abc123, got %q", got)
	}

	// Exchange the code for tokens.
	tokenResp := postForm(t, h.ServeToken, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, true)

	if tokenResp.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", tokenResp.Code, tokenResp.Body.String())
	}
	token := decodeJSON[TokenResponse](t, tokenResp.Body)
	if token.AccessToken == "" {
		t.Error("Expected access token")
	}
	if token.RefreshToken == "" {
		t.Error("Expected refresh token")
	}
	if token.TokenType != "Bearer" {
		t.Errorf("Expected Bearer token type, got %q", token.TokenType)
	}
	if cc := tokenResp.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Expected Cache-Control no-store, got %q", cc)
	}

	// A second exchange of the same code must fail.
	replay := postForm(t, h.ServeToken, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, true)
	if replay.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 on code replay, got %d", replay.Code)
	}
	if got := errorCode(t, replay.Body); got != ErrorCodeInvalidGrant {
		t.Errorf("Expected invalid_grant, got %q", got)
	}
}

var traceIDPattern = regexp.MustCompile(`name="trace_id" value="([^"]+)"`)

func TestAuthorizationCodeFlow_WithConsent(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, nil)

	verifier := oauth2.GenerateVerifier()
	challenge := server.ComputeS256Challenge(verifier)

	authorizeURL := "/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {"test-client"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"profile email"},
		"state":                 {"xyz789"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode()

	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 consent page, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "Test Client") {
		t.Error("Expected consent page to name the client")
	}

	m := traceIDPattern.FindStringSubmatch(body)
	if m == nil {
		t.Fatal("Expected trace_id in consent page")
	}

	consentResp := postForm(t, h.ServeConsent, url.Values{
		"trace_id":  {m[1]},
		"client_id": {"test-client"},
		"action":    {"approve"},
		"scope":     {"profile", "email"},
	}, false)

	if consentResp.Code != http.StatusFound {
		t.Fatalf("Expected 302 after consent, got %d: %s", consentResp.Code, consentResp.Body.String())
	}
	redirect, _ := url.Parse(consentResp.Header().Get("Location"))
	if redirect.Query().Get("code") == "" {
		t.Fatal("Expected authorization code after approval")
	}

	// Second submission of the same trace must be rejected; the pending
	// authorization is consumed.
	again := postForm(t, h.ServeConsent, url.Values{
		"trace_id":  {m[1]},
		"client_id": {"test-client"},
		"action":    {"approve"},
	}, false)
	if again.Code == http.StatusFound {
		t.Error("Expected consent replay to fail")
	}
}

func TestConsent_Denied(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, nil)

	challenge := server.ComputeS256Challenge(oauth2.GenerateVerifier())
	authorizeURL := "/authorize?" + url.Values{
		"response_type":  {"code"},
		"client_id":      {"test-client"},
		"redirect_uri":   {testRedirectURI},
		"scope":          {"profile"},
		"state":          {"denied1"},
		"code_challenge": {challenge},
	}.Encode()

	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	m := traceIDPattern.FindStringSubmatch(w.Body.String())
	if m == nil {
		t.Fatal("Expected trace_id in consent page")
	}

	resp := postForm(t, h.ServeConsent, url.Values{
		"trace_id":  {m[1]},
		"client_id": {"test-client"},
		"action":    {"deny"},
	}, false)

	if resp.Code != http.StatusFound {
		t.Fatalf("Expected 302, got %d", resp.Code)
	}
	redirect, _ := url.Parse(resp.Header().Get("Location"))
	if got := redirect.Query().Get("error"); got != ErrorCodeAccessDenied {
		t.Errorf("Expected access_denied in redirect, got %q", got)
	}
	if got := redirect.Query().Get("state"); got != "denied1" {
		t.Errorf("Expected state preserved, got %q", got)
	}
}

func TestAuthorization_UnknownClient(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/authorize?response_type=code&client_id=nope&redirect_uri="+url.QueryEscape(testRedirectURI), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)

	// Unknown client: the error stays in-band, never a redirect.
	if w.Code == http.StatusFound {
		t.Fatal("Expected in-band error, got redirect")
	}
	if got := errorCode(t, w.Body); got != ErrorCodeUnauthorizedClient {
		t.Errorf("Expected unauthorized_client, got %q", got)
	}
}

func TestAuthorization_UnregisteredRedirect(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/authorize?response_type=code&client_id=test-client&redirect_uri="+
			url.QueryEscape("https://evil.example.com/cb"), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)

	if w.Code == http.StatusFound {
		t.Fatal("Expected in-band error, got redirect to unregistered URI")
	}
	if got := errorCode(t, w.Body); got != ErrorCodeInvalidRequest {
		t.Errorf("Expected invalid_request, got %q", got)
	}
}

// ============================================================
// Token endpoint
// ============================================================

func TestToken_InvalidClientSecret(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, nil)

	form := url.Values{"grant_type": {GrantTypeAuthorizationCode}, "code": {"whatever"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("test-client", "wrong-secret")
	w := httptest.NewRecorder()
	h.ServeToken(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
	if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic") {
		t.Errorf("Expected Basic challenge, got %q", got)
	}
	if got := errorCode(t, w.Body); got != ErrorCodeInvalidClient {
		t.Errorf("Expected invalid_client, got %q", got)
	}
}

func TestToken_UnsupportedGrantType(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, nil)

	w := postForm(t, h.ServeToken, url.Values{
		"grant_type": {"password"},
		"username":   {"u"},
		"password":   {"p"},
	}, true)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	if got := errorCode(t, w.Body); got != ErrorCodeUnsupportedGrantType {
		t.Errorf("Expected unsupported_grant_type, got %q", got)
	}
}

func TestToken_ClientCredentials(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, func(c *storage.Client) {
		c.GrantTypes = []string{GrantTypeClientCredentials}
	})

	w := postForm(t, h.ServeToken, url.Values{
		"grant_type": {GrantTypeClientCredentials},
		"scope":      {"profile"},
	}, true)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	token := decodeJSON[TokenResponse](t, w.Body)
	if token.AccessToken == "" {
		t.Error("Expected access token")
	}
	if token.RefreshToken != "" {
		t.Error("client_credentials must not issue a refresh token")
	}
}

func TestToken_RefreshRotation(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, func(c *storage.Client) { c.AutoApprove = true })

	token := obtainTokens(t, h)

	w := postForm(t, h.ServeToken, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {token.RefreshToken},
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	refreshed := decodeJSON[TokenResponse](t, w.Body)
	if refreshed.RefreshToken == "" || refreshed.RefreshToken == token.RefreshToken {
		t.Error("Expected a rotated refresh token")
	}

	// The superseded refresh token must be rejected.
	replay := postForm(t, h.ServeToken, url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {token.RefreshToken},
	}, true)
	if replay.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 on rotated token reuse, got %d", replay.Code)
	}
}

// obtainTokens runs the auto-approve authorization flow and code exchange.
func obtainTokens(t *testing.T, h *Handler) TokenResponse {
	t.Helper()

	verifier := oauth2.GenerateVerifier()
	authorizeURL := "/authorize?" + url.Values{
		"response_type":  {"code"},
		"client_id":      {"test-client"},
		"redirect_uri":   {testRedirectURI},
		"scope":          {"profile"},
		"state":          {"state123"},
		"code_challenge": {server.ComputeS256Challenge(verifier)},
	}.Encode()

	req := httptest.NewRequest(http.MethodGet, authorizeURL, nil)
	w := httptest.NewRecorder()
	h.ServeAuthorization(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("Authorization failed: %d %s", w.Code, w.Body.String())
	}
	redirect, _ := url.Parse(w.Header().Get("Location"))

	resp := postForm(t, h.ServeToken, url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {redirect.Query().Get("code")},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, true)
	if resp.Code != http.StatusOK {
		t.Fatalf("Token exchange failed: %d %s", resp.Code, resp.Body.String())
	}
	return decodeJSON[TokenResponse](t, resp.Body)
}

// ============================================================
// Introspection and revocation
// ============================================================

func TestIntrospectAndRevoke(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, func(c *storage.Client) { c.AutoApprove = true })

	token := obtainTokens(t, h)

	intro := postForm(t, h.ServeTokenIntrospection, url.Values{
		"token": {token.AccessToken},
	}, true)
	if intro.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", intro.Code)
	}
	resp := decodeJSON[IntrospectionResponse](t, intro.Body)
	if !resp.Active {
		t.Fatal("Expected active token")
	}
	if resp.ClientID != "test-client" {
		t.Errorf("Expected client_id test-client, got %q", resp.ClientID)
	}

	// Revoke, then introspect again.
	revoke := postForm(t, h.ServeTokenRevocation, url.Values{
		"token": {token.AccessToken},
	}, true)
	if revoke.Code != http.StatusOK {
		t.Fatalf("Expected 200 from revocation, got %d", revoke.Code)
	}

	intro = postForm(t, h.ServeTokenIntrospection, url.Values{
		"token": {token.AccessToken},
	}, true)
	resp = decodeJSON[IntrospectionResponse](t, intro.Body)
	if resp.Active {
		t.Error("Expected inactive token after revocation")
	}

	// Revocation is idempotent and does not leak token existence.
	revoke = postForm(t, h.ServeTokenRevocation, url.Values{
		"token": {"completely-unknown-token"},
	}, true)
	if revoke.Code != http.StatusOK {
		t.Errorf("Expected 200 for unknown token, got %d", revoke.Code)
	}
}

// ============================================================
// Device flow
// ============================================================

func TestDeviceFlow(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, func(c *storage.Client) {
		c.GrantTypes = []string{GrantTypeDeviceCode}
	})

	start := postForm(t, h.ServeDeviceAuthorization, url.Values{
		"scope": {"profile"},
	}, true)
	if start.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", start.Code, start.Body.String())
	}
	dev := decodeJSON[DeviceAuthorizationResponse](t, start.Body)
	if dev.DeviceCode == "" || dev.UserCode == "" {
		t.Fatal("Expected device and user codes")
	}
	if dev.Interval <= 0 {
		t.Error("Expected a positive polling interval")
	}

	// Polling before approval reports authorization_pending. The first poll
	// goes through the device token alias endpoint.
	poll := postForm(t, h.ServeDeviceToken, url.Values{
		"grant_type":  {GrantTypeDeviceCode},
		"device_code": {dev.DeviceCode},
	}, true)
	if poll.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", poll.Code)
	}
	if got := errorCode(t, poll.Body); got != ErrorCodeAuthorizationPending {
		t.Errorf("Expected authorization_pending, got %q", got)
	}

	// Immediate re-poll violates the interval.
	poll = postForm(t, h.ServeToken, url.Values{
		"grant_type":  {GrantTypeDeviceCode},
		"device_code": {dev.DeviceCode},
	}, true)
	if got := errorCode(t, poll.Body); got != ErrorCodeSlowDown {
		t.Errorf("Expected slow_down, got %q", got)
	}

	// The user approves on the verification page.
	verify := postForm(t, h.ServeDeviceVerification, url.Values{
		"user_code": {dev.UserCode},
		"action":    {"approve"},
	}, false)
	if verify.Code != http.StatusOK {
		t.Fatalf("Expected 200 from verification, got %d: %s", verify.Code, verify.Body.String())
	}

	// The slow_down above must not reset the poll clock, but the interval is
	// still in force; fast-forward by mutating the stored record.
	auth, err := store.GetByDeviceCode(t.Context(), dev.DeviceCode)
	if err != nil {
		t.Fatalf("GetByDeviceCode failed: %v", err)
	}
	auth.LastPolledAt = time.Now().Add(-time.Minute)
	if err := store.UpdateDeviceAuthorization(t.Context(), auth); err != nil {
		t.Fatalf("UpdateDeviceAuthorization failed: %v", err)
	}

	poll = postForm(t, h.ServeToken, url.Values{
		"grant_type":  {GrantTypeDeviceCode},
		"device_code": {dev.DeviceCode},
	}, true)
	if poll.Code != http.StatusOK {
		t.Fatalf("Expected 200 after approval, got %d: %s", poll.Code, poll.Body.String())
	}
	token := decodeJSON[TokenResponse](t, poll.Body)
	if token.AccessToken == "" {
		t.Error("Expected access token")
	}

	// The device code is consumed; further polls fail.
	poll = postForm(t, h.ServeToken, url.Values{
		"grant_type":  {GrantTypeDeviceCode},
		"device_code": {dev.DeviceCode},
	}, true)
	if got := errorCode(t, poll.Body); got != ErrorCodeInvalidGrant {
		t.Errorf("Expected invalid_grant after completion, got %q", got)
	}
}

func TestDeviceVerification_UnknownCode(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	w := postForm(t, h.ServeDeviceVerification, url.Values{
		"user_code": {"ZZZZ-ZZZZ"},
		"action":    {"approve"},
	}, false)

	// The page re-renders with an error message rather than failing outright.
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ZZZZ-ZZZZ") {
		t.Error("Expected the submitted code echoed back on the page")
	}
}

// ============================================================
// Registration
// ============================================================

func TestRegistration_RequiresToken(t *testing.T) {
	h, _ := newTestHandler(t, &Config{
		Issuer:                  testIssuer,
		RegistrationAccessToken: "reg-secret",
	})

	body := `{"client_name":"My App","redirect_uris":["https://app.example.com/cb"]}`

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeClientRegistration(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer reg-secret")
	w = httptest.NewRecorder()
	h.ServeClientRegistration(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := decodeJSON[ClientRegistrationResponse](t, w.Body)
	if resp.ClientID == "" {
		t.Error("Expected client_id")
	}
	if resp.ClientSecret == "" {
		t.Error("Expected client_secret for confidential client")
	}
}

// ============================================================
// Metadata
// ============================================================

func TestCORS(t *testing.T) {
	h, _ := newTestHandler(t, &Config{
		CORS: CORSConfig{
			AllowedOrigins:   []string{"https://app.example.com"},
			AllowCredentials: true,
		},
	})

	// Preflight from an allowed origin.
	req := httptest.NewRequest(http.MethodOptions, "/token", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	h.ServeToken(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Expected origin echoed back, got %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("Expected credentials header")
	}
	if w.Header().Get("Access-Control-Max-Age") == "" {
		t.Error("Expected preflight cache header")
	}

	// Disallowed origins get no CORS headers.
	req = httptest.NewRequest(http.MethodOptions, "/token", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	h.ServeToken(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("Expected no CORS headers for a disallowed origin")
	}
}

func TestDeviceTokenEndpoint_RejectsOtherGrants(t *testing.T) {
	h, store := newTestHandler(t, nil)
	seedClient(t, store, func(c *storage.Client) {
		c.GrantTypes = []string{GrantTypeClientCredentials}
	})

	resp := postForm(t, h.ServeDeviceToken, url.Values{
		"grant_type": {GrantTypeClientCredentials},
	}, true)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.Code)
	}
	if got := errorCode(t, resp.Body); got != ErrorCodeUnsupportedGrantType {
		t.Errorf("Expected unsupported_grant_type, got %q", got)
	}
}

func TestAuthorizationServerMetadata_RequiresHTTPSIssuer(t *testing.T) {
	h, _ := newTestHandler(t, &Config{Issuer: "http://auth.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	w := httptest.NewRecorder()
	h.ServeAuthorizationServerMetadata(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for a plain-http issuer, got %d", w.Code)
	}

	// Loopback issuers stay served for development.
	h, _ = newTestHandler(t, &Config{Issuer: "http://localhost:8080"})
	w = httptest.NewRecorder()
	h.ServeAuthorizationServerMetadata(w, httptest.NewRequest(http.MethodGet,
		"/.well-known/oauth-authorization-server", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for a loopback issuer, got %d", w.Code)
	}
}

func TestAuthorizationServerMetadata(t *testing.T) {
	h, _ := newTestHandler(t, &Config{
		Issuer:                  testIssuer,
		SupportedScopes:         []string{"openid", "profile"},
		RegistrationAccessToken: "reg-secret",
	})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	w := httptest.NewRecorder()
	h.ServeAuthorizationServerMetadata(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	meta := decodeJSON[map[string]any](t, w.Body)
	if meta["issuer"] != testIssuer {
		t.Errorf("Expected issuer %q, got %v", testIssuer, meta["issuer"])
	}
	if meta["token_endpoint"] != testIssuer+"/token" {
		t.Errorf("Unexpected token_endpoint: %v", meta["token_endpoint"])
	}
	if meta["registration_endpoint"] != testIssuer+"/register" {
		t.Errorf("Expected registration_endpoint, got %v", meta["registration_endpoint"])
	}

	grants, _ := meta["grant_types_supported"].([]any)
	found := false
	for _, g := range grants {
		if g == GrantTypeDeviceCode {
			found = true
		}
	}
	if !found {
		t.Error("Expected device_code grant in metadata")
	}
}
