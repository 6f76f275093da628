package oauth

import (
	"net/http"
	"net/url"
	"time"

	"github.com/authforge/authforge/clientauth"
	"github.com/authforge/authforge/internal/util"
	"github.com/authforge/authforge/server"
)

// ServeAuthorizationServerMetadata serves the RFC 8414 discovery document at
// /.well-known/oauth-authorization-server.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	h.setCORSHeaders(w, r)
	if h.handlePreflight(w, r) {
		return
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics("metadata", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// RFC 8414 requires TLS for discovery. Loopback issuers stay available
	// for local development.
	if !metadataIssuerAllowed(h.server.Config.Issuer) {
		h.recordHTTPMetrics("metadata", r.Method, http.StatusNotFound, startTime)
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	h.recordHTTPMetrics("metadata", r.Method, http.StatusOK, startTime)

	// Metadata is static per configuration; cache it at the edge.
	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, h.buildMetadata())
}

func (h *Handler) buildMetadata() map[string]any {
	issuer := util.NormalizeURL(h.server.Config.Issuer)

	challengeMethods := []string{server.CodeChallengeMethodS256}
	if h.server.Config.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, server.CodeChallengeMethodPlain)
	}

	authMethods := []string{
		clientauth.MethodSecretBasic,
		clientauth.MethodSecretPost,
		clientauth.MethodSecretJWT,
		clientauth.MethodNone,
	}

	metadata := map[string]any{
		"issuer":                        issuer,
		"authorization_endpoint":        issuer + "/authorize",
		"token_endpoint":                issuer + "/token",
		"device_authorization_endpoint": issuer + "/device_authorization",
		"introspection_endpoint":        issuer + "/introspect",
		"revocation_endpoint":           issuer + "/revoke",
		"response_types_supported":      []string{"code"},
		"grant_types_supported": []string{
			GrantTypeAuthorizationCode,
			GrantTypeRefreshToken,
			GrantTypeClientCredentials,
			GrantTypeDeviceCode,
		},
		"code_challenge_methods_supported":              challengeMethods,
		"token_endpoint_auth_methods_supported":         authMethods,
		"introspection_endpoint_auth_methods_supported": authMethods,
		"revocation_endpoint_auth_methods_supported":    authMethods,
	}

	if len(h.server.Config.SupportedScopes) > 0 {
		metadata["scopes_supported"] = h.server.Config.SupportedScopes
	}
	if h.registrationAvailable() {
		metadata["registration_endpoint"] = issuer + "/register"
	}

	return metadata
}

func metadataIssuerAllowed(issuer string) bool {
	u, err := url.Parse(issuer)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	default:
		return false
	}
}

func (h *Handler) registrationAvailable() bool {
	return h.server.Config.AllowPublicClientRegistration ||
		h.server.Config.RegistrationAccessToken != ""
}
