package server

import (
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/authforge/authforge/clientauth"
)

func TestRegisterClient_Defaults(t *testing.T) {
	srv, store := newTestServer(t, &Config{
		Issuer:          "https://auth.example.com",
		SupportedScopes: []string{"openid", "profile"},
	})

	resp, oe := srv.RegisterClient(t.Context(), &ClientRegistrationRequest{
		ClientName:   "My App",
		RedirectURIs: []string{"https://app.example.com/cb"},
	}, "")
	if oe != nil {
		t.Fatalf("RegisterClient failed: %v", oe)
	}

	if resp.ClientID == "" {
		t.Fatal("Expected client_id")
	}
	if resp.ClientSecret == "" {
		t.Fatal("Expected client_secret for the default confidential method")
	}
	if resp.TokenEndpointAuthMethod != clientauth.MethodSecretBasic {
		t.Errorf("Expected client_secret_basic default, got %q", resp.TokenEndpointAuthMethod)
	}
	if len(resp.GrantTypes) != 2 {
		t.Errorf("Expected default grant types, got %v", resp.GrantTypes)
	}
	if resp.Scope != "openid profile" {
		t.Errorf("Expected the server's supported scopes, got %q", resp.Scope)
	}

	// Only the bcrypt hash is stored; the plaintext appears once in the
	// response.
	client, err := store.GetClient(t.Context(), resp.ClientID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if client.ClientSecretHash == resp.ClientSecret {
		t.Error("Secret stored in plaintext")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(resp.ClientSecret)); err != nil {
		t.Errorf("Stored hash does not match the issued secret: %v", err)
	}
	if client.AssertionSecret != "" {
		t.Error("AssertionSecret must be empty outside client_secret_jwt")
	}
}

func TestRegisterClient_PublicClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, oe := srv.RegisterClient(t.Context(), &ClientRegistrationRequest{
		ClientName:              "CLI Tool",
		RedirectURIs:            []string{"http://127.0.0.1/callback"},
		TokenEndpointAuthMethod: clientauth.MethodNone,
	}, "")
	if oe != nil {
		t.Fatalf("RegisterClient failed: %v", oe)
	}
	if resp.ClientSecret != "" {
		t.Error("Public clients must not receive a secret")
	}

	client, err := srv.clientStore.GetClient(t.Context(), resp.ClientID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if !client.RequirePKCE {
		t.Error("Public clients must be pinned to PKCE")
	}
}

func TestRegisterClient_SecretJWTRetainsAssertionSecret(t *testing.T) {
	srv, store := newTestServer(t, nil)

	resp, oe := srv.RegisterClient(t.Context(), &ClientRegistrationRequest{
		ClientName:              "Backend",
		RedirectURIs:            []string{"https://app.example.com/cb"},
		TokenEndpointAuthMethod: clientauth.MethodSecretJWT,
	}, "")
	if oe != nil {
		t.Fatalf("RegisterClient failed: %v", oe)
	}

	client, err := store.GetClient(t.Context(), resp.ClientID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if client.AssertionSecret != resp.ClientSecret {
		t.Error("client_secret_jwt needs the shared secret retained for HMAC verification")
	}
}

func TestRegisterClient_MetadataValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	tests := []struct {
		name string
		req  ClientRegistrationRequest
		want string
	}{
		{
			"unknown auth method",
			ClientRegistrationRequest{TokenEndpointAuthMethod: "private_key_jwt"},
			ErrorCodeInvalidClientMetadata,
		},
		{
			"unknown grant type",
			ClientRegistrationRequest{GrantTypes: []string{"password"}},
			ErrorCodeInvalidClientMetadata,
		},
		{
			"unknown response type",
			ClientRegistrationRequest{
				RedirectURIs:  []string{"https://app.example.com/cb"},
				ResponseTypes: []string{"token"},
			},
			ErrorCodeInvalidClientMetadata,
		},
		{
			"missing redirect URIs",
			ClientRegistrationRequest{GrantTypes: []string{GrantTypeAuthorizationCode}},
			ErrorCodeInvalidRedirectURI,
		},
		{
			"public client_credentials",
			ClientRegistrationRequest{
				TokenEndpointAuthMethod: clientauth.MethodNone,
				GrantTypes:              []string{GrantTypeClientCredentials},
			},
			ErrorCodeInvalidClientMetadata,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, oe := srv.RegisterClient(t.Context(), &tt.req, "")
			if oe == nil {
				t.Fatal("Expected an error")
			}
			if oe.Code != tt.want {
				t.Errorf("Expected %q, got %q (%s)", tt.want, oe.Code, oe.Description)
			}
		})
	}
}

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		uri  string
		ok   bool
		name string
	}{
		{"https://app.example.com/cb", true, "https"},
		{"http://localhost:8080/cb", true, "loopback http"},
		{"http://127.0.0.1/cb", true, "loopback v4"},
		{"http://[::1]:3000/cb", true, "loopback v6"},
		{"http://app.example.com/cb", false, "plain http"},
		{"https://app.example.com/cb#frag", false, "fragment"},
		{"/relative/path", false, "relative"},
		{"com.example.app:/oauth", true, "native scheme"},
		{"com.example.app:", false, "empty native target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oe := validateRedirectURI(tt.uri)
			if tt.ok && oe != nil {
				t.Errorf("validateRedirectURI(%q) = %v, want success", tt.uri, oe)
			}
			if !tt.ok && oe == nil {
				t.Errorf("validateRedirectURI(%q) succeeded, want error", tt.uri)
			}
		})
	}
}
