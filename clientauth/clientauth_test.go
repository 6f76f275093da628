package clientauth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/authforge/authforge/storage"
	"github.com/authforge/authforge/storage/memory"
)

const testSecret = "correct-horse-battery-staple"

func newChain(t *testing.T) (*Chain, *memory.Store) {
	t.Helper()
	store := memory.NewStoreWithCleanupInterval(0)
	t.Cleanup(store.Stop)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewChain(store, logger), store
}

func saveClient(t *testing.T, store *memory.Store, clientID, method string) *storage.Client {
	t.Helper()

	client := &storage.Client{
		ClientID:                clientID,
		TokenEndpointAuthMethod: method,
		CreatedAt:               time.Now(),
	}
	switch method {
	case MethodSecretBasic, MethodSecretPost:
		hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt failed: %v", err)
		}
		client.ClientSecretHash = string(hash)
	case MethodSecretJWT:
		client.AssertionSecret = testSecret
	}
	if err := store.SaveClient(t.Context(), client); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}
	return client
}

// tokenRequest builds a parsed form POST the way the token endpoint hands
// requests to the chain.
func tokenRequest(t *testing.T, form url.Values) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := r.ParseForm(); err != nil {
		t.Fatalf("ParseForm failed: %v", err)
	}
	return r
}

func TestChain_Basic(t *testing.T) {
	chain, store := newChain(t)
	saveClient(t, store, "basic-client", MethodSecretBasic)

	r := tokenRequest(t, url.Values{"grant_type": {"client_credentials"}})
	r.SetBasicAuth("basic-client", testSecret)

	client, method, err := chain.Authenticate(t.Context(), r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if client.ClientID != "basic-client" || method != MethodSecretBasic {
		t.Errorf("Got client %q via %q", client.ClientID, method)
	}
}

func TestChain_BasicFormEncodedCredentials(t *testing.T) {
	chain, store := newChain(t)
	store.SaveClient(t.Context(), &storage.Client{
		ClientID:                "client with space",
		ClientSecretHash:        mustHash(t, "p@ss word"),
		TokenEndpointAuthMethod: MethodSecretBasic,
	})

	// RFC 6749 2.3.1: both fields are form-urlencoded inside the Basic value.
	r := tokenRequest(t, url.Values{})
	r.SetBasicAuth(url.QueryEscape("client with space"), url.QueryEscape("p@ss word"))

	client, _, err := chain.Authenticate(t.Context(), r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if client.ClientID != "client with space" {
		t.Errorf("Got client %q", client.ClientID)
	}
}

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	return string(hash)
}

func TestChain_BasicWrongSecret(t *testing.T) {
	chain, store := newChain(t)
	saveClient(t, store, "basic-client", MethodSecretBasic)

	r := tokenRequest(t, url.Values{})
	r.SetBasicAuth("basic-client", "wrong")

	_, _, err := chain.Authenticate(t.Context(), r)
	if err != ErrInvalidCredentials {
		t.Fatalf("Expected ErrInvalidCredentials, got %v", err)
	}
}

func TestChain_UnknownClientSameError(t *testing.T) {
	chain, _ := newChain(t)

	r := tokenRequest(t, url.Values{})
	r.SetBasicAuth("no-such-client", "whatever")

	// Unknown client and wrong secret are indistinguishable.
	_, _, err := chain.Authenticate(t.Context(), r)
	if err != ErrInvalidCredentials {
		t.Fatalf("Expected ErrInvalidCredentials, got %v", err)
	}
}

func TestChain_Post(t *testing.T) {
	chain, store := newChain(t)
	saveClient(t, store, "post-client", MethodSecretPost)

	r := tokenRequest(t, url.Values{
		"client_id":     {"post-client"},
		"client_secret": {testSecret},
	})

	client, method, err := chain.Authenticate(t.Context(), r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if client.ClientID != "post-client" || method != MethodSecretPost {
		t.Errorf("Got client %q via %q", client.ClientID, method)
	}
}

func TestChain_FirstExtractionCommits(t *testing.T) {
	chain, store := newChain(t)
	saveClient(t, store, "post-client", MethodSecretPost)

	// A bad Basic header with good POST credentials behind it: the chain
	// commits to Basic and fails rather than silently falling through.
	r := tokenRequest(t, url.Values{
		"client_id":     {"post-client"},
		"client_secret": {testSecret},
	})
	r.SetBasicAuth("post-client", "wrong")

	_, _, err := chain.Authenticate(t.Context(), r)
	if err != ErrInvalidCredentials {
		t.Fatalf("Expected ErrInvalidCredentials from the Basic path, got %v", err)
	}
}

func TestChain_MethodMismatch(t *testing.T) {
	chain, store := newChain(t)
	// Registered for POST but authenticating via Basic.
	saveClient(t, store, "post-client", MethodSecretPost)

	r := tokenRequest(t, url.Values{})
	r.SetBasicAuth("post-client", testSecret)

	_, _, err := chain.Authenticate(t.Context(), r)
	if err != ErrMethodNotRegistered {
		t.Fatalf("Expected ErrMethodNotRegistered, got %v", err)
	}
}

func TestChain_PublicClient(t *testing.T) {
	chain, store := newChain(t)
	saveClient(t, store, "cli-app", MethodNone)

	r := tokenRequest(t, url.Values{"client_id": {"cli-app"}})

	client, method, err := chain.Authenticate(t.Context(), r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if client.ClientID != "cli-app" || method != MethodNone {
		t.Errorf("Got client %q via %q", client.ClientID, method)
	}
}

func TestChain_ConfidentialClientCannotGoPublic(t *testing.T) {
	chain, store := newChain(t)
	saveClient(t, store, "basic-client", MethodSecretBasic)

	// Bare client_id for a confidential client: identification is not
	// authentication.
	r := tokenRequest(t, url.Values{"client_id": {"basic-client"}})

	_, _, err := chain.Authenticate(t.Context(), r)
	if err != ErrInvalidCredentials {
		t.Fatalf("Expected ErrInvalidCredentials, got %v", err)
	}
}

func TestChain_NoCredentials(t *testing.T) {
	chain, _ := newChain(t)

	r := tokenRequest(t, url.Values{"grant_type": {"client_credentials"}})

	_, _, err := chain.Authenticate(t.Context(), r)
	if err != ErrNoCredentials {
		t.Fatalf("Expected ErrNoCredentials, got %v", err)
	}
}

func TestChain_NonPrintableCredentialsDecline(t *testing.T) {
	chain, store := newChain(t)
	saveClient(t, store, "basic-client", MethodSecretBasic)

	r := tokenRequest(t, url.Values{})
	r.SetBasicAuth("basic-client", "secret\x00byte")

	// The Basic probe declines on control bytes; with nothing else present
	// the chain reports no credentials rather than a validation failure.
	_, _, err := chain.Authenticate(t.Context(), r)
	if err != ErrNoCredentials {
		t.Fatalf("Expected ErrNoCredentials, got %v", err)
	}
}

func signAssertion(t *testing.T, clientID, secret string, mutate func(*jwt.RegisteredClaims)) string {
	t.Helper()

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{clientID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	if mutate != nil {
		mutate(&claims)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Signing assertion failed: %v", err)
	}
	return signed
}

func assertionRequest(t *testing.T, assertion string) *http.Request {
	t.Helper()
	return tokenRequest(t, url.Values{
		"client_assertion_type": {AssertionType},
		"client_assertion":      {assertion},
	})
}

func TestChain_JWTAssertion(t *testing.T) {
	chain, store := newChain(t)
	saveClient(t, store, "jwt-client", MethodSecretJWT)

	r := assertionRequest(t, signAssertion(t, "jwt-client", testSecret, nil))

	client, method, err := chain.Authenticate(t.Context(), r)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if client.ClientID != "jwt-client" || method != MethodSecretJWT {
		t.Errorf("Got client %q via %q", client.ClientID, method)
	}
}

func TestChain_JWTAssertionRejections(t *testing.T) {
	chain, store := newChain(t)
	saveClient(t, store, "jwt-client", MethodSecretJWT)

	tests := []struct {
		name      string
		assertion string
	}{
		{
			"wrong key",
			signAssertion(t, "jwt-client", "some-other-secret", nil),
		},
		{
			"expired",
			signAssertion(t, "jwt-client", testSecret, func(c *jwt.RegisteredClaims) {
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
			}),
		},
		{
			"missing exp",
			signAssertion(t, "jwt-client", testSecret, func(c *jwt.RegisteredClaims) {
				c.ExpiresAt = nil
			}),
		},
		{
			"missing iat",
			signAssertion(t, "jwt-client", testSecret, func(c *jwt.RegisteredClaims) {
				c.IssuedAt = nil
			}),
		},
		{
			"wrong audience",
			signAssertion(t, "jwt-client", testSecret, func(c *jwt.RegisteredClaims) {
				c.Audience = jwt.ClaimStrings{"someone-else"}
			}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := chain.Authenticate(t.Context(), assertionRequest(t, tt.assertion))
			if err != ErrInvalidCredentials {
				t.Fatalf("Expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestChain_JWTAssertionRequiresRetainedSecret(t *testing.T) {
	chain, store := newChain(t)
	// Registered for basic: no assertion secret was retained.
	saveClient(t, store, "basic-client", MethodSecretBasic)

	r := assertionRequest(t, signAssertion(t, "basic-client", testSecret, nil))

	_, _, err := chain.Authenticate(t.Context(), r)
	if err != ErrInvalidCredentials {
		t.Fatalf("Expected ErrInvalidCredentials, got %v", err)
	}
}

func TestIsPrintableASCII(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"client-123", true},
		{" ~", true},
		{"", true},
		{"tab\there", false},
		{"nul\x00", false},
		{"ünïcode", false},
	}
	for _, tt := range tests {
		if got := isPrintableASCII(tt.in); got != tt.want {
			t.Errorf("isPrintableASCII(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
