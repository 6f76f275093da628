package server

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/authforge/authforge/storage"
)

func TestStartDeviceAuthorization(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := seedClient(t, store, func(c *storage.Client) {
		c.GrantTypes = []string{GrantTypeDeviceCode}
	})

	resp, oe := srv.StartDeviceAuthorization(t.Context(), client, "profile", "")
	if oe != nil {
		t.Fatalf("StartDeviceAuthorization failed: %v", oe)
	}

	if len(strings.ReplaceAll(resp.UserCode, "-", "")) != userCodeLength {
		t.Errorf("Unexpected user code %q", resp.UserCode)
	}
	if strings.ContainsAny(resp.UserCode, "IO01") {
		t.Errorf("User code %q contains ambiguous characters", resp.UserCode)
	}
	if resp.VerificationURI != srv.Config.Issuer+"/device" {
		t.Errorf("Unexpected verification URI %q", resp.VerificationURI)
	}
	if !strings.Contains(resp.VerificationURIComplete, resp.UserCode) {
		t.Error("Expected verification_uri_complete to embed the user code")
	}
	if resp.Interval != srv.Config.DeviceCodeInterval {
		t.Errorf("Expected interval %d, got %d", srv.Config.DeviceCodeInterval, resp.Interval)
	}
	if resp.ExpiresIn != srv.Config.DeviceCodeTTL {
		t.Errorf("Expected expires_in %d, got %d", srv.Config.DeviceCodeTTL, resp.ExpiresIn)
	}
}

func TestStartDeviceAuthorization_RequiresGrant(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := seedClient(t, store, nil) // no device grant

	_, oe := srv.StartDeviceAuthorization(t.Context(), client, "", "")
	if oe == nil || oe.Code != ErrorCodeUnauthorizedClient {
		t.Fatalf("Expected unauthorized_client, got %v", oe)
	}
}

func TestNormalizeUserCode(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"WXYZABCD", "WXYZ-ABCD"},
		{"wxyz-abcd", "WXYZ-ABCD"},
		{"  wxyz abcd ", "WXYZ-ABCD"},
		{"WXYZ-ABCD", "WXYZ-ABCD"},
		{"AB", "AB"},
	}
	for _, tt := range tests {
		if got := NormalizeUserCode(tt.in); got != tt.want {
			t.Errorf("NormalizeUserCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeviceAccessToken_Lifecycle(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := seedClient(t, store, func(c *storage.Client) {
		c.GrantTypes = []string{GrantTypeDeviceCode}
	})

	resp, oe := srv.StartDeviceAuthorization(t.Context(), client, "profile", "")
	if oe != nil {
		t.Fatalf("StartDeviceAuthorization failed: %v", oe)
	}

	// First poll: pending.
	_, oe = srv.DeviceAccessToken(t.Context(), client, resp.DeviceCode, "")
	if oe == nil || oe.Code != ErrorCodeAuthorizationPending {
		t.Fatalf("Expected authorization_pending, got %v", oe)
	}

	// Immediate second poll: slow_down, and the interval grows.
	_, oe = srv.DeviceAccessToken(t.Context(), client, resp.DeviceCode, "")
	if oe == nil || oe.Code != ErrorCodeSlowDown {
		t.Fatalf("Expected slow_down, got %v", oe)
	}
	auth, err := store.GetByDeviceCode(t.Context(), resp.DeviceCode)
	if err != nil {
		t.Fatalf("GetByDeviceCode failed: %v", err)
	}
	if auth.Interval <= srv.Config.DeviceCodeInterval {
		t.Errorf("Expected the interval to grow, got %d", auth.Interval)
	}

	// User approves. The user code arrives lowercased, as typed.
	if oe = srv.CompleteDeviceVerification(t.Context(), strings.ToLower(resp.UserCode), testUserID, true); oe != nil {
		t.Fatalf("CompleteDeviceVerification failed: %v", oe)
	}

	// Respect the interval, then collect the token.
	rewindPollClock(t, srv, resp.DeviceCode)
	token, oe := srv.DeviceAccessToken(t.Context(), client, resp.DeviceCode, "")
	if oe != nil {
		t.Fatalf("Expected token after approval, got %v", oe)
	}
	if token.AccessToken == "" {
		t.Fatal("Expected access token")
	}

	intro, oe := srv.Introspect(t.Context(), client, token.AccessToken, "")
	if oe != nil {
		t.Fatalf("Introspect failed: %v", oe)
	}
	if intro.Sub != testUserID {
		t.Errorf("Expected the approving user as subject, got %q", intro.Sub)
	}

	// The device code is spent.
	rewindPollClock(t, srv, resp.DeviceCode)
	_, oe = srv.DeviceAccessToken(t.Context(), client, resp.DeviceCode, "")
	if oe == nil || oe.Code != ErrorCodeInvalidGrant {
		t.Fatalf("Expected invalid_grant after completion, got %v", oe)
	}
}

func TestDeviceAccessToken_ExpiredCode(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := seedClient(t, store, func(c *storage.Client) {
		c.GrantTypes = []string{GrantTypeDeviceCode}
	})

	resp, oe := srv.StartDeviceAuthorization(t.Context(), client, "", "")
	if oe != nil {
		t.Fatalf("StartDeviceAuthorization failed: %v", oe)
	}

	auth, err := srv.deviceStore.GetByDeviceCode(t.Context(), resp.DeviceCode)
	if err != nil {
		t.Fatalf("GetByDeviceCode failed: %v", err)
	}
	auth.ExpiresAt = time.Now().Add(-time.Minute)
	if err := srv.deviceStore.UpdateDeviceAuthorization(t.Context(), auth); err != nil {
		t.Fatalf("UpdateDeviceAuthorization failed: %v", err)
	}

	_, oe = srv.DeviceAccessToken(t.Context(), client, resp.DeviceCode, "")
	if oe == nil || oe.Code != ErrorCodeExpiredToken {
		t.Fatalf("Expected expired_token, got %v", oe)
	}

	// The poll flips the record to EXPIRED.
	auth, err = srv.deviceStore.GetByDeviceCode(t.Context(), resp.DeviceCode)
	if err != nil {
		t.Fatalf("GetByDeviceCode failed: %v", err)
	}
	if auth.Status != storage.DeviceStatusExpired {
		t.Errorf("Expected status EXPIRED, got %q", auth.Status)
	}

	// Verification refuses the stale user code, so the record can never
	// reach APPROVED and no token is ever issued.
	if oe := srv.CompleteDeviceVerification(t.Context(), resp.UserCode, testUserID, true); oe == nil || oe.Code != ErrorCodeExpiredToken {
		t.Errorf("Expected expired_token from verification, got %v", oe)
	}
	if _, oe := srv.DeviceAccessToken(t.Context(), client, resp.DeviceCode, ""); oe == nil || oe.Code != ErrorCodeExpiredToken {
		t.Errorf("Expected expired_token on re-poll, got %v", oe)
	}
}

func TestDeviceAccessToken_Denied(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := seedClient(t, store, func(c *storage.Client) {
		c.GrantTypes = []string{GrantTypeDeviceCode}
	})

	resp, oe := srv.StartDeviceAuthorization(t.Context(), client, "", "")
	if oe != nil {
		t.Fatalf("StartDeviceAuthorization failed: %v", oe)
	}
	if oe = srv.CompleteDeviceVerification(t.Context(), resp.UserCode, testUserID, false); oe != nil {
		t.Fatalf("CompleteDeviceVerification failed: %v", oe)
	}

	_, oe = srv.DeviceAccessToken(t.Context(), client, resp.DeviceCode, "")
	if oe == nil || oe.Code != ErrorCodeAccessDenied {
		t.Fatalf("Expected access_denied, got %v", oe)
	}
}

func TestDeviceAccessToken_ClientMismatch(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := seedClient(t, store, func(c *storage.Client) {
		c.GrantTypes = []string{GrantTypeDeviceCode}
	})
	other := seedClient(t, store, func(c *storage.Client) {
		c.ClientID = "other-client"
		c.GrantTypes = []string{GrantTypeDeviceCode}
	})

	resp, oe := srv.StartDeviceAuthorization(t.Context(), client, "", "")
	if oe != nil {
		t.Fatalf("StartDeviceAuthorization failed: %v", oe)
	}

	_, oe = srv.DeviceAccessToken(t.Context(), other, resp.DeviceCode, "")
	if oe == nil || oe.Code != ErrorCodeInvalidClient {
		t.Fatalf("Expected invalid_client, got %v", oe)
	}
}

func TestCompleteDeviceVerification_AlreadyProcessed(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := seedClient(t, store, func(c *storage.Client) {
		c.GrantTypes = []string{GrantTypeDeviceCode}
	})

	resp, oe := srv.StartDeviceAuthorization(t.Context(), client, "", "")
	if oe != nil {
		t.Fatalf("StartDeviceAuthorization failed: %v", oe)
	}
	if oe = srv.CompleteDeviceVerification(t.Context(), resp.UserCode, testUserID, true); oe != nil {
		t.Fatalf("CompleteDeviceVerification failed: %v", oe)
	}

	oe = srv.CompleteDeviceVerification(t.Context(), resp.UserCode, testUserID, true)
	if oe == nil || oe.Code != ErrorCodeInvalidRequest {
		t.Fatalf("Expected invalid_request for a processed code, got %v", oe)
	}
}

func TestDeviceAccessToken_ConcurrentCompletionSingleWinner(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := seedClient(t, store, func(c *storage.Client) {
		c.GrantTypes = []string{GrantTypeDeviceCode}
	})

	resp, oe := srv.StartDeviceAuthorization(t.Context(), client, "", "")
	if oe != nil {
		t.Fatalf("StartDeviceAuthorization failed: %v", oe)
	}
	if oe = srv.CompleteDeviceVerification(t.Context(), resp.UserCode, testUserID, true); oe != nil {
		t.Fatalf("CompleteDeviceVerification failed: %v", oe)
	}
	rewindPollClock(t, srv, resp.DeviceCode)

	const pollers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, oe := srv.DeviceAccessToken(t.Context(), client, resp.DeviceCode, ""); oe == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("Expected exactly one winner, got %d", winners)
	}
}

// rewindPollClock backdates LastPolledAt so the next poll is inside the
// allowed interval without sleeping.
func rewindPollClock(t *testing.T, srv *Server, deviceCode string) {
	t.Helper()
	auth, err := srv.deviceStore.GetByDeviceCode(t.Context(), deviceCode)
	if err != nil {
		t.Fatalf("GetByDeviceCode failed: %v", err)
	}
	auth.LastPolledAt = time.Now().Add(-time.Minute)
	if err := srv.deviceStore.UpdateDeviceAuthorization(t.Context(), auth); err != nil {
		t.Fatalf("UpdateDeviceAuthorization failed: %v", err)
	}
}
