package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestAuditor_HashesUserIDs(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewJSONHandler(&buf, nil)), true)

	auditor.LogTokenIssued("alice@example.com", "client-1", "203.0.113.7", "authorization_code", "profile")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Error("Raw user ID leaked into the audit log")
	}
	if !strings.Contains(out, EventTokenIssued) {
		t.Error("Expected the event type in the log")
	}
	if !strings.Contains(out, "client-1") {
		t.Error("Expected the client ID in the log")
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewJSONHandler(&buf, nil)), false)

	auditor.LogAuthFailure("client-1", "203.0.113.7", "bad secret")
	auditor.LogCodeReuse("client-1", "203.0.113.7")

	if buf.Len() != 0 {
		t.Errorf("Disabled auditor wrote output: %s", buf.String())
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	a, b := hashForLogging("user-a"), hashForLogging("user-b")
	if a == b {
		t.Error("Distinct inputs hashed identically")
	}
	if len(a) != 16 {
		t.Errorf("Expected a 16 character digest prefix, got %d", len(a))
	}
	if hashForLogging("user-a") != a {
		t.Error("Hash is not deterministic")
	}
}
