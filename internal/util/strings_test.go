package util

import (
	"slices"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		s      string
		maxLen int
		want   string
	}{
		{"abcdef", 4, "abcd"},
		{"ab", 4, "ab"},
		{"", 4, ""},
		{"abc", 0, ""},
		{"abc", -1, ""},
	}
	for _, tt := range tests {
		if got := SafeTruncate(tt.s, tt.maxLen); got != tt.want {
			t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	if got := NormalizeURL("https://auth.example.com/"); got != "https://auth.example.com" {
		t.Errorf("NormalizeURL = %q", got)
	}
	if got := NormalizeURL("https://auth.example.com"); got != "https://auth.example.com" {
		t.Errorf("NormalizeURL = %q", got)
	}
}

func TestSplitScopes(t *testing.T) {
	if got := SplitScopes(""); got != nil {
		t.Errorf("SplitScopes(\"\") = %v, want nil", got)
	}
	got := SplitScopes("  openid   profile email ")
	if !slices.Equal(got, []string{"openid", "profile", "email"}) {
		t.Errorf("SplitScopes = %v", got)
	}
}

func TestJoinScopes(t *testing.T) {
	if got := JoinScopes([]string{"openid", "profile"}); got != "openid profile" {
		t.Errorf("JoinScopes = %q", got)
	}
	if got := JoinScopes(nil); got != "" {
		t.Errorf("JoinScopes(nil) = %q", got)
	}
}
