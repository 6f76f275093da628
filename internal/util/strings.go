// Package util provides small shared helpers for string handling that don't
// belong to a domain-specific package.
package util

import "strings"

// SafeTruncate truncates s to at most maxLen bytes without panicking. Used
// when logging token prefixes so a full credential never reaches the logs.
// A negative maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by stripping trailing slashes,
// so issuer and endpoint URLs with and without a trailing slash compare equal.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SplitScopes splits a space-delimited scope string into a slice, dropping
// empty segments. Returns nil for an empty input.
func SplitScopes(scope string) []string {
	return strings.Fields(scope)
}

// JoinScopes joins scopes into the space-delimited wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
