package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE challenge methods (RFC 7636)
const (
	CodeChallengeMethodS256  = "S256"
	CodeChallengeMethodPlain = "plain"

	minVerifierLength = 43
	maxVerifierLength = 128
)

// ComputeS256Challenge derives the S256 code challenge from a verifier:
// base64url without padding of SHA-256 over the ASCII verifier.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidVerifierFormat reports whether the code_verifier satisfies RFC 7636
// Section 4.1: 43-128 characters from [A-Za-z0-9-._~].
func ValidVerifierFormat(verifier string) bool {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		if !isVerifierChar(verifier[i]) {
			return false
		}
	}
	return true
}

// ValidChallengeFormat reports whether a code_challenge is plausible: same
// length bounds and charset as a verifier. An S256 challenge is always 43
// characters of base64url, which this accepts.
func ValidChallengeFormat(challenge string) bool {
	return ValidVerifierFormat(challenge)
}

func isVerifierChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

// verifyPKCE checks a presented code_verifier against the challenge bound to
// the authorization grant.
//
// Error mapping per RFC 7636:
//   - malformed verifier: invalid_request
//   - unknown challenge method: invalid_grant
//   - verifier/challenge mismatch: invalid_grant
//
// The derived challenge is compared in constant time. The challenge itself is
// not secret, but a constant-structure comparison avoids leaking where the
// derivation diverges.
func verifyPKCE(verifier, challenge, method string) *OAuthError {
	if !ValidVerifierFormat(verifier) {
		return ErrInvalidRequest("code_verifier must be 43-128 characters from [A-Za-z0-9-._~]")
	}

	var derived string
	switch method {
	case CodeChallengeMethodS256, "":
		// S256 is the default when the method was omitted at authorization
		derived = ComputeS256Challenge(verifier)
	case CodeChallengeMethodPlain:
		derived = verifier
	default:
		return ErrInvalidGrant("unsupported code_challenge_method")
	}

	if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
		return ErrInvalidGrant("code_verifier does not match the code_challenge")
	}
	return nil
}
