package tokengen

import (
	"strings"

	"github.com/google/uuid"
)

// OpaqueGenerator mints unstructured random tokens. The token carries no
// claims; resource servers resolve it via the introspection endpoint.
type OpaqueGenerator struct{}

// NewOpaqueGenerator creates an opaque token generator.
func NewOpaqueGenerator() *OpaqueGenerator {
	return &OpaqueGenerator{}
}

// AccessToken returns a random token. Claims are recorded in storage by the
// caller, never in the token itself.
func (g *OpaqueGenerator) AccessToken(_ Claims) (string, error) {
	// Two UUIDs give 256 bits of identifier space; dashes stripped for a
	// compact wire form.
	raw := uuid.NewString() + uuid.NewString()
	return strings.ReplaceAll(raw, "-", ""), nil
}

// RefreshToken returns a random refresh token.
func (g *OpaqueGenerator) RefreshToken() (string, error) {
	return generateRandomToken(), nil
}

var _ Generator = (*OpaqueGenerator)(nil)
