// Package server implements the OAuth 2.0 protocol engine: the
// authorization-code state machine with consent, PKCE verification, the
// device-authorization polling state machine, the token lifecycle (issuance,
// refresh rotation, introspection, cascading revocation), and dynamic client
// registration. The engine is transport-agnostic; the root package binds it
// to HTTP.
package server

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/authforge/authforge/clientauth"
	"github.com/authforge/authforge/security"
	"github.com/authforge/authforge/storage"
	"github.com/authforge/authforge/tokengen"
)

// Stores bundles the persistence interfaces the engine depends on.
type Stores struct {
	Clients  storage.ClientStore
	Flows    storage.FlowStore
	Consents storage.ConsentStore
	Tokens   storage.TokenStore
	Devices  storage.DeviceStore
}

// Server coordinates the OAuth flows across the stores and the token
// generator. All cross-request state lives in storage; the Server itself is
// safe for concurrent use.
type Server struct {
	clientStore  storage.ClientStore
	flowStore    storage.FlowStore
	consentStore storage.ConsentStore
	tokenStore   storage.TokenStore
	deviceStore  storage.DeviceStore
	tokens       tokengen.Generator
	ClientAuth   *clientauth.Chain
	Auditor      *security.Auditor
	RateLimiter  *security.RateLimiter // IP-based rate limiter
	Logger       *slog.Logger
	Config       *Config
}

// New creates a new OAuth server
func New(stores Stores, generator tokengen.Generator, config *Config, logger *slog.Logger) (*Server, error) {
	if stores.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if stores.Flows == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if stores.Consents == nil {
		return nil, fmt.Errorf("consent store is required")
	}
	if stores.Tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if stores.Devices == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if generator == nil {
		generator = tokengen.NewOpaqueGenerator()
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clientStore:  stores.Clients,
		flowStore:    stores.Flows,
		consentStore: stores.Consents,
		tokenStore:   stores.Tokens,
		deviceStore:  stores.Devices,
		tokens:       generator,
		ClientAuth:   clientauth.NewChain(stores.Clients, logger),
		Config:       config,
		Logger:       logger,
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// accessTokenTTL returns the effective access token lifetime for a client.
func (s *Server) accessTokenTTL(client *storage.Client) time.Duration {
	if client.AccessTokenTTL > 0 {
		return time.Duration(client.AccessTokenTTL) * time.Second
	}
	return time.Duration(s.Config.AccessTokenTTL) * time.Second
}

// refreshTokenTTL returns the effective refresh token lifetime for a client.
func (s *Server) refreshTokenTTL(client *storage.Client) time.Duration {
	if client.RefreshTokenTTL > 0 {
		return time.Duration(client.RefreshTokenTTL) * time.Second
	}
	return time.Duration(s.Config.RefreshTokenTTL) * time.Second
}

// gracePeriod returns the configured clock-skew grace period.
func (s *Server) gracePeriod() time.Duration {
	return time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, trace IDs, tokens, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}

