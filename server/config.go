package server

import (
	"log/slog"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// PendingAuthorizationTTL bounds the consent round-trip
	PendingAuthorizationTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid, unless the client
	// registration overrides it
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid, unless the client
	// registration overrides it
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// DeviceCodeTTL is how long device/user code pairs are valid (RFC 8628)
	DeviceCodeTTL int64 // seconds, default: 1800 (30 minutes)

	// DeviceCodeInterval is the initial minimum polling interval
	DeviceCodeInterval int // seconds, default: 5

	// VerificationURI is the page where users enter their user code.
	// Defaults to Issuer + "/device".
	VerificationURI string

	// AllowRefreshTokenRotation enables refresh token rotation globally.
	// Individual clients can opt out via reuse_refresh_tokens.
	// Default: true (secure by default)
	AllowRefreshTokenRotation bool

	// RequirePKCE enforces PKCE for all authorization requests
	// When true, code_challenge is mandatory (secure by default)
	// Default: true
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method
	// WARNING: 'plain' is deprecated in OAuth 2.1; S256 only when false
	// Default: false
	AllowPKCEPlain bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used to pick the client IP out of X-Forwarded-For
	// Default: 1
	TrustedProxyCount int

	// RevokeRefreshOnAccess also revokes the whole refresh token chain when
	// an access token is revoked (RFC 7009 allows either behavior)
	// Default: false
	RevokeRefreshOnAccess bool

	// ClockSkewGracePeriod is the grace period for expiry checks
	ClockSkewGracePeriod int64 // seconds, default: 5

	// SupportedScopes lists the scopes the server hands out at registration
	// when a client doesn't request any. If empty, clients must name their
	// scopes explicitly.
	SupportedScopes []string

	// AllowPublicClientRegistration allows unauthenticated dynamic client
	// registration. WARNING: open registration invites DoS via mass
	// registration; when false a registration access token is required.
	// Default: false
	AllowPublicClientRegistration bool

	// RegistrationAccessToken is the bearer token required for client
	// registration when AllowPublicClientRegistration is false
	RegistrationAccessToken string

	// RetryAfterSeconds is sent with temporarily_unavailable responses
	RetryAfterSeconds int // default: 5

	// CORS controls cross-origin access to the JSON endpoints
	CORS CORSConfig
}

// CORSConfig controls cross-origin browser access. CORS is disabled until
// AllowedOrigins is set.
type CORSConfig struct {
	// AllowedOrigins lists origins permitted to call the server from a
	// browser. "*" matches any origin.
	AllowedOrigins []string

	// AllowCredentials emits Access-Control-Allow-Credentials. Invalid in
	// combination with a wildcard origin per the CORS specification.
	AllowCredentials bool

	// MaxAge is the preflight cache duration
	MaxAge int // seconds, default: 3600
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	warnCORSConfig(config, logger)
	return config
}

// warnCORSConfig flags origin lists browsers will reject or that widen the
// attack surface.
func warnCORSConfig(config *Config, logger *slog.Logger) {
	for _, origin := range config.CORS.AllowedOrigins {
		if origin != "*" {
			continue
		}
		if config.CORS.AllowCredentials {
			logger.Warn("SECURITY WARNING: CORS wildcard origin with credentials",
				"risk", "Browsers reject wildcard origins with credentials",
				"recommendation", "List explicit origins when AllowCredentials=true")
		} else {
			logger.Warn("SECURITY WARNING: CORS wildcard origin is ALLOWED",
				"risk", "Any website can call this server from a browser",
				"recommendation", "Use specific origins in production")
		}
	}
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.PendingAuthorizationTTL == 0 {
		config.PendingAuthorizationTTL = 600
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = 1800 // 30 minutes
	}
	if config.DeviceCodeInterval == 0 {
		config.DeviceCodeInterval = 5
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.RetryAfterSeconds == 0 {
		config.RetryAfterSeconds = 5
	}
	if config.VerificationURI == "" && config.Issuer != "" {
		config.VerificationURI = config.Issuer + "/device"
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration.
// Uses a heuristic to detect a fresh config (all security bools false) versus
// one the operator configured explicitly.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.AllowRefreshTokenRotation &&
		!config.RequirePKCE &&
		!config.AllowPKCEPlain &&
		!config.TrustProxy

	if isDefaultConfig {
		config.AllowRefreshTokenRotation = true
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		config.TrustProxy = false
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is DISABLED",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256")
	}
	if !config.AllowRefreshTokenRotation {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens remain valid until expiry",
			"recommendation", "Set AllowRefreshTokenRotation=true")
	}
	if config.TrustProxy {
		logger.Warn("Proxy headers are TRUSTED for client IP extraction",
			"requirement", "Only run behind a reverse proxy you control",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
	if config.AllowPublicClientRegistration {
		logger.Warn("SECURITY WARNING: Unauthenticated client registration is ENABLED",
			"risk", "DoS via mass client registration",
			"recommendation", "Require a registration access token")
	}
}
