// Package redis provides a Redis-backed storage implementation for
// multi-instance deployments. Expiry is enforced with key TTLs; the
// security-critical single-use transitions (authorization-code redemption,
// device-code completion) run as Lua scripts so they stay atomic across
// server instances.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authforge/authforge/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys
	DefaultKeyPrefix = "authforge:"

	// tokenIDLogLength is the number of characters to include when logging tokens
	tokenIDLogLength = 8

	// connectionVerifyTimeout bounds the initial PING
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address (required), e.g. "localhost:6379"
	Address string

	// Password is the optional password for authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authforge:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of all storage interfaces.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// New creates a Redis store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Address, err)
	}

	cfg.Logger.Info("Connected to Redis storage",
		"address", cfg.Address, "key_prefix", cfg.KeyPrefix)

	return &Store{
		client: client,
		prefix: cfg.KeyPrefix,
		logger: cfg.Logger,
	}, nil
}

// NewWithClient wraps an existing client. Used by tests against miniredis.
func NewWithClient(client *redis.Client, keyPrefix string, logger *slog.Logger) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: keyPrefix, logger: logger}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Key builders

func (s *Store) clientKey(clientID string) string   { return s.prefix + "client:" + clientID }
func (s *Store) clientSetKey() string               { return s.prefix + "clients" }
func (s *Store) pendingKey(traceID string) string   { return s.prefix + "pending:" + traceID }
func (s *Store) grantKey(code string) string        { return s.prefix + "grant:" + code }
func (s *Store) consentKey(c, u string) string      { return s.prefix + "consent:" + c + ":" + u }
func (s *Store) tokenKey(accessToken string) string { return s.prefix + "token:" + accessToken }
func (s *Store) refreshKey(rt string) string        { return s.prefix + "refresh:" + rt }
func (s *Store) deviceKey(code string) string       { return s.prefix + "device:" + code }
func (s *Store) userCodeKey(code string) string     { return s.prefix + "usercode:" + code }

// wrapErr classifies a Redis failure. Key misses surface as notFound;
// anything else is a transient backend failure the HTTP layer answers with
// 503, so it wraps storage.ErrUnavailable.
func wrapErr(err error, notFound error) error {
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
}

// calculateTTL converts an absolute expiry into a Redis TTL.
func calculateTTL(expiresAt time.Time) time.Duration {
	return time.Until(expiresAt)
}

// ============================================================
// Lua scripts for atomic operations
// ============================================================
//
// These transitions must be atomic across concurrently polling server
// instances; a read-then-write from Go would let two requests both observe
// ACTIVE/APPROVED and both succeed.

// luaRedeemGrant atomically consumes an authorization code. Returns one of
// "NOT_FOUND", "ALREADY_USED", "EXPIRED", or "OK:<json>" with the grant as it
// was before invalidation. ARGV[1] is the current unix time in seconds.
var luaRedeemGrant = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local grant = cjson.decode(data)
if grant.status ~= 'ACTIVE' then
    return 'ALREADY_USED'
end
if tonumber(ARGV[1]) > tonumber(grant.expires_at_unix) then
    return 'EXPIRED'
end

grant.status = 'INVALIDATED'
redis.call('SET', KEYS[1], cjson.encode(grant), 'KEEPTTL')
return 'OK:' .. data
`)

// luaCompleteDevice atomically transitions an APPROVED device authorization
// to COMPLETED and records the issued token. Returns "NOT_FOUND",
// "NOT_APPROVED", "EXPIRED", or "OK:<json>" with the completed record.
// ARGV[1] = now (unix seconds), ARGV[2] = access token,
// ARGV[3] = access token expiry (unix seconds).
var luaCompleteDevice = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local auth = cjson.decode(data)
if auth.status ~= 'APPROVED' then
    return 'NOT_APPROVED'
end
if tonumber(ARGV[1]) > tonumber(auth.expires_at_unix) then
    return 'EXPIRED'
end

auth.status = 'COMPLETED'
auth.access_token = ARGV[2]
auth.access_token_expires_at_unix = tonumber(ARGV[3])
auth.last_polled_at_unix = tonumber(ARGV[1])
local updated = cjson.encode(auth)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return 'OK:' .. updated
`)

// luaInvalidateActiveToken flips a token record to INVALIDATED only while it
// is still ACTIVE, so concurrent refresh rotations have exactly one winner.
// Returns "NOT_FOUND", "NOT_ACTIVE", or "OK".
var luaInvalidateActiveToken = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)
if record.status ~= 'ACTIVE' then
    return 'NOT_ACTIVE'
end
record.status = 'INVALIDATED'
redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')
return 'OK'
`)

// luaInvalidateToken atomically flips a token record to INVALIDATED while
// preserving its TTL. Returns "NOT_FOUND" or "OK".
var luaInvalidateToken = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)
record.status = 'INVALIDATED'
redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')
return 'OK'
`)
