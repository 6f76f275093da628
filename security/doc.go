// Package security provides cross-cutting security facilities for the
// authorization server: audit logging with PII hashing, per-identifier rate
// limiting, secure response headers, client IP extraction behind proxies, and
// clock-skew tolerant expiry checks.
package security
