package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/authforge/authforge/internal/util"
	"github.com/authforge/authforge/storage"
)

var _ storage.FlowStore = (*Store)(nil)

func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	data, err := json.Marshal(pendingToJSON(pending))
	if err != nil {
		return fmt.Errorf("marshaling pending authorization: %w", err)
	}

	ttl := calculateTTL(pending.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("pending authorization already expired")
	}

	if err := s.client.Set(ctx, s.pendingKey(pending.TraceID), data, ttl).Err(); err != nil {
		return wrapErr(err, storage.ErrUnavailable)
	}

	s.logger.Debug("Saved pending authorization",
		"trace_id", util.SafeTruncate(pending.TraceID, tokenIDLogLength),
		"client_id", pending.ClientID)
	return nil
}

func (s *Store) GetPendingAuthorization(ctx context.Context, traceID string) (*storage.PendingAuthorization, error) {
	data, err := s.client.Get(ctx, s.pendingKey(traceID)).Bytes()
	if err != nil {
		return nil, wrapErr(err, storage.ErrPendingAuthNotFound)
	}

	var j pendingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshaling pending authorization: %w", err)
	}
	return j.toRecord(), nil
}

func (s *Store) DeletePendingAuthorization(ctx context.Context, traceID string) error {
	if err := s.client.Del(ctx, s.pendingKey(traceID)).Err(); err != nil {
		return wrapErr(err, storage.ErrUnavailable)
	}
	return nil
}

func (s *Store) SaveAuthorizationGrant(ctx context.Context, grant *storage.AuthorizationGrant) error {
	data, err := json.Marshal(grantToJSON(grant))
	if err != nil {
		return fmt.Errorf("marshaling authorization grant: %w", err)
	}

	ttl := calculateTTL(grant.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization grant already expired")
	}

	if err := s.client.Set(ctx, s.grantKey(grant.Code), data, ttl).Err(); err != nil {
		return wrapErr(err, storage.ErrUnavailable)
	}

	s.logger.Debug("Saved authorization grant",
		"code_prefix", util.SafeTruncate(grant.Code, tokenIDLogLength),
		"client_id", grant.ClientID)
	return nil
}

func (s *Store) GetAuthorizationGrant(ctx context.Context, code string) (*storage.AuthorizationGrant, error) {
	data, err := s.client.Get(ctx, s.grantKey(code)).Bytes()
	if err != nil {
		return nil, wrapErr(err, storage.ErrGrantNotFound)
	}

	var j grantJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshaling authorization grant: %w", err)
	}
	return j.toRecord(), nil
}

func (s *Store) AtomicRedeemAuthorizationGrant(ctx context.Context, code string) (*storage.AuthorizationGrant, error) {
	now := time.Now().Unix()
	result, err := luaRedeemGrant.Run(ctx, s.client,
		[]string{s.grantKey(code)}, now).Text()
	if err != nil {
		return nil, wrapErr(err, storage.ErrUnavailable)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrGrantNotFound
	case result == "ALREADY_USED":
		return nil, storage.ErrGrantAlreadyRedeemed
	case result == "EXPIRED":
		return nil, storage.ErrExpired
	case strings.HasPrefix(result, "OK:"):
		var j grantJSON
		if err := json.Unmarshal([]byte(result[len("OK:"):]), &j); err != nil {
			return nil, fmt.Errorf("unmarshaling redeemed grant: %w", err)
		}
		return j.toRecord(), nil
	default:
		return nil, fmt.Errorf("unexpected redeem script result: %s", util.SafeTruncate(result, 32))
	}
}

// DeleteExpiredGrants is a no-op for Redis; key TTLs expire grants.
func (s *Store) DeleteExpiredGrants(_ context.Context) (int, error) {
	return 0, nil
}
