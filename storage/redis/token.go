package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/authforge/authforge/internal/util"
	"github.com/authforge/authforge/storage"
)

var _ storage.TokenStore = (*Store)(nil)

func (s *Store) SaveAccessTokenRecord(ctx context.Context, record *storage.AccessTokenRecord) error {
	data, err := json.Marshal(tokenToJSON(record))
	if err != nil {
		return fmt.Errorf("marshaling token record: %w", err)
	}

	// The record must outlive both tokens so introspection and revocation see
	// it for as long as either token could be presented.
	expiry := record.AccessTokenExpiresAt
	if record.RefreshToken != "" && record.RefreshTokenExpiresAt.After(expiry) {
		expiry = record.RefreshTokenExpiresAt
	}
	ttl := calculateTTL(expiry)
	if ttl <= 0 {
		return fmt.Errorf("token record already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(record.AccessToken), data, ttl)
	if record.RefreshToken != "" {
		key := s.refreshKey(record.RefreshToken)
		pipe.RPush(ctx, key, record.AccessToken)
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr(err, storage.ErrUnavailable)
	}

	s.logger.Debug("Saved token record",
		"token_prefix", util.SafeTruncate(record.AccessToken, tokenIDLogLength),
		"client_id", record.ClientID,
		"grant_type", record.GrantType)
	return nil
}

func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.AccessTokenRecord, error) {
	data, err := s.client.Get(ctx, s.tokenKey(accessToken)).Bytes()
	if err != nil {
		return nil, wrapErr(err, storage.ErrTokenNotFound)
	}

	var j tokenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshaling token record: %w", err)
	}
	return j.toRecord(), nil
}

func (s *Store) GetByRefreshToken(ctx context.Context, refreshToken string) (*storage.AccessTokenRecord, error) {
	records, err := s.ListByRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, storage.ErrTokenNotFound
	}

	// Newest first, preferring a still-active record. An invalidated record is
	// still returned last so the engine can log the reuse attempt.
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Status == storage.StatusActive {
			return records[i], nil
		}
	}
	return records[len(records)-1], nil
}

func (s *Store) GetByAccessTokenAndClient(ctx context.Context, accessToken, clientID string) (*storage.AccessTokenRecord, error) {
	record, err := s.GetByAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if record.ClientID != clientID {
		return nil, storage.ErrTokenNotFound
	}
	return record, nil
}

func (s *Store) GetByRefreshTokenAndClient(ctx context.Context, refreshToken, clientID string) (*storage.AccessTokenRecord, error) {
	record, err := s.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if record.ClientID != clientID {
		return nil, storage.ErrTokenNotFound
	}
	return record, nil
}

func (s *Store) ListByRefreshToken(ctx context.Context, refreshToken string) ([]*storage.AccessTokenRecord, error) {
	accessTokens, err := s.client.LRange(ctx, s.refreshKey(refreshToken), 0, -1).Result()
	if err != nil {
		return nil, wrapErr(err, storage.ErrUnavailable)
	}

	out := make([]*storage.AccessTokenRecord, 0, len(accessTokens))
	for _, at := range accessTokens {
		record, err := s.GetByAccessToken(ctx, at)
		if err != nil {
			// Record expired out from under the index.
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *Store) InvalidateAccessTokenRecord(ctx context.Context, accessToken string) error {
	result, err := luaInvalidateToken.Run(ctx, s.client,
		[]string{s.tokenKey(accessToken)}).Text()
	if err != nil {
		return wrapErr(err, storage.ErrUnavailable)
	}
	if result == "NOT_FOUND" {
		return storage.ErrTokenNotFound
	}

	s.logger.Debug("Invalidated token record",
		"token_prefix", util.SafeTruncate(accessToken, tokenIDLogLength))
	return nil
}

func (s *Store) AtomicInvalidateActiveToken(ctx context.Context, accessToken string) error {
	result, err := luaInvalidateActiveToken.Run(ctx, s.client,
		[]string{s.tokenKey(accessToken)}).Text()
	if err != nil {
		return wrapErr(err, storage.ErrUnavailable)
	}
	switch result {
	case "NOT_FOUND":
		return storage.ErrTokenNotFound
	case "NOT_ACTIVE":
		return storage.ErrTokenNotActive
	}

	s.logger.Debug("Claimed token record for rotation",
		"token_prefix", util.SafeTruncate(accessToken, tokenIDLogLength))
	return nil
}

// DeleteExpiredTokens is a no-op for Redis; key TTLs expire token records.
func (s *Store) DeleteExpiredTokens(_ context.Context) (int, error) {
	return 0, nil
}
