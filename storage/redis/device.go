package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authforge/authforge/internal/util"
	"github.com/authforge/authforge/storage"
)

var _ storage.DeviceStore = (*Store)(nil)

func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	data, err := json.Marshal(deviceToJSON(auth))
	if err != nil {
		return fmt.Errorf("marshaling device authorization: %w", err)
	}

	ttl := calculateTTL(auth.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("device authorization already expired")
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.deviceKey(auth.DeviceCode), data, ttl)
	pipe.Set(ctx, s.userCodeKey(auth.UserCode), auth.DeviceCode, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr(err, storage.ErrUnavailable)
	}

	s.logger.Debug("Saved device authorization",
		"device_code_prefix", util.SafeTruncate(auth.DeviceCode, tokenIDLogLength),
		"user_code", auth.UserCode,
		"client_id", auth.ClientID)
	return nil
}

func (s *Store) GetByDeviceCode(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	data, err := s.client.Get(ctx, s.deviceKey(deviceCode)).Bytes()
	if err != nil {
		return nil, wrapErr(err, storage.ErrDeviceAuthNotFound)
	}

	var j deviceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshaling device authorization: %w", err)
	}
	return j.toRecord(), nil
}

func (s *Store) GetByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	deviceCode, err := s.client.Get(ctx, s.userCodeKey(userCode)).Result()
	if err != nil {
		return nil, wrapErr(err, storage.ErrDeviceAuthNotFound)
	}
	return s.GetByDeviceCode(ctx, deviceCode)
}

func (s *Store) UpdateDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	data, err := json.Marshal(deviceToJSON(auth))
	if err != nil {
		return fmt.Errorf("marshaling device authorization: %w", err)
	}

	err = s.client.Set(ctx, s.deviceKey(auth.DeviceCode), data, redis.KeepTTL).Err()
	if err != nil {
		return wrapErr(err, storage.ErrUnavailable)
	}
	return nil
}

func (s *Store) AtomicCompleteDeviceAuthorization(ctx context.Context, deviceCode, accessToken string, accessTokenExpiresAt time.Time) (*storage.DeviceAuthorization, error) {
	result, err := luaCompleteDevice.Run(ctx, s.client,
		[]string{s.deviceKey(deviceCode)},
		time.Now().Unix(), accessToken, accessTokenExpiresAt.Unix()).Text()
	if err != nil {
		return nil, wrapErr(err, storage.ErrUnavailable)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrDeviceAuthNotFound
	case result == "NOT_APPROVED":
		return nil, storage.ErrDeviceAuthNotApproved
	case result == "EXPIRED":
		return nil, storage.ErrExpired
	case strings.HasPrefix(result, "OK:"):
		var j deviceJSON
		if err := json.Unmarshal([]byte(result[len("OK:"):]), &j); err != nil {
			return nil, fmt.Errorf("unmarshaling completed device authorization: %w", err)
		}
		return j.toRecord(), nil
	default:
		return nil, fmt.Errorf("unexpected complete script result: %s", util.SafeTruncate(result, 32))
	}
}

// DeleteExpiredDeviceAuthorizations is a no-op for Redis; key TTLs expire records.
func (s *Store) DeleteExpiredDeviceAuthorizations(_ context.Context) (int, error) {
	return 0, nil
}
