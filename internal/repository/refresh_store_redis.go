package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/jwtauth/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const refreshKeyPrefix = "refresh_token:"

// RedisRefreshStore keeps one key per valid refresh token, expiring together
// with the token itself.
type RedisRefreshStore struct {
	client redis.UniversalClient
	now    func() time.Time
	logger *logrus.Logger
}

func NewRedisRefreshStore(client redis.UniversalClient, logger *logrus.Logger) *RedisRefreshStore {
	return &RedisRefreshStore{
		client: client,
		now:    time.Now,
		logger: logger,
	}
}

func refreshKey(token string) string {
	return refreshKeyPrefix + tokenDigest(token)
}

func (s *RedisRefreshStore) encode(token string, expiresAt time.Time) ([]byte, time.Duration, error) {
	tokenData := models.RefreshTokenData{
		Digest:    tokenDigest(token),
		CreatedAt: s.now(),
		ExpiresAt: expiresAt,
	}

	dataJSON, err := json.Marshal(tokenData)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal token data: %w", err)
	}

	return dataJSON, expiresAt.Sub(s.now()), nil
}

func (s *RedisRefreshStore) Record(ctx context.Context, token string, expiresAt time.Time) error {
	dataJSON, ttl, err := s.encode(token, expiresAt)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return nil
	}

	if err := s.client.Set(ctx, refreshKey(token), dataJSON, ttl).Err(); err != nil {
		s.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

func (s *RedisRefreshStore) IsValid(ctx context.Context, token string) (bool, error) {
	exists, err := s.client.Exists(ctx, refreshKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check refresh token: %w", err)
	}
	return exists > 0, nil
}

func (s *RedisRefreshStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, refreshKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// Rotate watches the old key so a concurrent rotation or revocation aborts
// the transaction instead of leaving two live tokens.
func (s *RedisRefreshStore) Rotate(ctx context.Context, oldToken, newToken string, expiresAt time.Time) error {
	dataJSON, ttl, err := s.encode(newToken, expiresAt)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	oldKey := refreshKey(oldToken)
	newKey := refreshKey(newToken)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, oldKey).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return ErrTokenNotFound
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, oldKey)
			pipe.Set(ctx, newKey, dataJSON, ttl)
			return nil
		})
		return err
	}, oldKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, redis.TxFailedErr):
		return ErrTokenNotFound
	default:
		s.logger.WithError(err).Error("Failed to rotate refresh token")
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
}

// Get returns the stored metadata for token.
func (s *RedisRefreshStore) Get(ctx context.Context, token string) (*models.RefreshTokenData, error) {
	dataJSON, err := s.client.Get(ctx, refreshKey(token)).Result()
	if err == redis.Nil {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var tokenData models.RefreshTokenData
	if err := json.Unmarshal([]byte(dataJSON), &tokenData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	return &tokenData, nil
}
