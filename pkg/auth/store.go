package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyAccessToken is the default key holding the shared access token.
const RedisKeyAccessToken = "spapi:auth:access_token"

// StoreKey derives the Redis key for one set of credentials, so sellers
// sharing a Redis never read each other's tokens. Secrets are hashed.
func StoreKey(clientID, refreshToken string) string {
	sum := sha256.Sum256([]byte(clientID + "\x00" + refreshToken))
	return RedisKeyAccessToken + ":" + hex.EncodeToString(sum[:12])
}

// TokenStore persists an access token outside the process.
// Load returns nil, nil when nothing usable is stored.
type TokenStore interface {
	Load(ctx context.Context) (*AccessToken, error)
	Save(ctx context.Context, token AccessToken) error
}

// RedisStore keeps the token in Redis with a TTL matching its expiry.
type RedisStore struct {
	redis *redis.Client
	key   string
}

// NewRedisStore creates a store under key (RedisKeyAccessToken when empty).
// Use StoreKey to get a distinct key per refresh token.
func NewRedisStore(redisClient *redis.Client, key string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = RedisKeyAccessToken
	}
	return &RedisStore{redis: redisClient, key: key}
}

// Load implements TokenStore.
func (s *RedisStore) Load(ctx context.Context) (*AccessToken, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var token AccessToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode stored token: %w", err)
	}
	return &token, nil
}

// Save implements TokenStore. Already expired tokens are not stored.
func (s *RedisStore) Save(ctx context.Context, token AccessToken) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := s.redis.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
