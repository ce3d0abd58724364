package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const shareTokenKeyPrefix = "collab:share:"

// ShareTokenData is the payload cached per share token.
type ShareTokenData struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ShareTokenStore resolves share tokens to the session they grant access to.
// Missing keys mean the token's TTL has lapsed (or it was never registered).
type ShareTokenStore interface {
	Save(ctx context.Context, token string, data ShareTokenData, expiresAt time.Time) error
	Resolve(ctx context.Context, token string) (ShareTokenData, error)
	Revoke(ctx context.Context, token string) error
}

// RedisShareTokenStore stores share tokens in Redis so TTL expiry is enforced
// by key expiration rather than timestamp comparison on the session row.
type RedisShareTokenStore struct {
	client *redis.Client
	prefix string
}

// NewRedisShareTokenStore connects to Redis and verifies the connection.
func NewRedisShareTokenStore(redisURL string) (*RedisShareTokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisShareTokenStore{client: client, prefix: shareTokenKeyPrefix}, nil
}

// NewRedisShareTokenStoreWithClient wraps an existing Redis client.
func NewRedisShareTokenStoreWithClient(client *redis.Client) *RedisShareTokenStore {
	return &RedisShareTokenStore{client: client, prefix: shareTokenKeyPrefix}
}

func (s *RedisShareTokenStore) key(token string) string {
	return s.prefix + token
}

// Save stores the token with a TTL derived from expiresAt.
func (s *RedisShareTokenStore) Save(ctx context.Context, token string, data ShareTokenData, expiresAt time.Time) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal share token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("share token already expired: %w", ErrExpired)
	}

	if err := s.client.Set(ctx, s.key(token), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save share token: %w", err)
	}
	return nil
}

// Resolve returns the session grant for a live token; lapsed or unknown
// tokens surface ErrExpired.
func (s *RedisShareTokenStore) Resolve(ctx context.Context, token string) (ShareTokenData, error) {
	jsonData, err := s.client.Get(ctx, s.key(token)).Result()
	if err == redis.Nil {
		return ShareTokenData{}, ErrExpired
	}
	if err != nil {
		return ShareTokenData{}, fmt.Errorf("resolve share token: %w", err)
	}

	var data ShareTokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return ShareTokenData{}, fmt.Errorf("unmarshal share token data: %w", err)
	}
	if data.Role == "" {
		data.Role = RoleViewer.String()
	}
	return data, nil
}

// Revoke deletes the token immediately.
func (s *RedisShareTokenStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("revoke share token: %w", err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (s *RedisShareTokenStore) Close() error {
	return s.client.Close()
}

// Ping checks whether Redis is reachable.
func (s *RedisShareTokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
