// Package readstate persists per-user, per-group last-seen note counts in Redis.
package readstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// setMax stores ARGV[2] under field ARGV[1] only when it exceeds the current
// value, so concurrent writers can never lower a count.
var setMax = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local incoming = tonumber(ARGV[2])
if incoming > current then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return incoming
end
return current
`)

// RedisStore keeps one hash per user: field = group code, value = last seen count.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "chatter:readstate:",
	}
}

// Client exposes the underlying connection so the push feed can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// ReadStatesFor scopes the store to one user.
func (s *RedisStore) ReadStatesFor(userID string) *UserStates {
	return &UserStates{store: s, key: s.key(userID)}
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// UserStates is the read state of a single user.
type UserStates struct {
	store *RedisStore
	key   string
}

func (u *UserStates) GetLastSeen(ctx context.Context, code string) (int, error) {
	value, err := u.store.client.HGet(ctx, u.key, code).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last seen: %w", err)
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse last seen %q: %w", value, err)
	}
	return count, nil
}

func (u *UserStates) SetLastSeen(ctx context.Context, code string, count int) error {
	if count < 0 {
		return fmt.Errorf("set last seen: negative count %d", count)
	}
	if err := setMax.Run(ctx, u.store.client, []string{u.key}, code, count).Err(); err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	return nil
}

// Forget drops the user's read state for a group they left.
func (u *UserStates) Forget(ctx context.Context, code string) error {
	if err := u.store.client.HDel(ctx, u.key, code).Err(); err != nil {
		return fmt.Errorf("forget read state: %w", err)
	}
	return nil
}
