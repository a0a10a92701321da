// Package redisstore wraps the Redis client used as the volatile cache.
//
// The cache is advisory only: every operation tolerates Redis being
// unavailable and degrades to a cache miss (or a no-op for writes), never a
// hard error. No correctness or admission decision may depend on it.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	client *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewFromClient is used by tests to inject a client against a fake server.
func NewFromClient(c *redis.Client) *Store {
	return &Store{client: c}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) {
	_ = s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, key string) {
	_ = s.client.Del(ctx, key).Err()
}

// Incr atomically increments key and returns the new value, or 0 when the
// cache is unavailable.
func (s *Store) Incr(ctx context.Context, key string) int64 {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) {
	_ = s.client.Expire(ctx, key, ttl).Err()
}

func (s *Store) GetJSON(ctx context.Context, key string, out any) bool {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		return false
	}
	return true
}

func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	b, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = s.client.Set(ctx, key, b, ttl).Err()
}

// Ping reports whether the cache is reachable. Callers treat failure as a
// degraded mode, not a startup error.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.Join(errors.New("redis unavailable"), err)
	}
	return nil
}

// Cache key shapes shared by the API layer and the worker.

func ChatroomListKey(userID string) string {
	return fmt.Sprintf("chatrooms:user:%s", userID)
}

func UsageKey(userID string, day time.Time) string {
	return fmt.Sprintf("rate_limit:user:%s:date:%s", userID, day.UTC().Format("2006-01-02"))
}

func OTPKey(mobile string) string {
	return fmt.Sprintf("otp:%s", mobile)
}

func OTPAttemptsKey(mobile string) string {
	return fmt.Sprintf("otp_attempts:%s", mobile)
}
