// internal/cache/redis.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wedja10/SAE-S4-sub000/internal/lobby"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long moderation records of a session survive in Redis
// when the process dies before the session is closed.
const DefaultTTL = 24 * time.Hour

// Connect opens a Redis client and checks it answers.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// RedisModeration keeps kick and ban records in two hashes per session,
// field = player id, value = reason.
type RedisModeration struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ lobby.Moderation = (*RedisModeration)(nil)

// NewRedisModeration stores records under prefix, for example "wiki".
func NewRedisModeration(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisModeration {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisModeration{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (m *RedisModeration) bansKey(code string) string {
	return fmt.Sprintf("%s:session:%s:bans", m.prefix, code)
}

func (m *RedisModeration) kicksKey(code string) string {
	return fmt.Sprintf("%s:session:%s:kicks", m.prefix, code)
}

func (m *RedisModeration) IsBanned(ctx context.Context, code, playerID string) (string, bool, error) {
	reason, err := m.rdb.HGet(ctx, m.bansKey(code), playerID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis HGET %s: %w", m.bansKey(code), err)
	}
	return reason, true, nil
}

func (m *RedisModeration) RecordBan(ctx context.Context, code, playerID, reason string) error {
	return m.record(ctx, m.bansKey(code), playerID, reason)
}

func (m *RedisModeration) RecordKick(ctx context.Context, code, playerID, reason string) error {
	return m.record(ctx, m.kicksKey(code), playerID, reason)
}

func (m *RedisModeration) record(ctx context.Context, key, playerID, reason string) error {
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, playerID, reason)
		pipe.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record %s: %w", key, err)
	}
	return nil
}

// Forget drops every record of a closed session.
func (m *RedisModeration) Forget(ctx context.Context, code string) error {
	if err := m.rdb.Del(ctx, m.bansKey(code), m.kicksKey(code)).Err(); err != nil {
		return fmt.Errorf("redis DEL session %s: %w", code, err)
	}
	return nil
}

// Kicks returns the kick reasons recorded for a session keyed by player id.
func (m *RedisModeration) Kicks(ctx context.Context, code string) (map[string]string, error) {
	kicks, err := m.rdb.HGetAll(ctx, m.kicksKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", m.kicksKey(code), err)
	}
	return kicks, nil
}
