package faststore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	corerrors "github.com/atelierhq/pulse/internal/core/errors"
)

const defaultOpTimeout = 2 * time.Second

// scanBatchSize bounds one SCAN page during pattern operations.
const scanBatchSize = 256

// RedisStore implements Store on Redis.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisStore connects to Redis and verifies connectivity.
// opTimeout bounds every individual operation; zero selects the default.
func NewRedisStore(addr, password string, db int, opTimeout time.Duration) (*RedisStore, error) {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}

	slog.Info("[FastStore] Redis connected", "addr", addr, "db", db, "op_timeout", opTimeout)
	return &RedisStore{client: client, opTimeout: opTimeout}, nil
}

// withTimeout derives the bounded per-operation context.
// A deadline already tighter than opTimeout is kept as-is.
func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", corerrors.ErrNotFound
	}
	if err != nil {
		return "", corerrors.Transient("fast", "get", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return corerrors.Transient("fast", "set", err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, corerrors.Transient("fast", "setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return corerrors.Transient("fast", "del", err)
	}
	return nil
}

// DelPattern scans for matching keys and deletes them in batches.
// SCAN keeps the operation incremental; KEYS would block the server.
func (s *RedisStore) DelPattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	var cursor uint64

	for {
		opCtx, cancel := s.withTimeout(ctx)
		keys, next, err := s.client.Scan(opCtx, cursor, pattern, scanBatchSize).Result()
		cancel()
		if err != nil {
			return deleted, corerrors.Transient("fast", "scan", err)
		}

		if len(keys) > 0 {
			if err := s.Del(ctx, keys...); err != nil {
				return deleted, err
			}
			deleted += len(keys)
		}

		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var all []string
	var cursor uint64

	for {
		opCtx, cancel := s.withTimeout(ctx)
		keys, next, err := s.client.Scan(opCtx, cursor, pattern, scanBatchSize).Result()
		cancel()
		if err != nil {
			return nil, corerrors.Transient("fast", "scan", err)
		}

		all = append(all, keys...)
		cursor = next
		if cursor == 0 {
			return all, nil
		}
	}
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, corerrors.Transient("fast", "incrby", err)
	}
	return val, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return corerrors.Transient("fast", "expire", err)
	}
	return nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return corerrors.Transient("fast", "zadd", err)
	}
	return nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	minArg := fmt.Sprintf("%f", min)
	maxArg := fmt.Sprintf("%f", max)
	if err := s.client.ZRemRangeByScore(ctx, key, minArg, maxArg).Err(); err != nil {
		return corerrors.Transient("fast", "zremrangebyscore", err)
	}
	return nil
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	minArg := fmt.Sprintf("%f", min)
	maxArg := fmt.Sprintf("%f", max)
	count, err := s.client.ZCount(ctx, key, minArg, maxArg).Result()
	if err != nil {
		return 0, corerrors.Transient("fast", "zcount", err)
	}
	return count, nil
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.client.RPush(ctx, key, args...).Err(); err != nil {
		return corerrors.Transient("fast", "rpush", err)
	}
	return nil
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return corerrors.Transient("fast", "ltrim", err)
	}
	return nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	values, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, corerrors.Transient("fast", "lrange", err)
	}
	return values, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
