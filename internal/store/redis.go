package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a Redis server.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds the connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, cfg.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

// wrap maps transport errors onto ErrUnavailable, leaving redis.Nil alone.
func wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, opts SetOptions) (bool, error) {
	if opts.NX {
		ok, err := s.client.SetNX(ctx, key, value, opts.TTL).Result()
		return ok, wrap(err)
	}
	err := s.client.Set(ctx, key, value, opts.TTL).Err()
	return err == nil, wrap(err)
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	return n, wrap(err)
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, wrap(err)
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, key, n).Result()
	return v, wrap(err)
}

func (s *RedisStore) IncrByFloat(ctx context.Context, key string, n float64) (float64, error) {
	v, err := s.client.IncrByFloat(ctx, key, n).Result()
	return v, wrap(err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	return ok, wrap(err)
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	return m, wrap(err)
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	v, err := s.client.HIncrBy(ctx, key, field, n).Result()
	return v, wrap(err)
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	zs, err := s.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, false, wrap(err)
	}
	if len(zs) == 0 {
		return "", 0, false, nil
	}
	member, _ := zs[0].Member.(string)
	return member, zs[0].Score, true, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key,
		formatScore(min), formatScore(max)).Result()
	return n, wrap(err)
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	return n, wrap(err)
}

func (s *RedisStore) Eval(ctx context.Context, script string, numKeys int, keysAndArgs ...string) (any, error) {
	if numKeys > len(keysAndArgs) {
		return nil, fmt.Errorf("eval: numKeys %d exceeds argument count %d", numKeys, len(keysAndArgs))
	}
	keys := keysAndArgs[:numKeys]
	args := make([]any, 0, len(keysAndArgs)-numKeys)
	for _, a := range keysAndArgs[numKeys:] {
		args = append(args, a)
	}
	v, err := s.client.Eval(ctx, script, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, wrap(err)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func formatScore(f float64) string {
	return fmt.Sprintf("%g", f)
}
