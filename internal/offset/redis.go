package offset

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisKeyPrefix namespaces offset keys.
const RedisKeyPrefix = "pollbot:offset:"

// redisKV is the part of *redis.Client the store needs.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore keeps offsets as decimal strings under RedisKeyPrefix+key.
type RedisStore struct {
	kv     redisKV
	logger zerolog.Logger
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{kv: client, logger: logger}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return c, nil
}

func (s *RedisStore) Load(ctx context.Context, key string) (int64, error) {
	raw, err := s.kv.Get(ctx, RedisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load offset %q: %w", key, err)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("offset value is not an integer, starting from 0")
		return 0, nil
	}
	return value, nil
}

func (s *RedisStore) Store(ctx context.Context, key string, value int64) error {
	if err := s.kv.Set(ctx, RedisKeyPrefix+key, strconv.FormatInt(value, 10), 0).Err(); err != nil {
		return fmt.Errorf("store offset %q: %w", key, err)
	}
	return nil
}
