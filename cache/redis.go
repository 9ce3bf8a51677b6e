package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
)

// RedisCache implements Cache on Redis, letting checkpoints be shared
// across every process replicating the same collections.
type RedisCache[T any] struct {
	client  *redis.Client
	options *Options
	prefix  string
}

// NewRedisCache connects to redisAddr and returns a RedisCache.
func NewRedisCache[T any](redisAddr string, options *Options) (*RedisCache[T], error) {
	if options == nil {
		options = DefaultOptions()
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache[T]{
		client:  client,
		options: options,
		prefix:  "replisync:",
	}, nil
}

func (c *RedisCache[T]) Get(ctx context.Context, key string) (T, error) {
	var result T
	if key == "" {
		return result, ErrInvalidKey
	}

	data, err := c.client.Get(ctx, c.prefixed(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return result, ErrCacheMiss
		}
		return result, fmt.Errorf("get from redis: %w", err)
	}

	var envelope struct {
		Value T `bson:"value"`
	}
	if err := bson.Unmarshal(data, &envelope); err != nil {
		return result, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return envelope.Value, nil
}

func (c *RedisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}

	// bson.Marshal only accepts document-shaped values, so the value is
	// wrapped in a one-field document; T may be a plain string or number.
	data, err := bson.Marshal(struct {
		Value T `bson:"value"`
	}{Value: value})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if ttl <= 0 {
		ttl = c.options.DefaultTTL
	}

	if err := c.client.Set(ctx, c.prefixed(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("set in redis: %w", err)
	}
	return nil
}

func (c *RedisCache[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefixed(key)).Err(); err != nil {
		return fmt.Errorf("delete from redis: %w", err)
	}
	return nil
}

func (c *RedisCache[T]) Clear(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.prefix+"*").Result()
	if err != nil {
		return fmt.Errorf("list redis keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete redis keys: %w", err)
	}
	return nil
}

func (c *RedisCache[T]) Close() error {
	return c.client.Close()
}

func (c *RedisCache[T]) prefixed(key string) string {
	return c.prefix + key
}
