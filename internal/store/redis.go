package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridion/gridion-ai/internal/models"
)

// Redis implements Store against a shared Redis deployment.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the Redis instance described by redisURL
// (redis://[:password@]host:port/db).
func NewRedis(redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opt)}, nil
}

// NewRedisFromClient wraps an existing client. Used in tests.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			n, err := r.client.Del(ctx, batch...).Result()
			if err != nil {
				return deleted, unavailable(err)
			}
			deleted += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, unavailable(err)
	}
	if len(batch) > 0 {
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return deleted, unavailable(err)
		}
		deleted += int(n)
	}
	return deleted, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return fields, nil
}

// HIncr runs every increment inside one MULTI/EXEC block so concurrent
// writers never observe or produce a partial update.
func (r *Redis) HIncr(ctx context.Context, incrs []HashIncr) error {
	if len(incrs) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, inc := range incrs {
		if inc.Float {
			pipe.HIncrByFloat(ctx, inc.Key, inc.Field, inc.FloatBy)
		} else {
			pipe.HIncrBy(ctx, inc.Key, inc.Field, inc.IntBy)
		}
		if inc.TTL > 0 {
			pipe.Expire(ctx, inc.Key, inc.TTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) ListAppend(ctx context.Context, key string, ttl time.Duration, values ...string) (int64, error) {
	if len(values) == 0 {
		return r.ListLen(ctx, key)
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	pipe := r.client.TxPipeline()
	rpush := pipe.RPush(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(err)
	}
	return rpush.Val(), nil
}

func (r *Redis) ListRange(ctx context.Context, key string) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return vals, nil
}

func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(err)
	}
	return keys, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
}
