package cache // import "github.com/cyberpedia/orchestrator/cache"

import (
	"context"
	"errors"
	"time"

	"github.com/cyberpedia/orchestrator/utils"
	"github.com/redis/go-redis/v9"
)

// redisCache implements Cache on a single Redis endpoint.
type redisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis at the given address and verifies the
// connection with a ping before returning.
func NewRedisCache(addr, password string) (Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, utils.MakeError("couldn't connect to redis at %s: %s", addr, err)
	}

	return &redisCache{client: client}, nil
}

func (r *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, utils.MakeError("redis GET %s failed: %s", key, err)
	}
	return val, true, nil
}

func (r *redisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return utils.MakeError("redis SET %s failed: %s", key, err)
	}
	return nil
}

func (r *redisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return utils.MakeError("redis DEL %s failed: %s", key, err)
	}
	return nil
}

// Keys scans for keys matching pattern. SCAN, not KEYS: this runs against
// the same Redis the rest of the platform uses and must not block it.
func (r *redisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, utils.MakeError("redis SCAN %s failed: %s", pattern, err)
	}
	return keys, nil
}

func (r *redisCache) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := r.client.LPush(ctx, key, args...).Err(); err != nil {
		return utils.MakeError("redis LPUSH %s failed: %s", key, err)
	}
	return nil
}

func (r *redisCache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, utils.MakeError("redis LRANGE %s failed: %s", key, err)
	}
	return vals, nil
}

// BRPop blocks up to timeout for an element on the list. It returns an empty
// string and nil error when the timeout elapses with nothing to pop, so
// queue workers can loop on it without treating idleness as a failure.
func (r *redisCache) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := r.client.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", utils.MakeError("redis BRPOP %s failed: %s", key, err)
	}
	// BRPop returns [key, value].
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

func (r *redisCache) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SAdd(ctx, key, args...).Err(); err != nil {
		return utils.MakeError("redis SADD %s failed: %s", key, err)
	}
	return nil
}

func (r *redisCache) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return utils.MakeError("redis SREM %s failed: %s", key, err)
	}
	return nil
}

func (r *redisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, utils.MakeError("redis SMEMBERS %s failed: %s", key, err)
	}
	return members, nil
}

func (r *redisCache) Publish(ctx context.Context, channel string, payload string) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return utils.MakeError("redis PUBLISH %s failed: %s", channel, err)
	}
	return nil
}

func (r *redisCache) Close() error {
	return r.client.Close()
}
