package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically bumps a window counter, opening a new window
// with a PEXPIRE on first hit. Returns [count, pttlMs].
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RedisStore shares fixed windows across gateway replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps a Redis client as a bucket store. Keys are prefixed
// with "gw:" to keep the keyspace separate from other consumers.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "gw:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Bucket, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// Counters written by Increment are plain integers; Set stores JSON.
	var b Bucket
	if jsonErr := json.Unmarshal(raw, &b); jsonErr == nil && b.ResetAt > 0 {
		return &b, nil
	}
	count, err := s.client.Get(ctx, s.prefix+key).Int()
	if err != nil {
		return nil, err
	}
	ttl, err := s.client.PTTL(ctx, s.prefix+key).Result()
	if err != nil {
		return nil, err
	}
	return &Bucket{Count: count, ResetAt: time.Now().UnixMilli() + ttl.Milliseconds()}, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, b *Bucket) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	ttl := time.Duration(b.ResetAt-time.Now().UnixMilli()) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
}

func (s *RedisStore) Increment(ctx context.Context, key string, windowMs int64) (*Bucket, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, windowMs).Int64Slice()
	if err != nil {
		return nil, err
	}
	count, ttl := res[0], res[1]
	if ttl < 0 {
		ttl = windowMs
	}
	return &Bucket{
		Count:   int(count),
		ResetAt: time.Now().UnixMilli() + ttl,
	}, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
