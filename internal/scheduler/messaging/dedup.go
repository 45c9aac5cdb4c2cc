package messaging

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/scaleproject/scale/internal/common/scalecontext"
)

// Deduplicator tracks the keys of messages that have been sent but whose handling has not yet started.
type Deduplicator interface {
	// Claim marks key as pending. It returns false if the key was already pending.
	Claim(ctx *scalecontext.Context, key string) (bool, error)
	Release(ctx *scalecontext.Context, keys ...string) error
}

const dedupKeyPrefix = "scale:msg:"

// RedisDeduplicator shares pending keys between scheduler replicas. Keys expire after ttl so that a crashed consumer
// cannot suppress a message forever.
type RedisDeduplicator struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisDeduplicator(client redis.UniversalClient, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
	}
}

func (d *RedisDeduplicator) Claim(_ *scalecontext.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(dedupKeyPrefix+key, time.Now().UnixNano(), d.ttl).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return ok, nil
}

func (d *RedisDeduplicator) Release(_ *scalecontext.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = dedupKeyPrefix + key
	}
	return errors.WithStack(d.client.Del(prefixed...).Err())
}

// MemoryDeduplicator is used by single-process deployments.
type MemoryDeduplicator struct {
	pending *cache.Cache
}

func NewMemoryDeduplicator(ttl time.Duration) *MemoryDeduplicator {
	return &MemoryDeduplicator{
		pending: cache.New(ttl, ttl),
	}
}

func (d *MemoryDeduplicator) Claim(_ *scalecontext.Context, key string) (bool, error) {
	return d.pending.Add(key, struct{}{}, cache.DefaultExpiration) == nil, nil
}

func (d *MemoryDeduplicator) Release(_ *scalecontext.Context, keys ...string) error {
	for _, key := range keys {
		d.pending.Delete(key)
	}
	return nil
}
