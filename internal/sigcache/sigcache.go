package sigcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vypdev/vaultstadio-sub008/internal/delta"
)

// Key identifies one signature. Content versions are immutable, so a key
// never needs invalidation.
type Key struct {
	ItemID         string
	ContentVersion int64
	BlockSize      int
}

func (k Key) String() string {
	return fmt.Sprintf("sync:sig:%s:%d:%d", k.ItemID, k.ContentVersion, k.BlockSize)
}

// Cache is best effort: a failed lookup is a miss and a failed store is
// dropped.
type Cache interface {
	Get(ctx context.Context, key Key) (*delta.Signature, bool)
	Put(ctx context.Context, key Key, sig *delta.Signature)
}

type Nop struct{}

func (Nop) Get(context.Context, Key) (*delta.Signature, bool) { return nil, false }

func (Nop) Put(context.Context, Key, *delta.Signature) {}

// client is the part of redis.Cmdable the cache needs.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type RedisCache struct {
	cmd client
	ttl time.Duration
	log *zap.Logger
}

func NewRedisCache(cmd redis.Cmdable, ttl time.Duration, log *zap.Logger) *RedisCache {
	return &RedisCache{cmd: cmd, ttl: ttl, log: log}
}

func (c *RedisCache) Get(ctx context.Context, key Key) (*delta.Signature, bool) {
	data, err := c.cmd.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("signature cache get failed", zap.String("key", key.String()), zap.Error(err))
		return nil, false
	}
	var sig delta.Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		c.log.Warn("signature cache entry corrupt", zap.String("key", key.String()), zap.Error(err))
		return nil, false
	}
	return &sig, true
}

func (c *RedisCache) Put(ctx context.Context, key Key, sig *delta.Signature) {
	data, err := json.Marshal(sig)
	if err != nil {
		return
	}
	if err := c.cmd.Set(ctx, key.String(), data, c.ttl).Err(); err != nil {
		c.log.Warn("signature cache put failed", zap.String("key", key.String()), zap.Error(err))
	}
}
