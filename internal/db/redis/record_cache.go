package redisdb

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"vaultscan/internal/domain/vault"
	applog "vaultscan/internal/platform/log"
)

const defaultRecordTTL = 30 * time.Second

// RecordCache 金库记录 Redis 缓存，减少对计费 RPC 节点的重复点查
type RecordCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRecordCache 创建金库缓存，ttl <= 0 时使用 30s
func NewRecordCache(rdb *redis.Client, ttl time.Duration) *RecordCache {
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}
	return &RecordCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "vault:cdp:",
	}
}

// Open 解析 REDIS_URL 并校验连通性
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// Get 读取缓存的金库，未命中或解码失败返回 false
func (c *RecordCache) Get(ctx context.Context, id int64) (*vault.Cdp, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := c.key(id)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var cdp vault.Cdp
	if err := json.Unmarshal(data, &cdp); err != nil {
		applog.Warn("[Vault/Cache] Failed to unmarshal cached vault", "key", key, "error", err)
		return nil, false
	}

	applog.Debug("[Vault/Cache] Hit", "key", key)
	return &cdp, true
}

// Set 写入金库缓存，失败只记录日志
func (c *RecordCache) Set(ctx context.Context, cdp *vault.Cdp) {
	if c.redis == nil || cdp == nil {
		return
	}
	key := c.key(cdp.ID)
	data, err := json.Marshal(cdp)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		applog.Warn("[Vault/Cache] Failed to set cache", "key", key, "error", err)
	}
}

// InvalidateAll 清除全部金库缓存
func (c *RecordCache) InvalidateAll(ctx context.Context) int {
	if c.redis == nil {
		return 0
	}
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
		applog.Info("[Vault/Cache] All cache invalidated", "keys_deleted", len(keys))
	}
	return len(keys)
}

func (c *RecordCache) key(id int64) string {
	return c.prefix + strconv.FormatInt(id, 10)
}
