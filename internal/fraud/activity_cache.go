package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SlpAus/provote-backend/internal/platform/database"
	"github.com/redis/go-redis/v9"
)

const (
	// activityKeyPrefix 是指纹活动缓存在Redis中的键名前缀
	activityKeyPrefix = "fp:activity:"

	activityOpTimeout = 2 * time.Second
)

// ActivitySnapshot 是某个(指纹, 投票)组合的活动快照。
// 这个结构是刻意有损的：缓存丢失时权威事实始终可以从vote_records重建。
type ActivitySnapshot struct {
	Count     int64
	UserCount int64
	IPCount   int64
}

// ActivityCache 是指纹活动计数的易失缓存抽象。
// 生产实现走Redis，测试可替换为内存假实现；
// 任何硬性拦截决定都必须再经持久层核实，缓存只提供快速信号。
type ActivityCache interface {
	// Record 原子地记录一次该指纹的投票活动并刷新TTL
	Record(ctx context.Context, fingerprint string, pollID uint, userID *uint, ip string) error
	// Read 返回活动快照，未命中时返回nil
	Read(ctx context.Context, fingerprint string, pollID uint) (*ActivitySnapshot, error)
	// Refresh 用持久层重建的统计整体覆盖快照并刷新TTL，供离线分析回写历史视图
	Refresh(ctx context.Context, fingerprint string, pollID uint, count int64, userIDs []uint, ips []string) error
}

// ActivityCacheKey 返回某个(指纹, 投票)组合的缓存键，格式保持可人工巡检。
func ActivityCacheKey(fingerprint string, pollID uint) string {
	return fmt.Sprintf("%s%s:%d", activityKeyPrefix, fingerprint, pollID)
}

// RedisActivityCache 是ActivityCache的Redis实现。
// 每个组合使用三个键：计数器、用户集合、IP集合。
type RedisActivityCache struct {
	RDB *redis.Client
	TTL time.Duration
}

// NewRedisActivityCache 创建Redis实现。ttl为零时使用1小时默认值。
func NewRedisActivityCache(rdb *redis.Client, ttl time.Duration) *RedisActivityCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisActivityCache{RDB: rdb, TTL: ttl}
}

// Record 通过Redis事务管道原子地合并一次活动：
// INCR计数、SADD用户与IP集合、统一刷新过期时间。
// 全部命令在服务端串行执行，并发投票共享同一指纹时不会丢失更新。
func (c *RedisActivityCache) Record(ctx context.Context, fingerprint string, pollID uint, userID *uint, ip string) error {
	if fingerprint == "" {
		return nil
	}
	if !database.IsRedisHealthy() {
		// 缓存是尽力而为的快路径，Redis不可用时静默降级
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, activityOpTimeout)
	defer cancel()

	base := ActivityCacheKey(fingerprint, pollID)
	countKey := base + ":count"
	usersKey := base + ":users"
	ipsKey := base + ":ips"

	pipe := c.RDB.TxPipeline()
	pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, c.TTL)
	if userID != nil {
		pipe.SAdd(ctx, usersKey, fmt.Sprintf("%d", *userID))
		pipe.Expire(ctx, usersKey, c.TTL)
	}
	if ip != "" {
		pipe.SAdd(ctx, ipsKey, ip)
		pipe.Expire(ctx, ipsKey, c.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("记录指纹活动失败: %w", err)
	}
	return nil
}

// Read 读取活动快照。计数键不存在视为未命中。
func (c *RedisActivityCache) Read(ctx context.Context, fingerprint string, pollID uint) (*ActivitySnapshot, error) {
	if fingerprint == "" || !database.IsRedisHealthy() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, activityOpTimeout)
	defer cancel()

	base := ActivityCacheKey(fingerprint, pollID)

	pipe := c.RDB.Pipeline()
	countCmd := pipe.Get(ctx, base+":count")
	usersCmd := pipe.SCard(ctx, base+":users")
	ipsCmd := pipe.SCard(ctx, base+":ips")

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("读取指纹活动失败: %w", err)
	}

	count, err := countCmd.Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("解析指纹活动计数失败: %w", err)
	}

	return &ActivitySnapshot{
		Count:     count,
		UserCount: usersCmd.Val(),
		IPCount:   ipsCmd.Val(),
	}, nil
}

// Refresh 用持久层统计覆盖三个键。先删后写保证集合成员与持久层一致，
// 整体在事务管道内应用，不会被并发的Record撕裂。
func (c *RedisActivityCache) Refresh(ctx context.Context, fingerprint string, pollID uint, count int64, userIDs []uint, ips []string) error {
	if fingerprint == "" || !database.IsRedisHealthy() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, activityOpTimeout)
	defer cancel()

	base := ActivityCacheKey(fingerprint, pollID)
	countKey := base + ":count"
	usersKey := base + ":users"
	ipsKey := base + ":ips"

	pipe := c.RDB.TxPipeline()
	pipe.Set(ctx, countKey, count, c.TTL)
	pipe.Del(ctx, usersKey, ipsKey)
	if len(userIDs) > 0 {
		members := make([]interface{}, 0, len(userIDs))
		for _, uid := range userIDs {
			members = append(members, fmt.Sprintf("%d", uid))
		}
		pipe.SAdd(ctx, usersKey, members...)
		pipe.Expire(ctx, usersKey, c.TTL)
	}
	if len(ips) > 0 {
		members := make([]interface{}, 0, len(ips))
		for _, ip := range ips {
			members = append(members, ip)
		}
		pipe.SAdd(ctx, ipsKey, members...)
		pipe.Expire(ctx, ipsKey, c.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("回写指纹活动失败: %w", err)
	}
	return nil
}
