package vote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SlpAus/provote-backend/pkg/token"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	cacheOpTimeout       = 2 * time.Second
)

// ErrCacheMiss 表示缓存中没有对应条目。
var ErrCacheMiss = errors.New("cache miss")

// CastResult 是幂等缓存中暂存的投票结果。
type CastResult struct {
	VoteID   uint `json:"vote_id"`
	PollID   uint `json:"poll_id"`
	OptionID uint `json:"option_id"`
}

// ResultCache 是幂等结果的短TTL缓存抽象。
// 生产实现走Redis，测试可替换为内存假实现。
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisResultCache 是ResultCache的Redis实现。
type RedisResultCache struct {
	RDB *redis.Client
}

func (c *RedisResultCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	data, err := c.RDB.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return data, nil
}

func (c *RedisResultCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	return c.RDB.Set(ctx, key, value, ttl).Err()
}

// IdempotencyStore 组合了幂等键的派生、校验、缓存快路径和数据库慢路径。
// 缓存只是加速；最终判定永远以VoteRecord的唯一键为准。
type IdempotencyStore struct {
	cache ResultCache
	db    *gorm.DB
	ttl   time.Duration
}

// NewIdempotencyStore 创建幂等存储。ttl为零时使用1小时默认值。
func NewIdempotencyStore(cache ResultCache, db *gorm.DB, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &IdempotencyStore{cache: cache, db: db, ttl: ttl}
}

// DeriveKey 为(投票者, 投票, 选项)三元组派生确定性幂等键。
func (s *IdempotencyStore) DeriveKey(voterToken string, pollID, optionID uint) string {
	return token.DeriveIdempotencyKey(voterToken, pollID, optionID)
}

// Check 查询缓存快路径。格式非法的键按"不是重复"处理；
// 缓存故障同样按未命中降级，不阻断投票主流程。
func (s *IdempotencyStore) Check(ctx context.Context, key string) (bool, *CastResult) {
	if !token.ValidateHexKey(key) {
		return false, nil
	}

	data, err := s.cache.Get(ctx, idempotencyKeyPrefix+key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			fmt.Printf("警告: 幂等缓存读取失败，降级为数据库检查: %v\n", err)
		}
		return false, nil
	}

	var result CastResult
	if err := json.Unmarshal(data, &result); err != nil {
		return false, nil
	}
	return true, &result
}

// Store 把投票结果写入缓存供后续幂等重放。写入失败只记录。
func (s *IdempotencyStore) Store(ctx context.Context, key string, result *CastResult) {
	if !token.ValidateHexKey(key) {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, idempotencyKeyPrefix+key, data, s.ttl); err != nil {
		fmt.Printf("警告: 幂等结果缓存写入失败: %v\n", err)
	}
}

// CheckDurable 直查VoteRecord表，这是幂等判定的最终事实来源。
// 数据库故障必须向上传播，绝不能因查询失败而放行重复票。
func (s *IdempotencyStore) CheckDurable(key string) (*VoteRecord, error) {
	if !token.ValidateHexKey(key) {
		return nil, nil
	}

	var record VoteRecord
	err := s.db.Where("idempotency_key = ?", key).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("幂等键数据库检查失败: %w", err)
	}
	return &record, nil
}
