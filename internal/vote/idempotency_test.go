package vote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeResultCache 是ResultCache的内存假实现，可注入故障。
type fakeResultCache struct {
	data    map[string][]byte
	failGet bool
	failSet bool
}

func newFakeResultCache() *fakeResultCache {
	return &fakeResultCache{data: make(map[string][]byte)}
}

func (c *fakeResultCache) Get(_ context.Context, key string) ([]byte, error) {
	if c.failGet {
		return nil, errors.New("cache unavailable")
	}
	data, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return data, nil
}

func (c *fakeResultCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if c.failSet {
		return errors.New("cache unavailable")
	}
	c.data[key] = value
	return nil
}

func TestIdempotencyStoreCheck(t *testing.T) {
	ctx := context.Background()
	validKey := strings.Repeat("a", 64)

	t.Run("未命中", func(t *testing.T) {
		store := NewIdempotencyStore(newFakeResultCache(), nil, time.Hour)
		hit, result := store.Check(ctx, validKey)
		if hit || result != nil {
			t.Error("空缓存不应命中")
		}
	})

	t.Run("写入后命中并重放", func(t *testing.T) {
		store := NewIdempotencyStore(newFakeResultCache(), nil, time.Hour)
		store.Store(ctx, validKey, &CastResult{VoteID: 11, PollID: 1, OptionID: 2})

		hit, result := store.Check(ctx, validKey)
		if !hit {
			t.Fatal("写入后应该命中")
		}
		if result.VoteID != 11 || result.PollID != 1 || result.OptionID != 2 {
			t.Errorf("重放结果不匹配: %+v", result)
		}
	})

	t.Run("格式非法的键按未命中处理", func(t *testing.T) {
		store := NewIdempotencyStore(newFakeResultCache(), nil, time.Hour)
		if hit, _ := store.Check(ctx, "short-key"); hit {
			t.Error("非法键不应命中")
		}
	})

	t.Run("缓存故障降级为未命中", func(t *testing.T) {
		cache := newFakeResultCache()
		cache.failGet = true
		store := NewIdempotencyStore(cache, nil, time.Hour)
		if hit, _ := store.Check(ctx, validKey); hit {
			t.Error("缓存故障时必须降级为未命中，不能阻断投票")
		}
	})

	t.Run("损坏的缓存数据按未命中处理", func(t *testing.T) {
		cache := newFakeResultCache()
		cache.data[idempotencyKeyPrefix+validKey] = []byte("not-json")
		store := NewIdempotencyStore(cache, nil, time.Hour)
		if hit, _ := store.Check(ctx, validKey); hit {
			t.Error("无法解析的缓存内容不应命中")
		}
	})
}

func TestIdempotencyStoreStore(t *testing.T) {
	ctx := context.Background()
	validKey := strings.Repeat("b", 64)

	t.Run("写入带前缀的键", func(t *testing.T) {
		cache := newFakeResultCache()
		store := NewIdempotencyStore(cache, nil, time.Hour)
		store.Store(ctx, validKey, &CastResult{VoteID: 5, PollID: 1, OptionID: 2})

		data, ok := cache.data[idempotencyKeyPrefix+validKey]
		if !ok {
			t.Fatal("缓存中找不到带前缀的键")
		}
		var result CastResult
		if err := json.Unmarshal(data, &result); err != nil {
			t.Fatalf("缓存内容不是合法JSON: %v", err)
		}
	})

	t.Run("非法键静默忽略", func(t *testing.T) {
		cache := newFakeResultCache()
		store := NewIdempotencyStore(cache, nil, time.Hour)
		store.Store(ctx, "bad", &CastResult{VoteID: 5})
		if len(cache.data) != 0 {
			t.Error("非法键不应写入缓存")
		}
	})

	t.Run("写入故障不影响调用方", func(t *testing.T) {
		cache := newFakeResultCache()
		cache.failSet = true
		store := NewIdempotencyStore(cache, nil, time.Hour)
		// 不应panic或返回错误
		store.Store(ctx, validKey, &CastResult{VoteID: 5})
	})
}
