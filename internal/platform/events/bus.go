package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SlpAus/provote-backend/internal/platform/database"
	"github.com/redis/go-redis/v9"
)

// 对外事件的Redis频道。下游的实时结果广播层和通知分发器各自订阅。
const (
	// ResultsChannel 在投票成功写入后发布 {poll_id}
	ResultsChannel = "provote:events:results"
	// VoteFlaggedChannel 在投票被标记为无效时发布 {vote_id, user_id, reasons}
	VoteFlaggedChannel = "provote:events:vote_flagged"
)

const publishTimeout = 2 * time.Second

// ResultsChangedEvent 通知实时结果系统某个投票的计票发生了变化。
type ResultsChangedEvent struct {
	PollID uint `json:"poll_id"`
}

// VoteFlaggedEvent 通知外部通知系统某张选票被标记。
type VoteFlaggedEvent struct {
	VoteID  uint     `json:"vote_id"`
	UserID  *uint    `json:"user_id"`
	Reasons []string `json:"reasons"`
}

// Bus 是对外事件的发布抽象。
// 生产实现走Redis PUBLISH；测试可以替换为记录型的假实现。
type Bus interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// redisBus 通过全局Redis客户端发布事件。
type redisBus struct {
	rdb *redis.Client
}

// NewRedisBus 创建基于Redis的事件总线。
func NewRedisBus(rdb *redis.Client) Bus {
	return &redisBus{rdb: rdb}
}

func (b *redisBus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("无法序列化事件: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("发布事件到 %s 失败: %w", channel, err)
	}
	return nil
}

// PublishAsync 在独立的Goroutine中发布事件，失败只记录，绝不阻塞调用方。
// 投票成功后的结果广播和标记通知都必须是fire-and-forget。
func PublishAsync(bus Bus, channel string, payload interface{}) {
	if bus == nil {
		return
	}
	go func() {
		if !database.IsRedisHealthy() {
			fmt.Printf("警告: Redis不健康，事件 %s 被丢弃。\n", channel)
			return
		}
		if err := bus.Publish(context.Background(), channel, payload); err != nil {
			fmt.Printf("警告: 事件发布失败: %v\n", err)
		}
	}()
}
