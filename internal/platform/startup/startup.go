package startup

import (
	"fmt"

	"github.com/SlpAus/provote-backend/internal/fraud"
	"github.com/SlpAus/provote-backend/internal/platform/config"
	"github.com/SlpAus/provote-backend/internal/platform/events"
	"github.com/SlpAus/provote-backend/internal/poll"
	"github.com/SlpAus/provote-backend/internal/vote"
)

// InitializeApplication 是应用首次启动时执行的总入口。
// 先完成所有表迁移，再按依赖顺序装配各模块。
func InitializeApplication(cfg *config.Config, bus events.Bus) error {
	fmt.Println("开始应用首次初始化...")

	if err := poll.PrimeDB(); err != nil {
		return err
	}
	if err := vote.PrimeDB(); err != nil {
		return err
	}
	if err := fraud.PrimeDB(); err != nil {
		return err
	}

	// fraud先装配，vote的编排器依赖其检测引擎
	fraud.InitializeModule(cfg, bus)
	vote.InitializeModule(cfg, bus)

	fmt.Println("应用初始化完成！")
	return nil
}

// HandleRedisRecovery 在Redis从不健康状态恢复时执行恢复后操作。
// 指纹活动缓存和幂等结果缓存都是派生数据：权威事实在数据库里，
// 缓存随后续请求按需重建，这里只需要记录恢复事件本身。
func HandleRedisRecovery() {
	fmt.Println("检测到Redis已恢复，活动缓存与幂等缓存将随请求按需重建。")
}
