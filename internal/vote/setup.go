package vote

import (
	"fmt"

	"github.com/SlpAus/provote-backend/internal/fraud"
	"github.com/SlpAus/provote-backend/internal/platform/config"
	"github.com/SlpAus/provote-backend/internal/platform/database"
	"github.com/SlpAus/provote-backend/internal/platform/events"
)

// 模块级单例，由InitializeModule装配
var moduleService *Service

// PrimeDB 负责初始化vote模块的数据库表。
// (user_id, poll_id)的局部唯一索引GORM标签表达不了，用原生SQL补建：
// 匿名选票user_id为NULL不受约束，注册用户同一投票只能有一行。
func PrimeDB() error {
	if err := database.DB.AutoMigrate(&VoteRecord{}, &VoteAttempt{}); err != nil {
		return fmt.Errorf("无法迁移vote表: %w", err)
	}

	err := database.DB.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_vote_user_poll ON vote_records(user_id, poll_id) WHERE user_id IS NOT NULL`,
	).Error
	if err != nil {
		return fmt.Errorf("无法创建用户投票唯一索引: %w", err)
	}

	fmt.Println("Vote数据库表迁移成功。")
	return nil
}

// InitializeModule 装配投票编排器。
// 必须在fraud.InitializeModule之后调用，以便拿到装配好的检测引擎。
func InitializeModule(cfg *config.Config, bus events.Bus) {
	cache := &RedisResultCache{RDB: database.RDB}
	idem := NewIdempotencyStore(cache, database.DB, cfg.Fraud.IdempotencyTTL)
	moduleService = NewService(database.DB, idem, fraud.ModuleEngine(), fraud.ModuleWorker(), bus)
}
