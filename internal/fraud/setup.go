package fraud

import (
	"fmt"

	"github.com/SlpAus/provote-backend/internal/platform/config"
	"github.com/SlpAus/provote-backend/internal/platform/database"
	"github.com/SlpAus/provote-backend/internal/platform/events"
	"github.com/SlpAus/provote-backend/pkg/lifecycle"
)

// 模块级单例，由InitializeModule装配，handler和vote模块通过访问器使用
var (
	moduleRegistry *Registry
	moduleEngine   *Engine
	moduleAnalyzer *Analyzer
	moduleWorker   *Worker
)

// PrimeDB 负责初始化fraud模块的数据库表
func PrimeDB() error {
	if err := database.DB.AutoMigrate(&FingerprintBlock{}, &FraudAlert{}); err != nil {
		return fmt.Errorf("无法迁移fraud表: %w", err)
	}
	fmt.Println("Fraud数据库表迁移成功。")
	return nil
}

// InitializeModule 装配fraud模块的全部组件。
// 必须在数据库和Redis初始化之后、路由注册之前调用。
func InitializeModule(cfg *config.Config, bus events.Bus) {
	cache := NewRedisActivityCache(database.RDB, cfg.Fraud.ActivityCacheTTL)
	moduleRegistry = NewRegistry(database.DB)
	moduleEngine = NewEngine(database.DB, cache, moduleRegistry, cfg.Fraud)
	moduleAnalyzer = NewAnalyzer(database.DB, cfg.Analyzer, bus)
	moduleWorker = NewWorker(database.DB, cache, cfg.Fraud, cfg.Analyzer)
}

// ActivateServices 启动fraud模块的后台服务：深度分析工作者和模式分析调度器。
func ActivateServices(manager *lifecycle.Manager, cfg *config.Config) error {
	workerHandle, err := manager.NewServiceHandle("deep-analysis-worker")
	if err != nil {
		return err
	}
	moduleWorker.Start(workerHandle)

	schedulerHandle, err := manager.NewServiceHandle("pattern-analysis-scheduler")
	if err != nil {
		return err
	}
	StartScheduler(moduleAnalyzer, cfg.Analyzer.Interval, schedulerHandle)

	return nil
}

// ModuleEngine 返回装配好的实时检测引擎，供vote模块在投票路径上调用
func ModuleEngine() *Engine {
	return moduleEngine
}

// ModuleWorker 返回深度分析工作者，供vote模块在投票落库后排队请求
func ModuleWorker() *Worker {
	return moduleWorker
}
