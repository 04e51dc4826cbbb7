package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/SlpAus/provote-backend/api"
	"github.com/SlpAus/provote-backend/internal/fraud"
	"github.com/SlpAus/provote-backend/internal/platform/config"
	"github.com/SlpAus/provote-backend/internal/platform/database"
	"github.com/SlpAus/provote-backend/internal/platform/events"
	"github.com/SlpAus/provote-backend/internal/platform/health"
	"github.com/SlpAus/provote-backend/internal/platform/shutdown"
	"github.com/SlpAus/provote-backend/internal/platform/startup"
	"github.com/SlpAus/provote-backend/pkg/lifecycle"
	"github.com/joho/godotenv"
)

func main() {
	// .env缺失不是错误，生产环境通过真实环境变量注入
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("配置加载失败: %v", err))
	}

	database.InitDB(cfg.Database)
	database.InitRedis(cfg.Database.Redis)

	// 阻塞式获取初始Run ID，Redis不可用时直接拒绝启动
	health.InitializeRunID()

	bus := events.NewRedisBus(database.RDB)
	if err := startup.InitializeApplication(cfg, bus); err != nil {
		panic(fmt.Sprintf("应用初始化失败，无法启动: %v", err))
	}

	// 后台服务：深度分析工作者、模式分析调度器、Redis健康检查器
	manager := lifecycle.NewManager()
	if err := fraud.ActivateServices(manager, cfg); err != nil {
		panic(fmt.Sprintf("后台服务启动失败: %v", err))
	}
	healthHandle, err := manager.NewServiceHandle("redis-health-checker")
	if err != nil {
		panic(fmt.Sprintf("后台服务启动失败: %v", err))
	}
	health.StartRedisHealthCheck(healthHandle)

	router := api.NewRouter(cfg)
	server := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}

	go func() {
		fmt.Printf("服务器已准备就绪，开始监听 %s\n", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			panic("服务器启动失败: " + err.Error())
		}
	}()

	coordinator := shutdown.NewCoordinator(manager)
	coordinator.ListenForSignalsAndShutdown(server)
}
