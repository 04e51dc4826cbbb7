package api

import (
	"net/http"
	"time"

	"github.com/SlpAus/provote-backend/internal/platform/config"
	"github.com/SlpAus/provote-backend/internal/platform/database"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter 创建并配置Gin引擎：运行模式、CORS和健康检查端点。
func NewRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.Cors.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Fingerprint", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Redis故障时服务降级运行但仍可投票，这里只报告降级状态不改变状态码
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"redis":  database.IsRedisHealthy(),
		})
	})

	SetupRoutes(router)
	return router
}
