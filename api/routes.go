package api

import (
	"github.com/SlpAus/provote-backend/internal/fraud"
	"github.com/SlpAus/provote-backend/internal/vote"
	"github.com/gin-gonic/gin"
)

// SetupRoutes 注册项目的所有API路由
func SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		// 投票相关的路由 /api/votes
		voteRoutes := api.Group("/votes", vote.IdentityMiddleware())
		{
			voteRoutes.POST("/cast", vote.CastVote)
			voteRoutes.GET("/mine", vote.GetMyVotes)
			voteRoutes.DELETE("/:id", vote.RetractVote)
		}

		// 模式分析相关的路由 /api/analysis
		analysisRoutes := api.Group("/analysis")
		{
			analysisRoutes.POST("/run", fraud.RunAnalysis)
			analysisRoutes.GET("/alerts", fraud.ListAlerts)
		}

		// 管理端指纹封禁路由 /api/admin/fingerprints
		// 管理员鉴权由上游网关完成
		adminRoutes := api.Group("/admin/fingerprints")
		{
			adminRoutes.GET("", fraud.ListBlockedFingerprints)
			adminRoutes.POST("/block", fraud.BlockFingerprint)
			adminRoutes.POST("/unblock", fraud.UnblockFingerprint)
			adminRoutes.POST("/check", fraud.CheckFingerprint)
		}
	}
}
