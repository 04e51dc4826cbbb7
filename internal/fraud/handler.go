package fraud

import (
	"net/http"
	"strconv"
	"time"

	"github.com/SlpAus/provote-backend/internal/platform/database"
	"github.com/SlpAus/provote-backend/pkg/token"
	"github.com/gin-gonic/gin"
)

// BlockRequestBody 是管理端封禁指纹的请求体
type BlockRequestBody struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
}

// UnblockRequestBody 是管理端解封指纹的请求体
type UnblockRequestBody struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
}

// AnalysisRequestBody 是手动触发模式分析的请求体，两个字段都可省略
type AnalysisRequestBody struct {
	PollID      *uint `json:"poll_id"`
	WindowHours int   `json:"window_hours"`
}

// adminUserID 从上游网关注入的头中读取操作者ID，用于审计字段
func adminUserID(c *gin.Context) *uint {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil
	}
	uid := uint(id)
	return &uid
}

// BlockFingerprint 处理管理端的手动封禁请求
func BlockFingerprint(c *gin.Context) {
	var body BlockRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}
	if ok, msg := token.ValidateFingerprintFormat(body.Fingerprint); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "指纹格式无效: " + msg})
		return
	}

	if _, err := moduleRegistry.Block(body.Fingerprint, body.Reason, nil, 0, 0, adminUserID(c)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "封禁指纹失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fingerprint": body.Fingerprint, "blocked": true})
}

// UnblockFingerprint 处理管理端的解封请求
func UnblockFingerprint(c *gin.Context) {
	var body UnblockRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}

	unblocked, err := moduleRegistry.Unblock(body.Fingerprint, adminUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "解封指纹失败"})
		return
	}
	if !unblocked {
		c.JSON(http.StatusNotFound, gin.H{"error": "该指纹没有处于生效中的封禁"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fingerprint": body.Fingerprint, "blocked": false})
}

// CheckRequestBody 是管理端抽查指纹+IP组合的请求体
type CheckRequestBody struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
	IPAddress   string `json:"ip_address" binding:"required"`
	PollID      uint   `json:"poll_id" binding:"required"`
}

// CheckFingerprint 供管理端在处理举报时抽查某个指纹+IP组合，
// 复用实时引擎的多IP判定但不产生任何副作用。
func CheckFingerprint(c *gin.Context) {
	var body CheckRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}

	verdict, err := moduleEngine.CheckIPCombination(body.Fingerprint, body.IPAddress, body.PollID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检查执行失败"})
		return
	}
	c.JSON(http.StatusOK, verdict)
}

// ListBlockedFingerprints 返回所有生效中的封禁记录
func ListBlockedFingerprints(c *gin.Context) {
	blocks, err := moduleRegistry.ListActive()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取封禁列表失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(blocks), "blocks": blocks})
}

// RunAnalysis 手动触发一次模式分析并同步返回结果
func RunAnalysis(c *gin.Context) {
	var body AnalysisRequestBody
	// 请求体可以为空，此时分析所有开放的投票
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
			return
		}
	}

	result, err := moduleAnalyzer.Analyze(body.PollID, body.WindowHours)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "模式分析执行失败"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListAlerts 返回最近窗口内的欺诈告警，可按投票过滤
func ListAlerts(c *gin.Context) {
	query := database.DB.Model(&FraudAlert{}).Order("created_at DESC").Limit(200)

	if raw := c.Query("poll_id"); raw != "" {
		pollID, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "poll_id参数无效"})
			return
		}
		query = query.Where("poll_id = ?", uint(pollID))
	}
	if raw := c.Query("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours参数无效"})
			return
		}
		query = query.Where("created_at >= ?", time.Now().Add(-time.Duration(hours)*time.Hour))
	}

	var alerts []FraudAlert
	if err := query.Find(&alerts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取告警失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "alerts": alerts})
}
