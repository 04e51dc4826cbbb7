package vote

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// CastRequestBody 是提交投票的请求体
type CastRequestBody struct {
	PollID   uint `json:"poll_id" binding:"required"`
	OptionID uint `json:"option_id" binding:"required"`
	// IdempotencyKey 可选，省略时由服务端按身份派生
	IdempotencyKey string `json:"idempotency_key"`
}

// statusForCode 把业务错误码映射为HTTP状态码
func statusForCode(code string) int {
	switch code {
	case CodePollNotFound:
		return http.StatusNotFound
	case CodeInvalidPoll, CodeInvalidVote:
		return http.StatusBadRequest
	case CodePollClosed, CodeDuplicateVote:
		return http.StatusConflict
	case CodeFraudDetected:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// CastVote 处理投票提交。新选票返回201，幂等重放返回200。
func CastVote(c *gin.Context) {
	var body CastRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error(), "code": CodeInvalidVote})
		return
	}

	identity := IdentityFromContext(c)
	record, isNew, err := moduleService.CastWithKey(c.Request.Context(), identity, body.PollID, body.OptionID, body.IdempotencyKey)
	if err != nil {
		if verr, ok := AsVoteError(err); ok {
			c.JSON(statusForCode(verr.Code), gin.H{"error": verr.Message, "code": verr.Code})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "内部错误", "code": CodeInternalError})
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"vote":     record,
		"is_new":   isNew,
		"replayed": !isNew,
	})
}

// GetMyVotes 返回当前身份的投票历史，可用poll_id过滤
func GetMyVotes(c *gin.Context) {
	var pollID *uint
	if raw := c.Query("poll_id"); raw != "" {
		id64, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "poll_id参数无效"})
			return
		}
		id := uint(id64)
		pollID = &id
	}

	records, err := moduleService.ListByVoter(IdentityFromContext(c), pollID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询选票失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "votes": records})
}

// RetractVote 处理选票撤回
func RetractVote(c *gin.Context) {
	id64, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "选票ID无效"})
		return
	}

	if err := moduleService.Retract(c.Request.Context(), IdentityFromContext(c), uint(id64)); err != nil {
		if verr, ok := AsVoteError(err); ok {
			c.JSON(statusForCode(verr.Code), gin.H{"error": verr.Message, "code": verr.Code})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "内部错误", "code": CodeInternalError})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retracted": true})
}
