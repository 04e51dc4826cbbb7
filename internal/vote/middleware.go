package vote

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// IdentityKey 是Identity在Gin上下文中的键名
	IdentityKey = "voteIdentity"

	// RequestIDHeader 回写给调用方的追踪头
	RequestIDHeader = "X-Request-ID"
)

// IdentityMiddleware 在请求进入业务逻辑前解析身份信息：
// 客户端IP、UA、指纹、上游网关注入的用户ID，以及本次请求的追踪ID。
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		identity := &Identity{
			IPAddress:   ExtractClientIP(c.Request.Header, c.Request.RemoteAddr),
			UserAgent:   c.Request.UserAgent(),
			Fingerprint: ResolveFingerprint(c.Request.Header),
			RequestID:   requestID,
		}

		// 认证由上游网关完成，这里只信任其注入的X-User-ID
		if raw := c.GetHeader("X-User-ID"); raw != "" {
			if id64, err := strconv.ParseUint(raw, 10, 32); err == nil {
				uid := uint(id64)
				identity.UserID = &uid
			}
		}

		c.Set(IdentityKey, identity)
		c.Next()
	}
}

// IdentityFromContext 从Gin上下文中取出已解析的身份。
func IdentityFromContext(c *gin.Context) *Identity {
	if v, ok := c.Get(IdentityKey); ok {
		if id, ok := v.(*Identity); ok {
			return id
		}
	}
	return &Identity{}
}
