package vote

import (
	"net"
	"net/http"
	"strings"

	"github.com/SlpAus/provote-backend/pkg/token"
)

// Identity 汇总了一次投票请求的身份信息。
// 由中间件在进入业务逻辑前解析完成。
type Identity struct {
	// UserID 由上游网关认证后注入，匿名时为空
	UserID *uint

	IPAddress   string
	UserAgent   string
	Fingerprint string

	// VoterToken 按身份稳定的哈希
	VoterToken string

	// RequestID 本次请求的追踪ID
	RequestID string
}

// ExtractClientIP 按严格优先级解析客户端IP：
// X-Forwarded-For首项 → X-Real-IP → 直连地址。找不到时返回空串。
func ExtractClientIP(header http.Header, remoteAddr string) string {
	if xff := header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For 形如 "client, proxy1, proxy2"，取最前面的原始客户端
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if remoteAddr != "" {
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			return host
		}
		return remoteAddr
	}

	return ""
}

// ResolveFingerprint 优先使用客户端上报的合法指纹，
// 否则从请求头的被动特征派生一个服务端指纹。
func ResolveFingerprint(header http.Header) string {
	if fp := strings.TrimSpace(header.Get("X-Fingerprint")); fp != "" {
		if ok, _ := token.ValidateFingerprintFormat(fp); ok {
			return fp
		}
	}
	return token.DeriveHeaderFingerprint(
		header.Get("User-Agent"),
		header.Get("Accept-Language"),
		header.Get("Accept-Encoding"),
		header.Get("Accept"),
		header.Get("Connection"),
		header.Get("DNT"),
	)
}

// Token 返回该身份的稳定投票者令牌，懒计算并缓存。
func (id *Identity) Token() string {
	if id.VoterToken == "" {
		id.VoterToken = token.DeriveVoterToken(id.UserID, id.IPAddress, id.UserAgent, id.Fingerprint)
	}
	return id.VoterToken
}
