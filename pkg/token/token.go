package token

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HexKeyLength 是幂等键、投票者令牌和指纹的统一长度（SHA-256的hex形式）。
const HexKeyLength = 64

// DeriveIdempotencyKey 为一次投票操作生成确定性的幂等键。
// 相同的(投票者, 投票, 选项)三元组永远得到相同的键。
func DeriveIdempotencyKey(voterID string, pollID, optionID uint) string {
	data := fmt.Sprintf("%s:%d:%d", voterID, pollID, optionID)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// ValidateHexKey 校验一个键是否为64位十六进制字符串。
func ValidateHexKey(key string) bool {
	if len(key) != HexKeyLength {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// anonymousIdentity 是匿名投票者令牌的签名载荷。
// 序列化时键名按字典序排列，保证同一(ip, ua, fp)组合得到同一令牌。
type anonymousIdentity struct {
	FP string `json:"fp"`
	IP string `json:"ip"`
	UA string `json:"ua"`
}

// DeriveVoterToken 派生稳定的投票者令牌。
// 认证用户只依据用户ID（跨设备、跨会话稳定）；
// 匿名用户依据IP+UA+指纹的规范化序列化，相同组合刻意碰撞到同一令牌。
func DeriveVoterToken(userID *uint, ip, userAgent, fingerprint string) string {
	var data []byte
	if userID != nil {
		data = []byte(fmt.Sprintf("user:%d", *userID))
	} else {
		data, _ = json.Marshal(anonymousIdentity{FP: fingerprint, IP: ip, UA: userAgent})
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// headerFingerprint 是服务端指纹的签名载荷，对应浏览器的被动特征头。
type headerFingerprint struct {
	Accept         string `json:"accept"`
	AcceptEncoding string `json:"accept_encoding"`
	AcceptLanguage string `json:"accept_language"`
	Connection     string `json:"connection"`
	DNT            string `json:"dnt"`
	UserAgent      string `json:"user_agent"`
}

// DeriveHeaderFingerprint 根据请求头的被动特征计算服务端指纹。
// 当客户端未提供指纹时作为降级来源。
func DeriveHeaderFingerprint(userAgent, acceptLanguage, acceptEncoding, accept, connection, dnt string) string {
	data, _ := json.Marshal(headerFingerprint{
		Accept:         accept,
		AcceptEncoding: acceptEncoding,
		AcceptLanguage: acceptLanguage,
		Connection:     connection,
		DNT:            dnt,
		UserAgent:      userAgent,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateFingerprintFormat 校验指纹格式，返回是否合法和对外的错误描述。
func ValidateFingerprintFormat(fingerprint string) (bool, string) {
	if fingerprint == "" {
		return false, "fingerprint is required"
	}
	if len(fingerprint) != HexKeyLength {
		return false, fmt.Sprintf("fingerprint must be %d characters", HexKeyLength)
	}
	if _, err := hex.DecodeString(fingerprint); err != nil {
		return false, "fingerprint must be hexadecimal"
	}
	return true, ""
}

// RequireFingerprintForAnonymous 匿名投票必须携带合法指纹；认证用户可选。
func RequireFingerprintForAnonymous(userID *uint, fingerprint string) (bool, string) {
	if userID != nil {
		return true, ""
	}
	if fingerprint == "" {
		return false, "fingerprint is required for anonymous votes"
	}
	if ok, msg := ValidateFingerprintFormat(fingerprint); !ok {
		return false, "invalid fingerprint format: " + msg
	}
	return true, ""
}
