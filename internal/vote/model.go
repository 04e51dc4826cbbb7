package vote

import (
	"strings"
	"time"
)

// VoteRecord 定义了一张被接受的选票的持久化模型。
// 创建后除 IsValid/FraudReasons/RiskScore（由模式分析回溯标记）外不再修改。
type VoteRecord struct {
	ID uint `gorm:"primarykey" json:"id"`

	PollID   uint `gorm:"index:idx_vote_poll_created,priority:1;index:idx_vote_poll_fp,priority:1" json:"poll_id"`
	OptionID uint `gorm:"index" json:"option_id"`

	// UserID 匿名投票时为空
	UserID *uint `gorm:"index" json:"user_id"`

	// VoterToken 是按身份稳定的哈希，用于关联同一用户或同一匿名设备的选票
	VoterToken string `gorm:"type:varchar(64);index:idx_vote_poll_token,priority:2" json:"voter_token"`

	// Fingerprint 浏览器/设备指纹哈希，匿名投票必填
	Fingerprint string `gorm:"type:varchar(128);index:idx_vote_poll_fp,priority:2;index:idx_vote_fp_created,priority:1" json:"fingerprint"`

	IPAddress string `gorm:"type:varchar(45);index:idx_vote_ip_created,priority:1" json:"ip_address"`
	UserAgent string `gorm:"type:text" json:"user_agent"`

	// IdempotencyKey 全局唯一，是防止重复提交的最终依据
	IdempotencyKey string `gorm:"type:varchar(64);uniqueIndex" json:"idempotency_key"`

	// IsValid 被欺诈检测标记后置为false，选票仍保留以供取证
	IsValid bool `gorm:"default:true;index:idx_vote_valid_poll,priority:1" json:"is_valid"`

	// FraudReasons 逗号分隔的标记原因列表
	FraudReasons string `gorm:"type:text" json:"fraud_reasons"`

	// RiskScore 0-100，低于拦截阈值的选票带分入库、照常计票
	RiskScore int `gorm:"default:0" json:"risk_score"`

	CreatedAt time.Time `gorm:"index:idx_vote_poll_created,priority:2;index:idx_vote_fp_created,priority:2;index:idx_vote_ip_created,priority:2" json:"created_at"`
}

// VoteAttempt 定义了投票尝试的审计记录，无论成败每次尝试都会留痕。
// 只追加，绝不修改或删除。
type VoteAttempt struct {
	ID uint `gorm:"primarykey" json:"id"`

	PollID   uint  `gorm:"index:idx_attempt_poll_created,priority:1" json:"poll_id"`
	OptionID *uint `json:"option_id"`
	UserID   *uint `gorm:"index" json:"user_id"`

	VoterToken     string `gorm:"type:varchar(64);index" json:"voter_token"`
	IdempotencyKey string `gorm:"type:varchar(64);index" json:"idempotency_key"`
	Fingerprint    string `gorm:"type:varchar(128);index" json:"fingerprint"`
	IPAddress      string `gorm:"type:varchar(45)" json:"ip_address"`
	UserAgent      string `gorm:"type:text" json:"user_agent"`

	// RequestID 来自请求中间件，用于链路追踪
	RequestID string `gorm:"type:varchar(36)" json:"request_id"`

	Success      bool   `gorm:"index:idx_attempt_success_created,priority:1" json:"success"`
	ErrorMessage string `gorm:"type:text" json:"error_message"`

	CreatedAt time.Time `gorm:"index:idx_attempt_poll_created,priority:2;index:idx_attempt_success_created,priority:2" json:"created_at"`
}

// SplitReasons 解析逗号分隔的原因文本，忽略空项。
func SplitReasons(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinReasons 把原因列表序列化为存储用的逗号分隔文本。
func JoinReasons(reasons []string) string {
	return strings.Join(reasons, ",")
}

// MergeReasons 向已有原因追加新原因并去重，保持首次出现的顺序。
// 实时评估和指纹更换检查的原因合并入库时依赖它避免重复标记。
func MergeReasons(existing string, add []string) string {
	merged := SplitReasons(existing)
	seen := make(map[string]bool, len(merged)+len(add))
	for _, r := range merged {
		seen[r] = true
	}
	for _, r := range add {
		if r != "" && !seen[r] {
			merged = append(merged, r)
			seen[r] = true
		}
	}
	return JoinReasons(merged)
}
