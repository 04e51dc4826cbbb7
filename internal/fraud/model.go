package fraud

import (
	"strings"
	"time"
)

// FingerprintBlock 定义了被永久封禁指纹的持久化模型。
// 每个指纹只会有一行记录：解封后再次封禁时复用同一行并重新盖章。
// 这是有损活动缓存之上的持久兜底，跨缓存过期和进程重启始终有效。
type FingerprintBlock struct {
	ID uint `gorm:"primarykey" json:"id"`

	// Fingerprint 被封禁的浏览器/设备指纹哈希
	Fingerprint string `gorm:"type:varchar(128);uniqueIndex;index:idx_block_fp_active,priority:1" json:"fingerprint"`

	// Reason 封禁原因，例如 "different users"
	Reason string `gorm:"type:text" json:"reason"`

	BlockedAt time.Time `gorm:"index:idx_block_active_at,priority:2" json:"blocked_at"`

	// IsActive 为false表示已被管理员解封
	IsActive bool `gorm:"default:true;index:idx_block_fp_active,priority:2;index:idx_block_active_at,priority:1" json:"is_active"`

	UnblockedAt *time.Time `json:"unblocked_at"`

	// BlockedBy 为空表示自动封禁，否则为操作管理员的用户ID
	BlockedBy   *uint `json:"blocked_by"`
	UnblockedBy *uint `json:"unblocked_by"`

	// FirstSeenUser 首个使用该指纹的用户
	FirstSeenUser *uint `json:"first_seen_user"`

	// TotalUsers / TotalVotes 封禁时刻观察到的快照
	TotalUsers int `gorm:"default:0" json:"total_users"`
	TotalVotes int `gorm:"default:0" json:"total_votes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FraudAlert 定义了模式分析产出的告警记录，只追加。
type FraudAlert struct {
	ID uint `gorm:"primarykey" json:"id"`

	PollID uint  `gorm:"index:idx_alert_poll_created,priority:1;index:idx_alert_poll_sig,priority:1" json:"poll_id"`
	VoteID *uint `json:"vote_id"`
	UserID *uint `gorm:"index" json:"user_id"`

	IPAddress string `gorm:"type:varchar(45);index" json:"ip_address"`

	// Signature 是模式的去重键（类型+主体），同窗口内同签名只告警一次
	Signature string `gorm:"type:varchar(192);index:idx_alert_poll_sig,priority:2" json:"signature"`

	// Reasons 逗号分隔的检测原因
	Reasons string `gorm:"type:text" json:"reasons"`

	RiskScore int `gorm:"index:idx_alert_risk_created,priority:1" json:"risk_score"`

	CreatedAt time.Time `gorm:"index:idx_alert_poll_created,priority:2;index:idx_alert_risk_created,priority:2" json:"created_at"`
}

// voteRow 是vote_records表在本模块中的只读/标记视图。
// 欺诈检测只关心身份与时间维度，不持有选票的完整生命周期。
type voteRow struct {
	ID           uint
	PollID       uint
	OptionID     uint
	UserID       *uint
	VoterToken   string
	Fingerprint  string
	IPAddress    string
	UserAgent    string
	IsValid      bool
	FraudReasons string
	RiskScore    int
	CreatedAt    time.Time
}

func (voteRow) TableName() string {
	return "vote_records"
}

// splitReasons / joinReasons / mergeReasons 维护逗号分隔的原因文本。
// 合并时去重并保持首次出现的顺序，保证重复分析不会累积重复标记。
func splitReasons(s string) []string {
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

func joinReasons(reasons []string) string {
	return strings.Join(reasons, ",")
}

func mergeReasons(existing string, add []string) string {
	merged := splitReasons(existing)
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
	return joinReasons(merged)
}
