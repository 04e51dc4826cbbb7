package poll

import (
	"time"

	"gorm.io/gorm"
)

// Poll 定义了一个投票在数据库中的持久化模型。
// 行本身由外部的CRUD系统维护，核心只负责校验状态和原子更新计数。
type Poll struct {
	gorm.Model

	Title string `json:"title"`

	// IsDraft 草稿状态的投票不接受任何选票
	IsDraft bool `json:"is_draft"`

	// IsActive 被管理员下线的投票不接受任何选票
	IsActive bool `gorm:"default:true" json:"is_active"`

	// EndAt 为空表示不限期
	EndAt *time.Time `json:"end_at"`

	// CachedTotalVotes 冗余的总票数，只允许通过原子增量更新
	CachedTotalVotes int64 `gorm:"default:0" json:"cached_total_votes"`
}

// PollOption 定义了投票选项的持久化模型。
type PollOption struct {
	gorm.Model

	PollID uint   `gorm:"index" json:"poll_id"`
	Text   string `json:"text"`

	// CachedVoteCount 冗余的选项票数，只允许通过原子增量更新
	CachedVoteCount int64 `gorm:"default:0" json:"cached_vote_count"`
}

// IsOpen 判断投票当前是否接受选票。
func (p *Poll) IsOpen(now time.Time) bool {
	if p.IsDraft || !p.IsActive {
		return false
	}
	if p.EndAt != nil && !now.Before(*p.EndAt) {
		return false
	}
	return true
}
