package poll

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound 表示投票或选项不存在。
var ErrNotFound = errors.New("poll not found")

// GetByID 按ID读取投票。
func GetByID(db *gorm.DB, pollID uint) (*Poll, error) {
	var p Poll
	if err := db.First(&p, pollID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询投票失败: %w", err)
	}
	return &p, nil
}

// GetOption 按ID读取选项。
func GetOption(db *gorm.DB, optionID uint) (*PollOption, error) {
	var o PollOption
	if err := db.First(&o, optionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询选项失败: %w", err)
	}
	return &o, nil
}

// IncrementCounters 在事务内原子地增加选项票数和投票总票数。
// 必须使用 SET x = x + 1 形式的原子语句，读-改-写在并发下会丢失更新。
func IncrementCounters(tx *gorm.DB, pollID, optionID uint, delta int64) error {
	res := tx.Model(&PollOption{}).Where("id = ?", optionID).
		UpdateColumn("cached_vote_count", gorm.Expr("cached_vote_count + ?", delta))
	if res.Error != nil {
		return fmt.Errorf("更新选项计数失败: %w", res.Error)
	}
	res = tx.Model(&Poll{}).Where("id = ?", pollID).
		UpdateColumn("cached_total_votes", gorm.Expr("cached_total_votes + ?", delta))
	if res.Error != nil {
		return fmt.Errorf("更新投票总计数失败: %w", res.Error)
	}
	return nil
}

// OpenPollIDs 返回所有当前开放的投票ID，供周期性模式分析扫描。
func OpenPollIDs(db *gorm.DB) ([]uint, error) {
	var ids []uint
	err := db.Model(&Poll{}).
		Where("is_draft = ? AND is_active = ?", false, true).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("查询开放投票失败: %w", err)
	}
	return ids, nil
}
