package fraud

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Registry 是永久封禁指纹的持久注册表。
// 它是所有实时检查之前最先咨询、也是最权威的拦截路径。
type Registry struct {
	db *gorm.DB
}

// NewRegistry 创建封禁注册表。
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// IsBlocked 按(fingerprint, is_active)索引查询指纹是否处于封禁状态。
// 未封禁返回nil；数据库故障必须向上传播——权威路径绝不允许静默放行。
func (r *Registry) IsBlocked(fingerprint string) (*FingerprintBlock, error) {
	if fingerprint == "" {
		return nil, nil
	}

	var block FingerprintBlock
	err := r.db.Where("fingerprint = ? AND is_active = ?", fingerprint, true).First(&block).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("封禁注册表查询失败: %w", err)
	}
	return &block, nil
}

// Block 封禁一个指纹：不存在时创建记录，已存在时复用同一行并重新激活。
// blockedBy为空表示自动封禁，审计时与管理员手动封禁区分。
func (r *Registry) Block(fingerprint, reason string, firstSeenUser *uint, totalUsers, totalVotes int, blockedBy *uint) (*FingerprintBlock, error) {
	if fingerprint == "" {
		return nil, errors.New("封禁缺少指纹")
	}

	now := time.Now()

	var block FingerprintBlock
	err := r.db.Where("fingerprint = ?", fingerprint).First(&block).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("封禁注册表查询失败: %w", err)
		}
		block = FingerprintBlock{
			Fingerprint:   fingerprint,
			Reason:        reason,
			BlockedAt:     now,
			IsActive:      true,
			BlockedBy:     blockedBy,
			FirstSeenUser: firstSeenUser,
			TotalUsers:    totalUsers,
			TotalVotes:    totalVotes,
		}
		if err := r.db.Create(&block).Error; err != nil {
			// 并发封禁同一指纹时唯一约束兜底，重读现有行
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return r.IsBlocked(fingerprint)
			}
			return nil, fmt.Errorf("创建封禁记录失败: %w", err)
		}
		return &block, nil
	}

	if block.IsActive {
		// 已处于封禁状态，不重复盖章
		return &block, nil
	}

	// 复用同一行重新激活，保留"每个指纹只有一行"的不变量
	updates := map[string]interface{}{
		"reason":          reason,
		"blocked_at":      now,
		"is_active":       true,
		"blocked_by":      blockedBy,
		"first_seen_user": firstSeenUser,
		"total_users":     totalUsers,
		"total_votes":     totalVotes,
		"unblocked_at":    nil,
		"unblocked_by":    nil,
	}
	if err := r.db.Model(&block).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("重新激活封禁记录失败: %w", err)
	}
	return &block, nil
}

// Unblock 解封一个指纹，盖上解封时间和操作者。记录永不硬删除。
// 返回值表示是否真的存在一条生效中的封禁被解除。
func (r *Registry) Unblock(fingerprint string, byUser *uint) (bool, error) {
	now := time.Now()
	res := r.db.Model(&FingerprintBlock{}).
		Where("fingerprint = ? AND is_active = ?", fingerprint, true).
		Updates(map[string]interface{}{
			"is_active":    false,
			"unblocked_at": now,
			"unblocked_by": byUser,
		})
	if res.Error != nil {
		return false, fmt.Errorf("解封指纹失败: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListActive 返回所有处于封禁状态的指纹，供管理端展示。
func (r *Registry) ListActive() ([]FingerprintBlock, error) {
	var blocks []FingerprintBlock
	if err := r.db.Where("is_active = ?", true).Order("blocked_at DESC").Find(&blocks).Error; err != nil {
		return nil, fmt.Errorf("查询封禁列表失败: %w", err)
	}
	return blocks, nil
}
