package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/SlpAus/provote-backend/internal/platform/config"
	"gorm.io/gorm"
)

// 实时检查产出的原因标记。调用方和测试依据子串匹配，文本保持稳定。
const (
	ReasonPermanentlyBlocked = "permanently blocked"
	ReasonDifferentUsers     = "different users"
	ReasonDifferentIPs       = "different ip"
	ReasonHighFrequency      = "rapid/high frequency voting"
	ReasonFingerprintChanged = "fingerprint changed"
	ReasonRapidChanges       = "rapid fingerprint changes"
)

// Verdict 是一次投票尝试的实时评估结论。
type Verdict struct {
	Suspicious bool     `json:"suspicious"`
	BlockVote  bool     `json:"block_vote"`
	RiskScore  int      `json:"risk_score"`
	Reasons    []string `json:"reasons"`
}

// Engine 是规则评估器：封禁注册表硬检查 → 缓存快信号 → 有界窗口的权威回查 → 加分规则。
type Engine struct {
	db       *gorm.DB
	cache    ActivityCache
	registry *Registry
	cfg      config.FraudConfig
}

// NewEngine 创建规则评估器。
func NewEngine(db *gorm.DB, cache ActivityCache, registry *Registry, cfg config.FraudConfig) *Engine {
	return &Engine{db: db, cache: cache, registry: registry, cfg: cfg}
}

// Registry 暴露内部的封禁注册表，供管理端直接操作。
func (e *Engine) Registry() *Registry {
	return e.registry
}

// recentActivity 是有界时间窗口内某指纹在某投票上的权威历史视图。
type recentActivity struct {
	count    int
	users    map[uint]bool
	ips      map[string]bool
	earliest time.Time
	latest   time.Time
	firstUID *uint
}

// queryRecentActivity 在最近窗口内回查vote_records。
// 窗口有界保证了无论总历史多大查询都足够便宜；数据库故障必须向上传播。
func (e *Engine) queryRecentActivity(fingerprint string, pollID uint) (*recentActivity, error) {
	cutoff := time.Now().Add(-time.Duration(e.cfg.RecentWindowHours) * time.Hour)

	var rows []voteRow
	err := e.db.Model(&voteRow{}).
		Where("fingerprint = ? AND poll_id = ? AND created_at >= ?", fingerprint, pollID, cutoff).
		Order("created_at ASC").
		Select("id", "user_id", "ip_address", "created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("回查指纹历史失败: %w", err)
	}

	act := &recentActivity{
		users: make(map[uint]bool),
		ips:   make(map[string]bool),
	}
	for i, row := range rows {
		act.count++
		if row.UserID != nil {
			act.users[*row.UserID] = true
			if act.firstUID == nil {
				uid := *row.UserID
				act.firstUID = &uid
			}
		}
		if row.IPAddress != "" {
			act.ips[row.IPAddress] = true
		}
		if i == 0 {
			act.earliest = row.CreatedAt
		}
		act.latest = row.CreatedAt
	}
	return act, nil
}

// Evaluate 评估一次投票尝试，返回结论。
// 算法按顺序执行并在硬封禁处短路：
//  1. 无指纹 → 直接放行（匿名必须带指纹的校验在入口处完成）
//  2. 封禁注册表命中 → 100分硬拦截
//  3. 缓存快信号（尽力而为）+ 有界窗口的数据库权威回查
//  4. 加分规则，各自独立可触发，总分封顶100；缓存快照可以抬高嫌疑分
//  5. 拦截判定只采信持久层计数：多用户/多IP共享指纹单独构成拦截条件，
//     但缓存有损，无论快照显示多强的信号都不能独自把票拦下
//  6. 拦截时自动写入封禁注册表（blocked_by为空）
func (e *Engine) Evaluate(ctx context.Context, fingerprint string, pollID uint, userID *uint, ip string) (*Verdict, error) {
	verdict := &Verdict{}
	if fingerprint == "" {
		return verdict, nil
	}

	// 1. 永久封禁是最便宜也最权威的拒绝路径，最先咨询
	block, err := e.registry.IsBlocked(fingerprint)
	if err != nil {
		return nil, err
	}
	if block != nil {
		verdict.Suspicious = true
		verdict.BlockVote = true
		verdict.RiskScore = 100
		verdict.Reasons = []string{fmt.Sprintf("%s: %s", ReasonPermanentlyBlocked, block.Reason)}
		return verdict, nil
	}

	// 2. 缓存只是快信号，读取失败时静默降级
	snapshot, err := e.cache.Read(ctx, fingerprint, pollID)
	if err != nil {
		fmt.Printf("警告: 指纹活动缓存读取失败，仅依据数据库评估: %v\n", err)
		snapshot = nil
	}

	// 3. 权威回查，故障向上传播
	act, err := e.queryRecentActivity(fingerprint, pollID)
	if err != nil {
		return nil, err
	}

	// 把当前请求的主体并入权威观察集合：
	// user1投过票后user2携带同一指纹到来，此刻就已构成"多用户共享"
	durableUsers := len(act.users)
	if userID != nil && !act.users[*userID] {
		durableUsers++
	}
	durableIPs := len(act.ips)
	if ip != "" && !act.ips[ip] {
		durableIPs++
	}

	// 缓存可能丢数据也可能滞留陈旧条目，快照只允许放大嫌疑分
	observedUsers, observedIPs := durableUsers, durableIPs
	if snapshot != nil {
		if int(snapshot.UserCount) > observedUsers {
			observedUsers = int(snapshot.UserCount)
		}
		if int(snapshot.IPCount) > observedIPs {
			observedIPs = int(snapshot.IPCount)
		}
	}

	// 4. 加分规则
	rapid := e.isRapid(act)

	if observedUsers >= e.cfg.DifferentUserThreshold {
		verdict.RiskScore += e.cfg.DifferentUserScore
		verdict.Reasons = append(verdict.Reasons, ReasonDifferentUsers)
	}
	if observedIPs >= e.cfg.DifferentIPThreshold {
		verdict.RiskScore += e.cfg.DifferentIPScore
		verdict.Reasons = append(verdict.Reasons, ReasonDifferentIPs)
	}
	if rapid {
		verdict.RiskScore += e.cfg.HighFrequencyScore
		verdict.Reasons = append(verdict.Reasons, ReasonHighFrequency)
	}
	if verdict.RiskScore > 100 {
		verdict.RiskScore = 100
	}
	verdict.Suspicious = verdict.RiskScore > 0

	// 5. 指纹被多个主体共享在性质上比"投得快"更严重，单独构成拦截条件。
	// 拦截以及随之而来的永久封禁必须由持久层计数佐证，缓存信号不参与
	usersCorroborated := durableUsers >= e.cfg.DifferentUserThreshold
	ipsCorroborated := durableIPs >= e.cfg.DifferentIPThreshold
	durableScore := 0
	if usersCorroborated {
		durableScore += e.cfg.DifferentUserScore
	}
	if ipsCorroborated {
		durableScore += e.cfg.DifferentIPScore
	}
	if rapid {
		durableScore += e.cfg.HighFrequencyScore
	}
	verdict.BlockVote = usersCorroborated || ipsCorroborated || durableScore >= e.cfg.BlockScoreThreshold

	// 6. 拦截即自动落永久封禁
	if verdict.BlockVote {
		totalVotes := act.count + 1
		firstSeen := act.firstUID
		if firstSeen == nil {
			firstSeen = userID
		}
		if _, err := e.registry.Block(fingerprint, joinReasons(verdict.Reasons), firstSeen, durableUsers, totalVotes, nil); err != nil {
			// 封禁落库失败不放行本票，下次评估会重新走到这里
			fmt.Printf("警告: 自动封禁指纹失败: %v\n", err)
		}
	}

	return verdict, nil
}

// isRapid 依据观察跨度计算投票速率。
// 所有票挤在同一瞬间是最坏情况，跨度为零时直接按票数与阈值比较。
func (e *Engine) isRapid(act *recentActivity) bool {
	if act.count < 2 {
		return false
	}
	elapsed := act.latest.Sub(act.earliest).Hours()
	if elapsed <= 0 {
		return float64(act.count) > e.cfg.VotesPerHourThreshold
	}
	return float64(act.count)/elapsed > e.cfg.VotesPerHourThreshold
}

// CheckIPCombination 独立评估"同一指纹出现在多个IP"这一个信号，
// 供完整Evaluate路径之外复用，拦截语义与Evaluate一致。
func (e *Engine) CheckIPCombination(fingerprint, ip string, pollID uint) (*Verdict, error) {
	verdict := &Verdict{}
	if fingerprint == "" || ip == "" {
		return verdict, nil
	}

	act, err := e.queryRecentActivity(fingerprint, pollID)
	if err != nil {
		return nil, err
	}

	distinctIPs := len(act.ips)
	if !act.ips[ip] {
		distinctIPs++
	}

	if distinctIPs >= e.cfg.DifferentIPThreshold {
		verdict.Suspicious = true
		verdict.BlockVote = true
		verdict.RiskScore = e.cfg.DifferentIPScore
		verdict.Reasons = append(verdict.Reasons, ReasonDifferentIPs)
	}
	return verdict, nil
}

// DetectFingerprintChanges 检查当前指纹是否偏离了同一身份在窗口内的既往指纹。
// 认证用户按用户ID关联，匿名用户按IP关联；
// 窗口内同一身份出现的指纹数达到阈值时额外标记"快速更换"。
func (e *Engine) DetectFingerprintChanges(fingerprint string, userID *uint, ip string, pollID uint) (*Verdict, error) {
	verdict := &Verdict{}
	if fingerprint == "" {
		return verdict, nil
	}

	cutoff := time.Now().Add(-time.Duration(e.cfg.RecentWindowHours) * time.Hour)

	query := e.db.Model(&voteRow{}).
		Where("poll_id = ? AND created_at >= ?", pollID, cutoff)
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	} else {
		if ip == "" {
			return verdict, nil
		}
		query = query.Where("ip_address = ?", ip)
	}

	var previous []string
	if err := query.Distinct("fingerprint").Pluck("fingerprint", &previous).Error; err != nil {
		return nil, fmt.Errorf("回查既往指纹失败: %w", err)
	}
	if len(previous) == 0 {
		return verdict, nil
	}

	seen := make(map[string]bool, len(previous)+1)
	known := false
	for _, fp := range previous {
		if fp == "" {
			continue
		}
		seen[fp] = true
		if fp == fingerprint {
			known = true
		}
	}
	if len(seen) == 0 {
		return verdict, nil
	}

	if !known {
		verdict.Suspicious = true
		verdict.RiskScore = e.cfg.HighFrequencyScore
		verdict.Reasons = append(verdict.Reasons, ReasonFingerprintChanged)
		seen[fingerprint] = true
	}

	if len(seen) >= e.cfg.RapidChangeThreshold {
		verdict.Suspicious = true
		verdict.RiskScore += e.cfg.HighFrequencyScore
		verdict.Reasons = append(verdict.Reasons, ReasonRapidChanges)
	}

	return verdict, nil
}

// RecordActivity 在选票成功落库后登记指纹活动，失败只记录。
func (e *Engine) RecordActivity(ctx context.Context, fingerprint string, pollID uint, userID *uint, ip string) {
	if err := e.cache.Record(ctx, fingerprint, pollID, userID, ip); err != nil {
		fmt.Printf("警告: 指纹活动登记失败: %v\n", err)
	}
}
