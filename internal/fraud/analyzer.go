package fraud

import (
	"fmt"
	"sort"
	"time"

	"github.com/SlpAus/provote-backend/internal/platform/config"
	"github.com/SlpAus/provote-backend/internal/platform/events"
	"github.com/SlpAus/provote-backend/internal/poll"
	"gorm.io/gorm"
)

// 模式类型。签名 = 类型 + 主体，是窗口内告警去重的键。
const (
	PatternVoteBurst        = "vote_burst"
	PatternIPCluster        = "ip_cluster"
	PatternFingerprintReuse = "fingerprint_reuse"
)

// burstBucket 是爆发检测的时间桶宽度
const burstBucket = 10 * time.Minute

// Pattern 是一次分析中检测到的聚合模式。
type Pattern struct {
	Kind      string   `json:"kind"`
	Signature string   `json:"signature"`
	RiskScore int      `json:"risk_score"`
	Reasons   []string `json:"reasons"`
	IPAddress string   `json:"ip_address,omitempty"`
	UserID    *uint    `json:"user_id,omitempty"`
	// VoteIDs 是命中该模式的选票，供回溯标记
	VoteIDs []uint `json:"vote_ids"`
}

// AnalysisResult 汇总一次分析的产出。
type AnalysisResult struct {
	PollID                  *uint     `json:"poll_id"`
	PatternsDetected        []Pattern `json:"patterns_detected"`
	TotalSuspiciousPatterns int       `json:"total_suspicious_patterns"`
	HighestRiskScore        int       `json:"highest_risk_score"`
	AlertsGenerated         int       `json:"alerts_generated"`
	FlaggedCount            int       `json:"flagged_count"`
}

// Analyzer 是批量/周期性的模式分析器。
// 它扫描投票历史检测协同/机器人式模式，生成告警并回溯标记选票。
// 请求路径之外独立运行，读取是时间点快照，写入逐行乐观应用。
type Analyzer struct {
	db  *gorm.DB
	cfg config.AnalyzerConfig
	bus events.Bus
}

// NewAnalyzer 创建模式分析器。
func NewAnalyzer(db *gorm.DB, cfg config.AnalyzerConfig, bus events.Bus) *Analyzer {
	return &Analyzer{db: db, cfg: cfg, bus: bus}
}

// Analyze 分析单个投票（pollID非空）或所有开放投票（pollID为空）。
// 对同一窗口重复运行是安全的：告警按签名去重，标记按原因去重。
func (a *Analyzer) Analyze(pollID *uint, windowHours int) (*AnalysisResult, error) {
	if windowHours <= 0 {
		windowHours = a.cfg.WindowHours
	}

	result := &AnalysisResult{PollID: pollID}

	var pollIDs []uint
	if pollID != nil {
		pollIDs = []uint{*pollID}
	} else {
		ids, err := poll.OpenPollIDs(a.db)
		if err != nil {
			return nil, err
		}
		pollIDs = ids
	}

	for _, pid := range pollIDs {
		patterns, err := a.analyzePoll(pid, windowHours)
		if err != nil {
			// 单个投票分析失败不中断全量扫描
			fmt.Printf("警告: 投票 %d 模式分析失败: %v\n", pid, err)
			continue
		}

		alerts, err := a.GenerateAlerts(pid, patterns, windowHours)
		if err != nil {
			fmt.Printf("警告: 投票 %d 告警生成失败: %v\n", pid, err)
		}
		flagged, err := a.FlagSuspiciousVotes(pid, patterns)
		if err != nil {
			fmt.Printf("警告: 投票 %d 选票标记失败: %v\n", pid, err)
		}

		result.PatternsDetected = append(result.PatternsDetected, patterns...)
		result.AlertsGenerated += len(alerts)
		result.FlaggedCount += flagged
		for _, p := range patterns {
			if p.RiskScore > result.HighestRiskScore {
				result.HighestRiskScore = p.RiskScore
			}
		}
	}

	result.TotalSuspiciousPatterns = len(result.PatternsDetected)
	return result, nil
}

// analyzePoll 对单个投票做窗口内的快照扫描，产出全部模式。
func (a *Analyzer) analyzePoll(pollID uint, windowHours int) ([]Pattern, error) {
	cutoff := time.Now().Add(-time.Duration(windowHours) * time.Hour)

	var rows []voteRow
	err := a.db.Model(&voteRow{}).
		Where("poll_id = ? AND created_at >= ?", pollID, cutoff).
		Select("id", "user_id", "ip_address", "fingerprint", "is_valid", "fraud_reasons", "risk_score", "created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("读取投票历史失败: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var patterns []Pattern
	patterns = append(patterns, a.detectBursts(rows)...)
	patterns = append(patterns, a.detectIPClusters(rows)...)
	patterns = append(patterns, a.detectFingerprintReuse(rows)...)
	return patterns, nil
}

// detectBursts 按固定宽度的时间桶统计票数，超阈值的桶构成爆发模式。
func (a *Analyzer) detectBursts(rows []voteRow) []Pattern {
	buckets := make(map[time.Time][]uint)
	for _, row := range rows {
		b := row.CreatedAt.Truncate(burstBucket)
		buckets[b] = append(buckets[b], row.ID)
	}

	keys := make([]time.Time, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	var patterns []Pattern
	for _, bucket := range keys {
		ids := buckets[bucket]
		if len(ids) < a.cfg.BurstThreshold {
			continue
		}
		score := capScore(60 + (len(ids) - a.cfg.BurstThreshold))
		patterns = append(patterns, Pattern{
			Kind:      PatternVoteBurst,
			Signature: fmt.Sprintf("%s:%s", PatternVoteBurst, bucket.UTC().Format(time.RFC3339)),
			RiskScore: score,
			Reasons:   []string{fmt.Sprintf("vote burst: %d votes in %s", len(ids), burstBucket)},
			VoteIDs:   ids,
		})
	}
	return patterns
}

// detectIPClusters 统计单IP的票数，超阈值的IP构成聚集模式。
func (a *Analyzer) detectIPClusters(rows []voteRow) []Pattern {
	byIP := make(map[string][]uint)
	for _, row := range rows {
		if row.IPAddress == "" {
			continue
		}
		byIP[row.IPAddress] = append(byIP[row.IPAddress], row.ID)
	}

	ips := make([]string, 0, len(byIP))
	for ip := range byIP {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	var patterns []Pattern
	for _, ip := range ips {
		ids := byIP[ip]
		if len(ids) < a.cfg.IPClusterThreshold {
			continue
		}
		score := capScore(60 + 2*(len(ids)-a.cfg.IPClusterThreshold))
		patterns = append(patterns, Pattern{
			Kind:      PatternIPCluster,
			Signature: fmt.Sprintf("%s:%s", PatternIPCluster, ip),
			RiskScore: score,
			Reasons:   []string{fmt.Sprintf("ip clustering: %d votes from %s", len(ids), ip)},
			IPAddress: ip,
			VoteIDs:   ids,
		})
	}
	return patterns
}

// detectFingerprintReuse 统计单指纹的票数和独立用户数，
// 票数超阈值或被多个用户共享的指纹构成复用模式。
func (a *Analyzer) detectFingerprintReuse(rows []voteRow) []Pattern {
	type fpStats struct {
		ids   []uint
		users map[uint]bool
	}
	byFP := make(map[string]*fpStats)
	for _, row := range rows {
		if row.Fingerprint == "" {
			continue
		}
		s := byFP[row.Fingerprint]
		if s == nil {
			s = &fpStats{users: make(map[uint]bool)}
			byFP[row.Fingerprint] = s
		}
		s.ids = append(s.ids, row.ID)
		if row.UserID != nil {
			s.users[*row.UserID] = true
		}
	}

	fps := make([]string, 0, len(byFP))
	for fp := range byFP {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	var patterns []Pattern
	for _, fp := range fps {
		s := byFP[fp]
		multiUser := len(s.users) >= 2
		if len(s.ids) < a.cfg.FingerprintReuseThreshold && !multiUser {
			continue
		}
		score := 50 + (len(s.ids) - a.cfg.FingerprintReuseThreshold)
		if multiUser {
			score += 10 * (len(s.users) - 1)
		}
		reasons := []string{fmt.Sprintf("fingerprint reuse: %d votes", len(s.ids))}
		if multiUser {
			reasons = append(reasons, fmt.Sprintf("%s: %d users share fingerprint", ReasonDifferentUsers, len(s.users)))
		}
		patterns = append(patterns, Pattern{
			Kind:      PatternFingerprintReuse,
			Signature: fmt.Sprintf("%s:%s", PatternFingerprintReuse, fp),
			RiskScore: capScore(score),
			Reasons:   reasons,
			VoteIDs:   s.ids,
		})
	}
	return patterns
}

// GenerateAlerts 为风险分达标的模式各生成一条FraudAlert。
// 去重跨度跟随本次运行的窗口：窗口内同签名的告警只生成一次，
// 对同一窗口重复运行不会产生重复行。windowHours不大于零时用配置默认值。
func (a *Analyzer) GenerateAlerts(pollID uint, patterns []Pattern, windowHours int) ([]FraudAlert, error) {
	if windowHours <= 0 {
		windowHours = a.cfg.WindowHours
	}
	cutoff := time.Now().Add(-time.Duration(windowHours) * time.Hour)

	var created []FraudAlert
	for _, p := range patterns {
		if p.RiskScore < a.cfg.AlertScoreThreshold {
			continue
		}

		var existing int64
		err := a.db.Model(&FraudAlert{}).
			Where("poll_id = ? AND signature = ? AND created_at >= ?", pollID, p.Signature, cutoff).
			Count(&existing).Error
		if err != nil {
			return created, fmt.Errorf("告警去重查询失败: %w", err)
		}
		if existing > 0 {
			continue
		}

		alert := FraudAlert{
			PollID:    pollID,
			UserID:    p.UserID,
			IPAddress: p.IPAddress,
			Signature: p.Signature,
			Reasons:   joinReasons(p.Reasons),
			RiskScore: p.RiskScore,
		}
		if len(p.VoteIDs) > 0 {
			vid := p.VoteIDs[0]
			alert.VoteID = &vid
		}
		if err := a.db.Create(&alert).Error; err != nil {
			return created, fmt.Errorf("创建告警失败: %w", err)
		}
		created = append(created, alert)
	}
	return created, nil
}

// FlagSuspiciousVotes 回溯标记命中模式的选票：is_valid置false、
// 追加原因、抬高风险分。已带有相同原因的选票不重复追加，
// 逐行以旧值为条件做乐观更新，绝不持有长事务锁。
// 返回值是本次运行命中并处于标记状态的选票数，重复运行结果一致。
func (a *Analyzer) FlagSuspiciousVotes(pollID uint, patterns []Pattern) (int, error) {
	flagged := make(map[uint]bool)

	for _, p := range patterns {
		for _, voteID := range p.VoteIDs {
			var row voteRow
			if err := a.db.Where("id = ? AND poll_id = ?", voteID, pollID).First(&row).Error; err != nil {
				continue
			}

			newReasons := mergeReasons(row.FraudReasons, p.Reasons)
			newScore := row.RiskScore
			if p.RiskScore > newScore {
				newScore = p.RiskScore
			}

			if !row.IsValid && newReasons == row.FraudReasons && newScore == row.RiskScore {
				// 已按同一模式标记过，幂等跳过
				flagged[voteID] = true
				continue
			}

			// 乐观更新：仅当行仍处于读取时的状态才应用，并发修改时放弃本行
			res := a.db.Model(&voteRow{}).
				Where("id = ? AND fraud_reasons = ? AND risk_score = ?", voteID, row.FraudReasons, row.RiskScore).
				Updates(map[string]interface{}{
					"is_valid":      false,
					"fraud_reasons": newReasons,
					"risk_score":    newScore,
				})
			if res.Error != nil {
				return len(flagged), fmt.Errorf("标记选票 %d 失败: %w", voteID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			flagged[voteID] = true

			if row.IsValid {
				// 只在首次转为无效时对外发事件
				events.PublishAsync(a.bus, events.VoteFlaggedChannel, events.VoteFlaggedEvent{
					VoteID:  voteID,
					UserID:  row.UserID,
					Reasons: splitReasons(newReasons),
				})
			}
		}
	}

	return len(flagged), nil
}

func capScore(score int) int {
	if score > 100 {
		return 100
	}
	return score
}
