package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/SlpAus/provote-backend/internal/platform/config"
	"github.com/SlpAus/provote-backend/pkg/lifecycle"
	"gorm.io/gorm"
)

// deepQueueSize 是深度分析队列的容量，满时丢弃新请求
const deepQueueSize = 256

// DeepAnalysisRequest 是投票提交后排队的深度指纹检查请求。
type DeepAnalysisRequest struct {
	Fingerprint string
	PollID      uint
	UserID      *uint
	IPAddress   string
}

// Worker 在请求路径之外对(指纹, 投票)组合做深窗口检查。
// 实时评估只看近期窗口，工作者补上长期视角：
// 同一指纹在该投票的深窗口内积累的用户数、IP数和频率。
// 检查结果回写活动缓存，高风险只产生告警日志供人工复核；
// 自动封禁始终留给请求路径上有即时持久层佐证的实时评估。
type Worker struct {
	db       *gorm.DB
	cache    ActivityCache
	fraudCfg config.FraudConfig
	cfg      config.AnalyzerConfig
	queue    chan DeepAnalysisRequest
}

// NewWorker 创建深度分析工作者。
func NewWorker(db *gorm.DB, cache ActivityCache, fraudCfg config.FraudConfig, cfg config.AnalyzerConfig) *Worker {
	return &Worker{
		db:       db,
		cache:    cache,
		fraudCfg: fraudCfg,
		cfg:      cfg,
		queue:    make(chan DeepAnalysisRequest, deepQueueSize),
	}
}

// Enqueue 提交一个深度分析请求。队列满时直接丢弃，绝不阻塞投票路径。
func (w *Worker) Enqueue(req DeepAnalysisRequest) {
	if req.Fingerprint == "" {
		return
	}
	select {
	case w.queue <- req:
	default:
		fmt.Println("警告: 深度分析队列已满，丢弃请求")
	}
}

// Start 启动工作者的Goroutine。它持有生命周期句柄，
// 在收到停机信号后排空当前请求并退出。
func (w *Worker) Start(handle *lifecycle.Handle) {
	go func() {
		defer handle.Close()
		fmt.Println("深度分析工作者已启动。")
		for {
			select {
			case <-handle.Done():
				fmt.Println("深度分析工作者已停止。")
				return
			case req := <-w.queue:
				w.inspect(handle.Ctx(), req)
			}
		}
	}()
}

// inspect 对单个(指纹, 投票)组合执行深窗口检查。
// 检查失败只记录日志，不影响后续请求的处理。
func (w *Worker) inspect(ctx context.Context, req DeepAnalysisRequest) {
	cutoff := time.Now().Add(-time.Duration(w.cfg.DeepWindowHours) * time.Hour)

	var rows []voteRow
	err := w.db.WithContext(ctx).Model(&voteRow{}).
		Where("fingerprint = ? AND poll_id = ? AND created_at >= ?", req.Fingerprint, req.PollID, cutoff).
		Select("user_id", "ip_address", "created_at").
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		fmt.Printf("警告: 指纹深度检查查询失败: %v\n", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	users := make(map[uint]bool)
	ips := make(map[string]bool)
	for _, row := range rows {
		if row.UserID != nil {
			users[*row.UserID] = true
		}
		if row.IPAddress != "" {
			ips[row.IPAddress] = true
		}
	}

	// 评分沿用实时引擎的权重，但作用在深窗口的聚合上
	score := 0
	var reasons []string
	if len(users) >= w.fraudCfg.DifferentUserThreshold {
		score += w.fraudCfg.DifferentUserScore
		reasons = append(reasons, ReasonDifferentUsers)
	}
	if len(ips) >= w.fraudCfg.DifferentIPThreshold {
		score += w.fraudCfg.DifferentIPScore
		reasons = append(reasons, ReasonDifferentIPs)
	}
	span := rows[len(rows)-1].CreatedAt.Sub(rows[0].CreatedAt)
	if len(rows) >= 2 && span > 0 {
		rate := float64(len(rows)) / span.Hours()
		if rate > w.fraudCfg.VotesPerHourThreshold {
			score += w.fraudCfg.HighFrequencyScore
			reasons = append(reasons, ReasonHighFrequency)
		}
	}
	if score > 100 {
		score = 100
	}

	if score >= w.fraudCfg.BlockScoreThreshold {
		fmt.Printf("警告: 指纹深度检查发现高风险指纹 (投票=%d, 风险分=%d, 原因=%s)\n", req.PollID, score, joinReasons(reasons))
	}

	// 深窗口的持久层统计回写缓存，后续实时评估的快信号随之更新
	userIDs := make([]uint, 0, len(users))
	for uid := range users {
		userIDs = append(userIDs, uid)
	}
	ipList := make([]string, 0, len(ips))
	for ip := range ips {
		ipList = append(ipList, ip)
	}
	if err := w.cache.Refresh(ctx, req.Fingerprint, req.PollID, int64(len(rows)), userIDs, ipList); err != nil {
		fmt.Printf("警告: 指纹深度检查回写缓存失败: %v\n", err)
	}
}

// StartScheduler 启动模式分析的周期调度器。
// 每个周期对所有开放的投票执行一次全量模式分析。
func StartScheduler(analyzer *Analyzer, interval time.Duration, handle *lifecycle.Handle) {
	go func() {
		defer handle.Close()
		fmt.Printf("模式分析调度器已启动 (周期=%v)。\n", interval)
		for {
			if err := handle.Sleep(interval); err != nil {
				fmt.Println("模式分析调度器已停止。")
				return
			}
			result, err := analyzer.Analyze(nil, 0)
			if err != nil {
				fmt.Printf("警告: 周期性模式分析失败: %v\n", err)
				continue
			}
			if result.TotalSuspiciousPatterns > 0 {
				fmt.Printf("模式分析完成: 模式=%d 告警=%d 标记=%d 最高风险分=%d\n",
					result.TotalSuspiciousPatterns, result.AlertsGenerated, result.FlaggedCount, result.HighestRiskScore)
			}
		}
	}()
}
