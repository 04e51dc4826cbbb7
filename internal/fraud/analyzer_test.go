package fraud

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SlpAus/provote-backend/internal/platform/config"
)

// recordingBus 记录所有发布的事件，供断言。
type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBus) Publish(_ context.Context, channel string, _ interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, channel)
	return nil
}

func newTestAnalyzer(t *testing.T) (*Analyzer, *Engine) {
	t.Helper()
	db := newTestDB(t)
	analyzer := NewAnalyzer(db, config.DefaultAnalyzerConfig(), &recordingBus{})
	engine := NewEngine(db, newMemoryActivityCache(), NewRegistry(db), config.DefaultFraudConfig())
	return analyzer, engine
}

func TestAnalyzeDetectsIPCluster(t *testing.T) {
	analyzer, engine := newTestAnalyzer(t)
	now := time.Now()

	// 12票来自同一IP，超过默认聚集阈值10。
	// 指纹和时间都错开，避免同时触发其他模式
	for i := 0; i < 12; i++ {
		fp := strings.Repeat(string(rune('a'+i%6)), 64)
		insertVote(t, engine.db, fp, 1, nil, "9.9.9.9", now.Add(-time.Duration(i)*time.Hour))
	}

	pollID := uint(1)
	result, err := analyzer.Analyze(&pollID, 24)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	found := false
	for _, p := range result.PatternsDetected {
		if p.Kind == PatternIPCluster && p.IPAddress == "9.9.9.9" {
			found = true
			if len(p.VoteIDs) != 12 {
				t.Errorf("聚集模式命中 %d 票, 期望 12", len(p.VoteIDs))
			}
		}
	}
	if !found {
		t.Fatalf("未检测到IP聚集模式: %+v", result.PatternsDetected)
	}
	if result.AlertsGenerated == 0 {
		t.Error("达标模式应生成告警")
	}
	if result.FlaggedCount != 12 {
		t.Errorf("标记数 = %d, 期望 12", result.FlaggedCount)
	}

	// 被标记的票应全部置为无效并带上原因
	var invalid int64
	engine.db.Model(&voteRow{}).Where("poll_id = ? AND is_valid = ?", 1, false).Count(&invalid)
	if invalid != 12 {
		t.Errorf("无效票数 = %d, 期望 12", invalid)
	}
}

func TestAnalyzeDetectsVoteBurst(t *testing.T) {
	analyzer, engine := newTestAnalyzer(t)
	base := time.Now().Add(-time.Hour).Truncate(10 * time.Minute)

	// 同一个10分钟桶内35票，超过默认爆发阈值30
	for i := 0; i < 35; i++ {
		fp := strings.Repeat(string(rune('a'+i%26)), 64)
		ip := "10.0.0." + string(rune('1'+i%9))
		insertVote(t, engine.db, fp, 1, nil, ip, base.Add(time.Duration(i)*10*time.Second))
	}

	pollID := uint(1)
	result, err := analyzer.Analyze(&pollID, 24)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	found := false
	for _, p := range result.PatternsDetected {
		if p.Kind == PatternVoteBurst {
			found = true
		}
	}
	if !found {
		t.Fatalf("未检测到投票爆发模式: %+v", result.PatternsDetected)
	}
}

func TestAnalyzeDetectsFingerprintReuse(t *testing.T) {
	analyzer, engine := newTestAnalyzer(t)
	now := time.Now()

	// 同一指纹被两个用户使用，即使票数未达复用阈值也构成模式
	insertVote(t, engine.db, testFP, 1, uintPtr(1), "1.1.1.1", now.Add(-2*time.Hour))
	insertVote(t, engine.db, testFP, 1, uintPtr(2), "1.1.1.1", now.Add(-1*time.Hour))

	pollID := uint(1)
	result, err := analyzer.Analyze(&pollID, 24)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	found := false
	for _, p := range result.PatternsDetected {
		if p.Kind == PatternFingerprintReuse {
			found = true
		}
	}
	if !found {
		t.Fatalf("未检测到指纹复用模式: %+v", result.PatternsDetected)
	}
}

func TestAnalyzeRerunIsIdempotent(t *testing.T) {
	analyzer, engine := newTestAnalyzer(t)
	now := time.Now()

	for i := 0; i < 12; i++ {
		fp := strings.Repeat(string(rune('a'+i%6)), 64)
		insertVote(t, engine.db, fp, 1, nil, "9.9.9.9", now.Add(-time.Duration(i)*time.Hour))
	}

	pollID := uint(1)
	first, err := analyzer.Analyze(&pollID, 24)
	if err != nil {
		t.Fatalf("首次Analyze() error = %v", err)
	}
	second, err := analyzer.Analyze(&pollID, 24)
	if err != nil {
		t.Fatalf("重复Analyze() error = %v", err)
	}

	// 模式检测是幂等快照，标记数跨运行保持一致
	if first.FlaggedCount != second.FlaggedCount {
		t.Errorf("标记数不一致: 首次 %d, 重复 %d", first.FlaggedCount, second.FlaggedCount)
	}

	// 同窗口内同签名的告警只生成一次
	if second.AlertsGenerated != 0 {
		t.Errorf("重复运行生成了 %d 条新告警, 期望 0", second.AlertsGenerated)
	}
	var alerts int64
	engine.db.Model(&FraudAlert{}).Where("poll_id = ?", 1).Count(&alerts)
	if alerts != int64(first.AlertsGenerated) {
		t.Errorf("告警总数 = %d, 期望 %d", alerts, first.AlertsGenerated)
	}

	// 原因不会因为重复标记而累积
	var row voteRow
	if err := engine.db.Where("poll_id = ?", 1).First(&row).Error; err != nil {
		t.Fatalf("读取标记后的选票失败: %v", err)
	}
	reasons := splitReasons(row.FraudReasons)
	seen := make(map[string]bool, len(reasons))
	for _, r := range reasons {
		if seen[r] {
			t.Errorf("原因重复累积: %q in %v", r, reasons)
		}
		seen[r] = true
	}
}

func TestFlagSuspiciousVotesPublishesOnTransitionOnly(t *testing.T) {
	db := newTestDB(t)
	bus := &recordingBus{}
	analyzer := NewAnalyzer(db, config.DefaultAnalyzerConfig(), bus)
	now := time.Now()

	row := voteRow{PollID: 1, OptionID: 1, Fingerprint: testFP, IPAddress: "1.1.1.1", IsValid: true, CreatedAt: now}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("插入测试选票失败: %v", err)
	}

	pattern := Pattern{
		Kind:      PatternIPCluster,
		Signature: "ip_cluster:1.1.1.1",
		RiskScore: 64,
		Reasons:   []string{"ip clustering: 12 votes from 1.1.1.1"},
		VoteIDs:   []uint{row.ID},
	}

	flagged, err := analyzer.FlagSuspiciousVotes(1, []Pattern{pattern})
	if err != nil {
		t.Fatalf("FlagSuspiciousVotes() error = %v", err)
	}
	if flagged != 1 {
		t.Errorf("标记数 = %d, 期望 1", flagged)
	}

	// 再次标记同一模式：计数一致，且不再发第二次事件
	again, err := analyzer.FlagSuspiciousVotes(1, []Pattern{pattern})
	if err != nil {
		t.Fatalf("重复FlagSuspiciousVotes() error = %v", err)
	}
	if again != 1 {
		t.Errorf("重复标记数 = %d, 期望 1", again)
	}

	// 事件异步发布，留出时间收敛
	time.Sleep(50 * time.Millisecond)
	bus.mu.Lock()
	eventCount := len(bus.events)
	bus.mu.Unlock()
	if eventCount != 1 {
		t.Errorf("事件数 = %d, 期望仅在首次转为无效时发布1次", eventCount)
	}
}

func TestGenerateAlertsDedupeFollowsRunWindow(t *testing.T) {
	analyzer, _ := newTestAnalyzer(t)

	// 48小时前已为同签名生成过告警：超出默认24小时窗口，但在72小时窗口内
	old := FraudAlert{
		PollID:    1,
		Signature: "ip_cluster:1.1.1.1",
		Reasons:   "ip clustering",
		RiskScore: 80,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := analyzer.db.Create(&old).Error; err != nil {
		t.Fatalf("插入既有告警失败: %v", err)
	}

	patterns := []Pattern{{
		Kind:      PatternIPCluster,
		Signature: "ip_cluster:1.1.1.1",
		RiskScore: 80,
		Reasons:   []string{"ip clustering"},
		IPAddress: "1.1.1.1",
		VoteIDs:   []uint{1},
	}}

	// 以72小时窗口运行时去重必须覆盖同样的72小时
	created, err := analyzer.GenerateAlerts(1, patterns, 72)
	if err != nil {
		t.Fatalf("GenerateAlerts() error = %v", err)
	}
	if len(created) != 0 {
		t.Errorf("运行窗口内已有同签名告警，不应重复生成: %d", len(created))
	}

	// 默认窗口的运行看不到48小时前的告警，正常生成
	created, err = analyzer.GenerateAlerts(1, patterns, 0)
	if err != nil {
		t.Fatalf("GenerateAlerts() error = %v", err)
	}
	if len(created) != 1 {
		t.Errorf("默认窗口之外的旧告警不应抑制新告警: %d", len(created))
	}
}
