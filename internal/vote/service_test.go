package vote

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/SlpAus/provote-backend/internal/fraud"
	"github.com/SlpAus/provote-backend/internal/platform/config"
	"github.com/SlpAus/provote-backend/internal/poll"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testFP = "abababababababababababababababababababababababababababababababab"

// fakeActivityCache 是fraud.ActivityCache的空实现，编排器测试不关心缓存信号。
type fakeActivityCache struct{}

func (fakeActivityCache) Record(context.Context, string, uint, *uint, string) error { return nil }
func (fakeActivityCache) Read(context.Context, string, uint) (*fraud.ActivitySnapshot, error) {
	return nil, nil
}
func (fakeActivityCache) Refresh(context.Context, string, uint, int64, []uint, []string) error {
	return nil
}

func newServiceTestEnv(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := db.AutoMigrate(&poll.Poll{}, &poll.PollOption{}, &VoteRecord{}, &VoteAttempt{}); err != nil {
		t.Fatalf("迁移测试表失败: %v", err)
	}
	err = db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_vote_user_poll ON vote_records(user_id, poll_id) WHERE user_id IS NOT NULL`,
	).Error
	if err != nil {
		t.Fatalf("创建唯一索引失败: %v", err)
	}
	// fraud模块的表与vote_records同库
	if err := db.AutoMigrate(&fraud.FingerprintBlock{}); err != nil {
		t.Fatalf("迁移封禁表失败: %v", err)
	}

	registry := fraud.NewRegistry(db)
	engine := fraud.NewEngine(db, fakeActivityCache{}, registry, config.DefaultFraudConfig())
	idem := NewIdempotencyStore(newFakeResultCache(), db, time.Hour)
	service := NewService(db, idem, engine, nil, nil)
	return service, db
}

// seedPoll 建一个开放的投票和两个选项，返回(pollID, optionA, optionB)
func seedPoll(t *testing.T, db *gorm.DB) (uint, uint, uint) {
	t.Helper()
	p := poll.Poll{Title: "favorite language", IsActive: true}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("创建测试投票失败: %v", err)
	}
	a := poll.PollOption{PollID: p.ID, Text: "Go"}
	b := poll.PollOption{PollID: p.ID, Text: "Rust"}
	if err := db.Create(&a).Error; err != nil {
		t.Fatalf("创建选项失败: %v", err)
	}
	if err := db.Create(&b).Error; err != nil {
		t.Fatalf("创建选项失败: %v", err)
	}
	return p.ID, a.ID, b.ID
}

func identityFor(userID *uint, ip, fp string) *Identity {
	return &Identity{UserID: userID, IPAddress: ip, UserAgent: "test-agent", Fingerprint: fp}
}

func uintPtr(v uint) *uint { return &v }

func assertVoteError(t *testing.T, err error, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatalf("期望错误 %s, 实际成功", wantCode)
	}
	verr, ok := AsVoteError(err)
	if !ok {
		t.Fatalf("期望*Error, 实际 %T: %v", err, err)
	}
	if verr.Code != wantCode {
		t.Fatalf("错误码 = %s, 期望 %s", verr.Code, wantCode)
	}
}

func TestCastSuccess(t *testing.T) {
	service, db := newServiceTestEnv(t)
	pollID, optionA, _ := seedPoll(t, db)
	ctx := context.Background()

	record, isNew, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), pollID, optionA)
	if err != nil {
		t.Fatalf("Cast() error = %v", err)
	}
	if !isNew {
		t.Error("首次投票应返回isNew=true")
	}
	if record.ID == 0 || record.PollID != pollID || record.OptionID != optionA {
		t.Errorf("选票内容不符: %+v", record)
	}
	if !record.IsValid {
		t.Error("新选票应为有效状态")
	}
	if record.IdempotencyKey == "" {
		t.Error("选票应带有幂等键")
	}

	// 计数器已原子更新
	var opt poll.PollOption
	db.First(&opt, optionA)
	if opt.CachedVoteCount != 1 {
		t.Errorf("选项票数 = %d, 期望 1", opt.CachedVoteCount)
	}
	var p poll.Poll
	db.First(&p, pollID)
	if p.CachedTotalVotes != 1 {
		t.Errorf("投票总票数 = %d, 期望 1", p.CachedTotalVotes)
	}

	// 成功尝试留痕
	var attempts []VoteAttempt
	db.Find(&attempts)
	if len(attempts) != 1 || !attempts[0].Success {
		t.Errorf("期望1条成功的审计记录, 实际 %+v", attempts)
	}
}

func TestCastIdempotentReplay(t *testing.T) {
	service, db := newServiceTestEnv(t)
	pollID, optionA, _ := seedPoll(t, db)
	ctx := context.Background()
	identity := identityFor(uintPtr(1), "1.1.1.1", testFP)

	first, isNew, err := service.Cast(ctx, identity, pollID, optionA)
	if err != nil || !isNew {
		t.Fatalf("首次Cast失败: err=%v isNew=%v", err, isNew)
	}

	// 完全相同的请求重放，应返回原选票而不是报错
	second, isNew, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), pollID, optionA)
	if err != nil {
		t.Fatalf("重放Cast() error = %v", err)
	}
	if isNew {
		t.Error("重放应返回isNew=false")
	}
	if second.ID != first.ID {
		t.Errorf("重放返回了不同的选票: %d != %d", second.ID, first.ID)
	}

	// 只有一张选票，计数只加了一次
	var count int64
	db.Model(&VoteRecord{}).Count(&count)
	if count != 1 {
		t.Errorf("选票数 = %d, 期望 1", count)
	}
	var opt poll.PollOption
	db.First(&opt, optionA)
	if opt.CachedVoteCount != 1 {
		t.Errorf("选项票数 = %d, 期望 1", opt.CachedVoteCount)
	}
}

func TestCastDuplicateVoteDifferentOption(t *testing.T) {
	service, db := newServiceTestEnv(t)
	pollID, optionA, optionB := seedPoll(t, db)
	ctx := context.Background()

	if _, _, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), pollID, optionA); err != nil {
		t.Fatalf("首次Cast失败: %v", err)
	}

	// 同一用户改投另一个选项不是幂等重放，而是重复投票
	_, _, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), pollID, optionB)
	assertVoteError(t, err, CodeDuplicateVote)
}

func TestCastValidation(t *testing.T) {
	service, db := newServiceTestEnv(t)
	pollID, optionA, _ := seedPoll(t, db)
	ctx := context.Background()

	t.Run("投票不存在", func(t *testing.T) {
		_, _, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), 9999, optionA)
		assertVoteError(t, err, CodePollNotFound)
	})

	t.Run("草稿投票不可见", func(t *testing.T) {
		draft := poll.Poll{Title: "draft", IsDraft: true, IsActive: true}
		db.Create(&draft)
		_, _, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), draft.ID, optionA)
		assertVoteError(t, err, CodePollNotFound)
	})

	t.Run("投票已关闭", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		closed := poll.Poll{Title: "closed", IsActive: true, EndAt: &past}
		db.Create(&closed)
		opt := poll.PollOption{PollID: closed.ID, Text: "x"}
		db.Create(&opt)
		_, _, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), closed.ID, opt.ID)
		assertVoteError(t, err, CodePollClosed)
	})

	t.Run("选项不属于该投票", func(t *testing.T) {
		other := poll.Poll{Title: "other", IsActive: true}
		db.Create(&other)
		otherOpt := poll.PollOption{PollID: other.ID, Text: "y"}
		db.Create(&otherOpt)
		_, _, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), pollID, otherOpt.ID)
		assertVoteError(t, err, CodeInvalidVote)
	})

	t.Run("匿名投票缺少指纹", func(t *testing.T) {
		_, _, err := service.Cast(ctx, identityFor(nil, "1.1.1.1", ""), pollID, optionA)
		assertVoteError(t, err, CodeInvalidVote)
	})
}

func TestCastAuditTrailOnRejection(t *testing.T) {
	service, db := newServiceTestEnv(t)
	seedPoll(t, db)
	ctx := context.Background()

	// 对不存在的投票的尝试也必须留下审计记录
	_, _, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), 9999, 1)
	assertVoteError(t, err, CodePollNotFound)

	var attempts []VoteAttempt
	if err := db.Where("poll_id = ?", 9999).Find(&attempts).Error; err != nil {
		t.Fatalf("查询审计记录失败: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("审计记录数 = %d, 期望 1", len(attempts))
	}
	if attempts[0].Success {
		t.Error("被拒绝的尝试Success应为false")
	}
	if attempts[0].ErrorMessage == "" {
		t.Error("审计记录应带有拒绝原因")
	}

	// 草稿投票同样如此
	draft := poll.Poll{Title: "draft", IsDraft: true, IsActive: true}
	db.Create(&draft)
	_, _, err = service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), draft.ID, 1)
	assertVoteError(t, err, CodePollNotFound)

	var count int64
	if err := db.Model(&VoteAttempt{}).Where("poll_id = ?", draft.ID).Count(&count).Error; err != nil {
		t.Fatalf("查询审计记录失败: %v", err)
	}
	if count != 1 {
		t.Errorf("草稿投票的尝试也应留痕: %d", count)
	}
}

func TestCastWithClientKey(t *testing.T) {
	service, db := newServiceTestEnv(t)
	pollID, optionA, _ := seedPoll(t, db)
	ctx := context.Background()
	clientKey := strings.Repeat("cd", 32)

	t.Run("采用客户端幂等键", func(t *testing.T) {
		record, isNew, err := service.CastWithKey(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), pollID, optionA, clientKey)
		if err != nil || !isNew {
			t.Fatalf("CastWithKey失败: err=%v isNew=%v", err, isNew)
		}
		if record.IdempotencyKey != clientKey {
			t.Errorf("幂等键 = %s, 期望采用客户端提供的键", record.IdempotencyKey)
		}

		replay, isNew, err := service.CastWithKey(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), pollID, optionA, clientKey)
		if err != nil {
			t.Fatalf("重放失败: %v", err)
		}
		if isNew || replay.ID != record.ID {
			t.Errorf("相同客户端键应重放原选票: isNew=%v id=%d", isNew, replay.ID)
		}
	})

	t.Run("非法的客户端键被拒绝", func(t *testing.T) {
		_, _, err := service.CastWithKey(ctx, identityFor(uintPtr(2), "2.2.2.2", testFP), pollID, optionA, "not-hex")
		assertVoteError(t, err, CodeInvalidVote)
	})
}

func TestCastBlockedByFraudDetection(t *testing.T) {
	service, db := newServiceTestEnv(t)
	pollID, optionA, _ := seedPoll(t, db)
	ctx := context.Background()

	// user1投票成功后，user2携带同一指纹到来，构成多用户共享
	if _, _, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), pollID, optionA); err != nil {
		t.Fatalf("首次Cast失败: %v", err)
	}

	_, _, err := service.Cast(ctx, identityFor(uintPtr(2), "1.1.1.1", testFP), pollID, optionA)
	assertVoteError(t, err, CodeFraudDetected)

	// 被拦截的票不落库
	var count int64
	db.Model(&VoteRecord{}).Count(&count)
	if count != 1 {
		t.Errorf("选票数 = %d, 期望 1", count)
	}

	// 被拦截的尝试也要留痕
	var failed int64
	db.Model(&VoteAttempt{}).Where("success = ?", false).Count(&failed)
	if failed != 1 {
		t.Errorf("失败审计记录数 = %d, 期望 1", failed)
	}
}

func TestCastAnonymousVoters(t *testing.T) {
	service, db := newServiceTestEnv(t)
	pollID, optionA, _ := seedPoll(t, db)
	ctx := context.Background()

	record, isNew, err := service.Cast(ctx, identityFor(nil, "1.1.1.1", testFP), pollID, optionA)
	if err != nil || !isNew {
		t.Fatalf("匿名Cast失败: err=%v isNew=%v", err, isNew)
	}
	if record.UserID != nil {
		t.Error("匿名选票的UserID应为空")
	}

	// 相同匿名身份重放
	replay, isNew, err := service.Cast(ctx, identityFor(nil, "1.1.1.1", testFP), pollID, optionA)
	if err != nil {
		t.Fatalf("匿名重放失败: %v", err)
	}
	if isNew || replay.ID != record.ID {
		t.Errorf("匿名重放应返回原选票: isNew=%v id=%d", isNew, replay.ID)
	}

	var count int64
	db.Model(&VoteRecord{}).Count(&count)
	if count != 1 {
		t.Errorf("选票数 = %d, 期望 1", count)
	}
}

func TestRetract(t *testing.T) {
	service, db := newServiceTestEnv(t)
	pollID, optionA, _ := seedPoll(t, db)
	ctx := context.Background()
	identity := identityFor(uintPtr(1), "1.1.1.1", testFP)

	record, _, err := service.Cast(ctx, identity, pollID, optionA)
	if err != nil {
		t.Fatalf("Cast失败: %v", err)
	}

	t.Run("非本人不能撤回", func(t *testing.T) {
		err := service.Retract(ctx, identityFor(uintPtr(2), "2.2.2.2", testFP), record.ID)
		assertVoteError(t, err, CodeInvalidVote)
	})

	t.Run("本人撤回成功并回退计数", func(t *testing.T) {
		if err := service.Retract(ctx, identity, record.ID); err != nil {
			t.Fatalf("Retract() error = %v", err)
		}
		var count int64
		db.Model(&VoteRecord{}).Count(&count)
		if count != 0 {
			t.Errorf("撤回后选票数 = %d, 期望 0", count)
		}
		var opt poll.PollOption
		db.First(&opt, optionA)
		if opt.CachedVoteCount != 0 {
			t.Errorf("撤回后选项票数 = %d, 期望 0", opt.CachedVoteCount)
		}
	})

	t.Run("撤回不存在的选票", func(t *testing.T) {
		err := service.Retract(ctx, identity, record.ID)
		assertVoteError(t, err, CodePollNotFound)
	})
}

func TestListByVoter(t *testing.T) {
	service, db := newServiceTestEnv(t)
	pollID, optionA, _ := seedPoll(t, db)
	ctx := context.Background()

	if _, _, err := service.Cast(ctx, identityFor(uintPtr(1), "1.1.1.1", testFP), pollID, optionA); err != nil {
		t.Fatalf("Cast失败: %v", err)
	}

	records, err := service.ListByVoter(identityFor(uintPtr(1), "other", "other"), nil)
	if err != nil {
		t.Fatalf("ListByVoter() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("选票数 = %d, 期望 1", len(records))
	}

	none, err := service.ListByVoter(identityFor(uintPtr(2), "1.1.1.1", testFP), nil)
	if err != nil {
		t.Fatalf("ListByVoter() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("其他用户不应看到别人的选票: %d", len(none))
	}
}
