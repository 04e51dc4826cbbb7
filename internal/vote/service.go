package vote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SlpAus/provote-backend/internal/fraud"
	"github.com/SlpAus/provote-backend/internal/platform/events"
	"github.com/SlpAus/provote-backend/internal/poll"
	"github.com/SlpAus/provote-backend/pkg/token"
	"gorm.io/gorm"
)

// nowFunc 可在测试中替换以固定时间
var nowFunc = time.Now

// Service 是投票提交的编排器。
// 它把幂等检查、欺诈检测、事务落库和事后副作用串成一条固定顺序的管线。
type Service struct {
	db     *gorm.DB
	idem   *IdempotencyStore
	engine *fraud.Engine
	worker *fraud.Worker
	bus    events.Bus
}

// NewService 创建投票编排器。worker和bus允许为nil，相应的副作用会被跳过。
func NewService(db *gorm.DB, idem *IdempotencyStore, engine *fraud.Engine, worker *fraud.Worker, bus events.Bus) *Service {
	return &Service{db: db, idem: idem, engine: engine, worker: worker, bus: bus}
}

// Cast 提交一张选票，幂等键由服务端按(投票者, 投票, 选项)派生。
func (s *Service) Cast(ctx context.Context, identity *Identity, pollID, optionID uint) (*VoteRecord, bool, error) {
	return s.CastWithKey(ctx, identity, pollID, optionID, "")
}

// CastWithKey 提交一张选票。clientKey非空时采用客户端提供的幂等键，
// 格式必须是64位十六进制；为空时由服务端派生。
// 返回的bool表示这是否是一张新落库的选票：幂等重放时返回已有记录和false。
// 所有业务拒绝和内部失败都以*Error返回，handler据此映射HTTP状态码；
// 除幂等重放外，无论结局如何每次尝试都留下一条审计记录。
func (s *Service) CastWithKey(ctx context.Context, identity *Identity, pollID, optionID uint, clientKey string) (*VoteRecord, bool, error) {
	// 1. 校验投票和选项
	p, err := poll.GetByID(s.db, pollID)
	if err != nil {
		if errors.Is(err, poll.ErrNotFound) {
			return s.reject(identity, pollID, &optionID, NewError(CodePollNotFound, "投票不存在"))
		}
		return s.reject(identity, pollID, &optionID, NewError(CodeInternalError, "查询投票失败"))
	}
	// 草稿对外不可见，与不存在同样处理
	if p.IsDraft {
		return s.reject(identity, pollID, &optionID, NewError(CodePollNotFound, "投票不存在"))
	}
	if !p.IsOpen(nowFunc()) {
		return s.reject(identity, pollID, &optionID, NewError(CodePollClosed, "投票已关闭"))
	}

	opt, err := poll.GetOption(s.db, optionID)
	if err != nil {
		if errors.Is(err, poll.ErrNotFound) {
			return s.reject(identity, pollID, &optionID, NewError(CodeInvalidVote, "选项不存在"))
		}
		return s.reject(identity, pollID, &optionID, NewError(CodeInternalError, "查询选项失败"))
	}
	if opt.PollID != pollID {
		return s.reject(identity, pollID, &optionID, NewError(CodeInvalidVote, "选项不属于该投票"))
	}

	// 2. 匿名投票必须携带合法指纹
	if ok, msg := token.RequireFingerprintForAnonymous(identity.UserID, identity.Fingerprint); !ok {
		return s.reject(identity, pollID, &optionID, NewError(CodeInvalidVote, msg))
	}

	voterToken := identity.Token()
	key := clientKey
	if key == "" {
		key = s.idem.DeriveKey(voterToken, pollID, optionID)
	} else if !token.ValidateHexKey(key) {
		return s.reject(identity, pollID, &optionID, NewError(CodeInvalidVote, "幂等键格式无效"))
	}

	// 3. 幂等快路径：缓存命中直接重放。缓存可能指向已撤回的选票，
	// 所以必须回读数据库确认，读不到就当作未命中继续走主流程
	if hit, cached := s.idem.Check(ctx, key); hit {
		var record VoteRecord
		if err := s.db.First(&record, cached.VoteID).Error; err == nil {
			return &record, false, nil
		}
	}

	// 4. 幂等慢路径：数据库是最终事实来源，查询失败必须拒绝而不是放行
	existing, err := s.idem.CheckDurable(key)
	if err != nil {
		return s.reject(identity, pollID, &optionID, NewError(CodeInternalError, "幂等检查失败"))
	}
	if existing != nil {
		result := &CastResult{VoteID: existing.ID, PollID: existing.PollID, OptionID: existing.OptionID}
		s.idem.Store(ctx, key, result)
		return existing, false, nil
	}

	// 5. 注册用户在同一投票只能投一票（不同选项也算重复）
	if identity.UserID != nil {
		var count int64
		err := s.db.Model(&VoteRecord{}).
			Where("user_id = ? AND poll_id = ?", *identity.UserID, pollID).
			Count(&count).Error
		if err != nil {
			return s.reject(identity, pollID, &optionID, NewError(CodeInternalError, "重复投票检查失败"))
		}
		if count > 0 {
			return s.reject(identity, pollID, &optionID, NewError(CodeDuplicateVote, "您已经在该投票中投过票"))
		}
	}

	// 6. 实时欺诈检测。检测依赖的权威数据读取失败时拒绝投票
	verdict, err := s.engine.Evaluate(ctx, identity.Fingerprint, pollID, identity.UserID, identity.IPAddress)
	if err != nil {
		return s.reject(identity, pollID, &optionID, NewError(CodeInternalError, "欺诈检测失败"))
	}
	if verdict.BlockVote {
		return s.reject(identity, pollID, &optionID, NewError(CodeFraudDetected, "检测到可疑的投票行为，本次投票被拒绝"))
	}

	// 指纹更换检查是仅供参考的补充信号：标记入库但从不拦截
	churn, err := s.engine.DetectFingerprintChanges(identity.Fingerprint, identity.UserID, identity.IPAddress, pollID)
	if err != nil {
		return s.reject(identity, pollID, &optionID, NewError(CodeInternalError, "欺诈检测失败"))
	}
	reasons := JoinReasons(verdict.Reasons)
	score := verdict.RiskScore
	if churn.Suspicious {
		reasons = MergeReasons(reasons, churn.Reasons)
		score += churn.RiskScore
		if score > 100 {
			score = 100
		}
	}

	// 7. 事务落库：选票插入和计数更新要么同时成功要么同时回滚
	record := &VoteRecord{
		PollID:         pollID,
		OptionID:       optionID,
		UserID:         identity.UserID,
		VoterToken:     voterToken,
		Fingerprint:    identity.Fingerprint,
		IPAddress:      identity.IPAddress,
		UserAgent:      identity.UserAgent,
		IdempotencyKey: key,
		IsValid:        true,
		FraudReasons:   reasons,
		RiskScore:      score,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return poll.IncrementCounters(tx, pollID, optionID, 1)
	})
	if err != nil {
		// 唯一约束冲突有两种来源：幂等键（并发重放）或(user, poll)唯一索引。
		// 幂等键能查回记录的按重放处理，否则是用户级重复投票
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			replayed, derr := s.idem.CheckDurable(key)
			if derr == nil && replayed != nil {
				result := &CastResult{VoteID: replayed.ID, PollID: replayed.PollID, OptionID: replayed.OptionID}
				s.idem.Store(ctx, key, result)
				return replayed, false, nil
			}
			return s.reject(identity, pollID, &optionID, NewError(CodeDuplicateVote, "您已经在该投票中投过票"))
		}
		return s.reject(identity, pollID, &optionID, NewError(CodeInternalError, "选票写入失败"))
	}

	// 8. 事后副作用全部尽力而为，失败不回滚已落库的选票
	s.recordAttempt(identity, pollID, &optionID, key, true, "")
	s.idem.Store(ctx, key, &CastResult{VoteID: record.ID, PollID: pollID, OptionID: optionID})
	s.engine.RecordActivity(ctx, identity.Fingerprint, pollID, identity.UserID, identity.IPAddress)
	events.PublishAsync(s.bus, events.ResultsChannel, events.ResultsChangedEvent{PollID: pollID})
	if s.worker != nil {
		s.worker.Enqueue(fraud.DeepAnalysisRequest{
			Fingerprint: identity.Fingerprint,
			PollID:      pollID,
			UserID:      identity.UserID,
			IPAddress:   identity.IPAddress,
		})
	}

	return record, true, nil
}

// ListByVoter 返回当前身份在可选投票范围内的选票，按时间倒序。
func (s *Service) ListByVoter(identity *Identity, pollID *uint) ([]VoteRecord, error) {
	query := s.db.Model(&VoteRecord{}).Order("created_at DESC").Limit(100)
	if identity.UserID != nil {
		query = query.Where("user_id = ?", *identity.UserID)
	} else {
		query = query.Where("voter_token = ?", identity.Token())
	}
	if pollID != nil {
		query = query.Where("poll_id = ?", *pollID)
	}

	var records []VoteRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("查询选票失败: %w", err)
	}
	return records, nil
}

// Retract 撤回一张选票：仅限本人，且投票必须仍然开放。
// 删除和计数回退在同一事务内完成。
func (s *Service) Retract(ctx context.Context, identity *Identity, voteID uint) error {
	var record VoteRecord
	if err := s.db.First(&record, voteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewError(CodePollNotFound, "选票不存在")
		}
		return NewError(CodeInternalError, "查询选票失败")
	}

	// 归属校验：注册用户按user_id，匿名按voter_token
	owned := false
	if identity.UserID != nil {
		owned = record.UserID != nil && *record.UserID == *identity.UserID
	} else {
		owned = record.UserID == nil && record.VoterToken == identity.Token()
	}
	if !owned {
		return NewError(CodeInvalidVote, "只能撤回自己的选票")
	}

	p, err := poll.GetByID(s.db, record.PollID)
	if err != nil {
		return NewError(CodeInternalError, "查询投票失败")
	}
	if !p.IsOpen(nowFunc()) {
		return NewError(CodePollClosed, "投票已关闭，无法撤回")
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&VoteRecord{}, record.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 并发撤回时第二个请求什么也不用做
			return nil
		}
		return poll.IncrementCounters(tx, record.PollID, record.OptionID, -1)
	})
	if err != nil {
		return NewError(CodeInternalError, "撤回选票失败")
	}

	events.PublishAsync(s.bus, events.ResultsChannel, events.ResultsChangedEvent{PollID: record.PollID})
	return nil
}

// reject 在写完审计记录后返回错误，保证每次被拒绝或失败的尝试都有留痕。
func (s *Service) reject(identity *Identity, pollID uint, optionID *uint, verr *Error) (*VoteRecord, bool, error) {
	key := ""
	if identity.Fingerprint != "" || identity.UserID != nil {
		if optionID != nil {
			key = s.idem.DeriveKey(identity.Token(), pollID, *optionID)
		}
	}
	s.recordAttempt(identity, pollID, optionID, key, false, verr.Message)
	return nil, false, verr
}

// recordAttempt 写入投票尝试的审计记录。审计失败只记录日志。
func (s *Service) recordAttempt(identity *Identity, pollID uint, optionID *uint, key string, success bool, errMsg string) {
	attempt := &VoteAttempt{
		PollID:         pollID,
		OptionID:       optionID,
		UserID:         identity.UserID,
		VoterToken:     identity.VoterToken,
		IdempotencyKey: key,
		Fingerprint:    identity.Fingerprint,
		IPAddress:      identity.IPAddress,
		UserAgent:      identity.UserAgent,
		RequestID:      identity.RequestID,
		Success:        success,
		ErrorMessage:   errMsg,
	}
	if err := s.db.Create(attempt).Error; err != nil {
		fmt.Printf("警告: 投票审计记录写入失败: %v\n", err)
	}
}
