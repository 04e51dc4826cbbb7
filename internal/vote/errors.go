package vote

import "errors"

// 对外暴露的稳定错误码。调用方依据错误码而不是错误文本做分支。
const (
	CodePollNotFound  = "POLL_NOT_FOUND"
	CodeInvalidPoll   = "INVALID_POLL"
	CodeInvalidVote   = "INVALID_VOTE"
	CodePollClosed    = "POLL_CLOSED"
	CodeDuplicateVote = "DUPLICATE_VOTE"
	CodeFraudDetected = "FRAUD_DETECTED"
	CodeInternalError = "INTERNAL_ERROR"
)

// Error 是投票核心对外的类型化拒绝。
// Code 机器可读且稳定，Message 面向人类，二者都不包含内部细节。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError 构造一个类型化拒绝。
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsVoteError 尝试从错误链中提取类型化拒绝。
// 提取失败说明是内部错误，边界处应转换为 CodeInternalError。
func AsVoteError(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
