package nearby

import (
	"errors"
	"fmt"
)

var (
	// ErrLookupFailure 单个 ID 查询失败（网络、不存在、限流），由重试协调器本地恢复
	ErrLookupFailure = errors.New("lookup failure")

	// ErrFilteredOut 记录取回成功但不满足过滤条件
	ErrFilteredOut = errors.New("record rejected by filter")

	// ErrRetriesExhausted 重试耗尽后仍失败，仅记录日志，不向调用方暴露
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrSessionCancelled 会话被新的搜索取代或被显式取消
	ErrSessionCancelled = errors.New("search session cancelled")

	// ErrPrecondition 前置条件不满足（如数据源未初始化），对会话是致命错误
	ErrPrecondition = errors.New("precondition failed")

	// ErrAborted 查询或主循环发生 panic，会话以 failed 结束
	ErrAborted = errors.New("search aborted")
)

// LookupError 带 ID 的查询失败
type LookupError struct {
	ID  int64
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %d: %v", e.ID, e.Err)
}

func (e *LookupError) Unwrap() []error {
	return []error{ErrLookupFailure, e.Err}
}

// IsCancelled 判断错误是否属于取消（不应作为用户可见错误）
func IsCancelled(err error) bool {
	return errors.Is(err, ErrSessionCancelled)
}
