package nearby

import (
	"context"
	"time"
)

// Observer 会话与查询的观测钩子（telemetry 实现）
type Observer interface {
	// SessionStarted 会话开始，返回的 ctx 用于该会话的所有查询
	SessionStarted(ctx context.Context, s *Session) context.Context
	// SessionFinished 会话进入终态
	SessionFinished(ctx context.Context, s *Session)
	// FetchFinished 单次查询结束
	FetchFinished(ctx context.Context, id int64, elapsed time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) SessionStarted(ctx context.Context, _ *Session) context.Context { return ctx }
func (noopObserver) SessionFinished(context.Context, *Session)                        {}
func (noopObserver) FetchFinished(context.Context, int64, time.Duration, error)        {}
