package nearby

import (
	"context"
	"log/slog"
	"math"
	"time"

	applog "vaultscan/internal/platform/log"
)

// RetryCoordinator 以缩小的批大小和指数退避重新驱动失败的 ID
type RetryCoordinator struct {
	executor   *BatchExecutor
	maxRetries int
	baseDelay  time.Duration
	sleep      SleepFunc
	logger     *slog.Logger
}

// NewRetryCoordinator 创建重试协调器，executor 为原始批大小的执行器
func NewRetryCoordinator(executor *BatchExecutor, maxRetries int, baseDelay time.Duration, sleep SleepFunc) *RetryCoordinator {
	if sleep == nil {
		sleep = sleepCtx
	}
	return &RetryCoordinator{
		executor:   executor,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		sleep:      sleep,
		logger:     applog.With("component", "retry_coordinator"),
	}
}

// RetryBatchSize 重试时使用的批大小：max(2, batchSize/2)
func RetryBatchSize(batchSize int) int {
	return max(2, batchSize/2)
}

// BackoffDelay 第 attempt 轮之后的等待时间：baseDelay * 2^attempt，溢出时饱和为最大 Duration
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return max(base, 0)
	}
	if attempt >= 63 || base > time.Duration(math.MaxInt64>>uint(attempt)) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(attempt)
}

// Retry 返回成功恢复的记录；重试耗尽后仍失败的 ID 被静默丢弃。
// 仅在取消或前置条件失败时返回错误。
func (r *RetryCoordinator) Retry(ctx context.Context, failedIDs []int64, pred Predicate, sink Sink) ([]Record, error) {
	exec := r.executor.WithBatchSize(RetryBatchSize(r.executor.BatchSize()))

	var recovered []Record
	pending := failedIDs
	attempt := 0

	for len(pending) > 0 && attempt < r.maxRetries {
		if ctx.Err() != nil {
			return nil, ErrSessionCancelled
		}

		r.logger.Info("[Search/Retry] Retry attempt",
			"attempt", attempt+1,
			"max", r.maxRetries,
			"ids", len(pending),
			"batch_size", exec.BatchSize(),
		)

		outcome, err := exec.Execute(ctx, pending, pred, sink)
		if err != nil {
			return nil, err
		}
		recovered = append(recovered, outcome.Succeeded...)
		pending = outcome.Failed
		attempt++

		if len(pending) == 0 {
			r.logger.Info("[Search/Retry] All failed ids recovered", "attempts", attempt)
			break
		}

		if attempt < r.maxRetries {
			if ctx.Err() != nil {
				return nil, ErrSessionCancelled
			}
			delay := BackoffDelay(r.baseDelay, attempt)
			r.logger.Debug("[Search/Retry] Backing off", "delay", delay, "attempt", attempt)
			if err := r.sleep(ctx, delay); err != nil || ctx.Err() != nil {
				return nil, ErrSessionCancelled
			}
		}
	}

	if len(pending) > 0 {
		r.logger.Warn("[Search/Retry] Abandoning ids",
			"ids", pending,
			"attempts", attempt,
			"error", ErrRetriesExhausted,
		)
	}

	return recovered, nil
}
