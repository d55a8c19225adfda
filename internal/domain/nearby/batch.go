package nearby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	applog "vaultscan/internal/platform/log"
)

// BatchExecutor 分批执行查询：批内并发、批间串行并按 batchDelay 控速
type BatchExecutor struct {
	fetcher    RecordFetcher
	batchSize  int
	batchDelay time.Duration
	sleep      SleepFunc
	observer   Observer
	logger     *slog.Logger
}

// NewBatchExecutor 创建批执行器
func NewBatchExecutor(fetcher RecordFetcher, batchSize int, batchDelay time.Duration, sleep SleepFunc) *BatchExecutor {
	if batchSize <= 0 {
		batchSize = 1
	}
	if sleep == nil {
		sleep = sleepCtx
	}
	return &BatchExecutor{
		fetcher:    fetcher,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		sleep:      sleep,
		observer:   noopObserver{},
		logger:     applog.With("component", "batch_executor"),
	}
}

// WithBatchSize 返回仅批大小不同的副本（重试时缩小批次）
func (b *BatchExecutor) WithBatchSize(n int) *BatchExecutor {
	if n <= 0 {
		n = 1
	}
	cp := *b
	cp.batchSize = n
	return &cp
}

// WithObserver 返回挂载观测钩子的副本
func (b *BatchExecutor) WithObserver(obs Observer) *BatchExecutor {
	if obs == nil {
		obs = noopObserver{}
	}
	cp := *b
	cp.observer = obs
	return &cp
}

// BatchSize 当前批大小
func (b *BatchExecutor) BatchSize() int {
	return b.batchSize
}

// Execute 执行一组 ID 的查询。
// 每条成功记录立即投递到 sink；批间等待或批开始前观察到取消时返回 ErrSessionCancelled。
func (b *BatchExecutor) Execute(ctx context.Context, ids []int64, pred Predicate, sink Sink) (*BatchOutcome, error) {
	outcome := &BatchOutcome{}

	for start := 0; start < len(ids); start += b.batchSize {
		if ctx.Err() != nil {
			return nil, ErrSessionCancelled
		}

		end := min(start+b.batchSize, len(ids))
		chunk := ids[start:end]

		succeeded, failed, err := b.runChunk(ctx, chunk, pred, sink)
		outcome.Succeeded = append(outcome.Succeeded, succeeded...)
		outcome.Failed = append(outcome.Failed, failed...)
		if err != nil {
			return nil, err
		}

		b.logger.Debug("[Search/Batch] Chunk processed",
			"ids", chunk,
			"succeeded", len(succeeded),
			"failed", len(failed),
		)

		if end < len(ids) {
			if err := b.sleep(ctx, b.batchDelay); err != nil || ctx.Err() != nil {
				return nil, ErrSessionCancelled
			}
		}
	}

	return outcome, nil
}

// runChunk 并发查询一个批次，所有 ID 都解析完毕后才返回（不因单个失败提前中止）
func (b *BatchExecutor) runChunk(ctx context.Context, chunk []int64, pred Predicate, sink Sink) ([]Record, []int64, error) {
	type slot struct {
		rec Record
		err error
	}
	slots := make([]slot, len(chunk))

	// 不使用 errgroup.WithContext：单个失败不能取消同批其他查询
	var g errgroup.Group
	g.SetLimit(len(chunk))
	for i, id := range chunk {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("[Search/Batch] Lookup panicked", "id", id, "panic", r)
					slots[i] = slot{err: fmt.Errorf("%w: lookup %d panicked: %v", ErrAborted, id, r)}
				}
			}()
			rec, err := fetchFiltered(ctx, b.fetcher, b.observer, id, pred)
			slots[i] = slot{rec: rec, err: err}
			if err == nil && sink != nil {
				sink(rec)
			}
			return nil
		})
	}
	_ = g.Wait()

	var (
		succeeded []Record
		failed    []int64
		fatal     error
	)
	for i, s := range slots {
		switch {
		case s.err == nil:
			succeeded = append(succeeded, s.rec)
		case errors.Is(s.err, ErrPrecondition), errors.Is(s.err, ErrAborted):
			if fatal == nil {
				fatal = s.err
			}
		default:
			failed = append(failed, chunk[i])
			if errors.Is(s.err, ErrFilteredOut) {
				b.logger.Debug("[Search/Batch] Record filtered out", "id", chunk[i])
			} else {
				b.logger.Debug("[Search/Batch] Lookup failed", "id", chunk[i], "error", s.err)
			}
		}
	}
	return succeeded, failed, fatal
}
