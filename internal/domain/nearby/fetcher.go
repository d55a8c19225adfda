package nearby

import (
	"context"
	"errors"
	"time"
)

// RecordFetcher 单 ID 点查的外部数据源，必须支持对不同 ID 的并发调用
type RecordFetcher interface {
	Fetch(ctx context.Context, id int64) (Record, error)
}

// FetcherFunc 函数适配器
type FetcherFunc func(ctx context.Context, id int64) (Record, error)

// Fetch 实现 RecordFetcher
func (f FetcherFunc) Fetch(ctx context.Context, id int64) (Record, error) {
	return f(ctx, id)
}

// fetchFiltered 查询单个 ID 并在取回后应用过滤条件。
// 普通失败统一包装为 *LookupError；前置条件错误原样返回，由上层终止会话。
func fetchFiltered(ctx context.Context, f RecordFetcher, obs Observer, id int64, pred Predicate) (Record, error) {
	if f == nil {
		return Record{}, errors.Join(ErrPrecondition, errors.New("record fetcher is not initialized"))
	}

	start := time.Now()
	rec, err := f.Fetch(ctx, id)
	obs.FetchFinished(ctx, id, time.Since(start), err)

	if err != nil {
		if errors.Is(err, ErrPrecondition) {
			return Record{}, err
		}
		return Record{}, &LookupError{ID: id, Err: err}
	}
	if rec.ID == 0 {
		rec.ID = id
	}
	if !pred.Accept(rec) {
		return Record{}, &LookupError{ID: id, Err: ErrFilteredOut}
	}
	return rec, nil
}
