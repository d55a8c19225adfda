package port

import "context"

// SearchRunRepository 搜索历史存储接口
type SearchRunRepository interface {
	CreateSearchRun(ctx context.Context, run *SearchRun) error
	ListSearchRuns(ctx context.Context, limit int) ([]*SearchRun, error)
}
