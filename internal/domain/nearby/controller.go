package nearby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	applog "vaultscan/internal/platform/log"
)

// ErrInvalidRequest 搜索请求参数非法
var ErrInvalidRequest = errors.New("invalid search request")

// Controller 搜索状态机：生成 → 查询 → 重试 → 累加，直到凑满目标数量。
// 任意时刻最多只有一个活动会话，新的搜索会立即取消旧会话。
type Controller struct {
	fetcher  RecordFetcher
	config   *Config
	sleep    SleepFunc
	observer Observer
	listener Listener
	logger   *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// generation 单调递增；会话的每次写入都先比对自己的 generation
	generation atomic.Uint64
	current    atomic.Pointer[Session]
	// handoff 串行化并发的 Search 调用与事件发射，保证"先取消旧会话再发布新会话"。
	// listener 在持有 handoff 时被调用，不能反过来调用 Search/Cancel。
	handoff sync.Mutex
	wg      sync.WaitGroup
}

// Option 控制器选项
type Option func(*Controller)

// WithSleep 替换等待函数（测试中记录/跳过退避）
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithObserver 挂载观测钩子
func WithObserver(obs Observer) Option {
	return func(c *Controller) {
		if obs != nil {
			c.observer = obs
		}
	}
}

// WithListener 挂载事件回调
func WithListener(l Listener) Option {
	return func(c *Controller) {
		c.listener = l
	}
}

// NewController 创建控制器
func NewController(fetcher RecordFetcher, config *Config, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		fetcher:    fetcher,
		config:     config.normalize(),
		sleep:      sleepCtx,
		observer:   noopObserver{},
		logger:     applog.With("component", "search_controller"),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config 返回生效的配置副本
func (c *Controller) Config() Config {
	return *c.config
}

// Search 启动新的搜索会话（非阻塞），并立即取消正在运行的旧会话
func (c *Controller) Search(req SearchRequest) (*Session, error) {
	if req.TargetID <= 0 {
		return nil, fmt.Errorf("%w: target id must be a positive integer", ErrInvalidRequest)
	}
	if req.TargetSize < 0 || req.TargetSize > MaxTargetSize {
		return nil, fmt.Errorf("%w: size must be in 0..%d", ErrInvalidRequest, MaxTargetSize)
	}
	if c.baseCtx.Err() != nil {
		return nil, fmt.Errorf("%w: controller closed", ErrPrecondition)
	}
	targetSize := req.TargetSize
	if targetSize == 0 {
		targetSize = c.config.TargetSize
	}

	c.handoff.Lock()
	defer c.handoff.Unlock()

	gen := c.generation.Add(1)
	if old := c.current.Load(); old != nil {
		if old.supersede() {
			c.logger.Info("[Search] Superseded running session",
				"session_id", old.ID,
				"target_id", old.Request.TargetID,
			)
			c.emit(NewSearchFinishedEvent(old, StateCancelled, old.Progress(), nil))
		}
	}

	s := newSession(c.baseCtx, req, targetSize, gen)
	s.isCurrent = func() bool { return c.generation.Load() == s.generation }
	// 判定与发射都在 handoff 内完成：旧会话的终态事件之后不会再有它的事件
	s.emit = func(evt Event) {
		c.handoff.Lock()
		defer c.handoff.Unlock()
		if s.isCurrent() {
			c.emit(evt)
		}
	}
	c.current.Store(s)

	c.logger.Info("[Search] Session started",
		"session_id", s.ID,
		"target_id", req.TargetID,
		"target_size", targetSize,
	)
	c.emit(NewSearchStartedEvent(s))

	c.wg.Add(1)
	go c.run(s)
	return s, nil
}

// Current 当前会话（可能已结束），无会话时返回 nil
func (c *Controller) Current() *Session {
	return c.current.Load()
}

// Snapshot 当前会话视图
func (c *Controller) Snapshot() Snapshot {
	s := c.current.Load()
	if s == nil {
		return IdleSnapshot()
	}
	return s.Snapshot()
}

// Cancel 取消当前活动会话，返回是否确有会话被取消
func (c *Controller) Cancel() bool {
	c.handoff.Lock()
	defer c.handoff.Unlock()

	s := c.current.Load()
	if s == nil || !s.supersede() {
		return false
	}
	c.logger.Info("[Search] Session cancelled", "session_id", s.ID)
	c.emit(NewSearchFinishedEvent(s, StateCancelled, s.Progress(), nil))
	return true
}

// Close 取消所有会话并等待协程退出
func (c *Controller) Close() {
	c.Cancel()
	c.baseCancel()
	c.wg.Wait()
}

func (c *Controller) emit(evt Event) {
	if c.listener != nil {
		c.listener(evt)
	}
}

// run 会话协程：执行主循环并迁移到终态
func (c *Controller) run(s *Session) {
	defer c.wg.Done()
	defer close(s.done)

	ctx := c.observer.SessionStarted(s.ctx, s)
	err := c.safeLoop(ctx, s)

	var state State
	switch {
	case err == nil:
		state = StateCompleted
	case IsCancelled(err) || s.ctx.Err() != nil:
		state = StateCancelled
		err = nil
	default:
		state = StateFailed
	}

	if s.finish(state, err) {
		switch state {
		case StateCompleted:
			c.logger.Info("[Search] Session completed",
				"session_id", s.ID,
				"records", s.size(),
			)
		case StateFailed:
			c.logger.Error("[Search] Session failed", "session_id", s.ID, "error", err)
		default:
			c.logger.Info("[Search] Session cancelled", "session_id", s.ID)
		}
		c.emitFinal(s, NewSearchFinishedEvent(s, state, s.Progress(), err))
	}
	c.observer.SessionFinished(ctx, s)
}

// emitFinal 终态事件在主循环之外发射，listener panic 只记录
func (c *Controller) emitFinal(s *Session, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("[Search] Listener panicked on terminal event",
				"session_id", s.ID,
				"panic", r,
			)
		}
	}()
	s.emit(evt)
}

// safeLoop 将主循环中的 panic 转为 ErrAborted，避免拖垮整个进程
func (c *Controller) safeLoop(ctx context.Context, s *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("[Search] Session panicked",
				"session_id", s.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrAborted, r)
		}
	}()
	return c.loop(ctx, s)
}

// loop 显式循环实现的波次推进，取消检查点：生成前、查询后、重试后、波次间等待后
func (c *Controller) loop(ctx context.Context, s *Session) error {
	if c.fetcher == nil {
		return fmt.Errorf("%w: data source unavailable", ErrPrecondition)
	}

	cfg := c.config
	gen := NewIDGenerator(s.targetSize)
	exec := NewBatchExecutor(c.fetcher, cfg.BatchSize, cfg.BatchDelay, c.sleep).WithObserver(c.observer)
	retry := NewRetryCoordinator(exec, cfg.MaxRetries, cfg.RetryBaseDelay, c.sleep)
	pred := s.Request.Filter
	target := s.Request.TargetID

	offset := 0
	for wave := 1; ; wave++ {
		if !s.active() {
			return ErrSessionCancelled
		}

		ids := gen.Generate(target, offset, s.keys())
		s.addCandidates(ids)
		s.emit(NewWaveStartedEvent(s, wave, ids, s.Progress()))
		c.logger.Debug("[Search] Wave started",
			"session_id", s.ID,
			"wave", wave,
			"offset", offset,
			"ids", ids,
		)

		outcome, err := exec.Execute(ctx, ids, pred, s.publish)
		if err != nil {
			return err
		}
		if !s.active() {
			return ErrSessionCancelled
		}

		if len(outcome.Failed) > 0 {
			recovered, err := retry.Retry(ctx, outcome.Failed, pred, s.publish)
			if err != nil {
				return err
			}
			s.merge(recovered)
			if !s.active() {
				return ErrSessionCancelled
			}
		}

		if s.size() >= s.targetSize {
			return nil
		}
		if cfg.MaxWaves > 0 && wave >= cfg.MaxWaves {
			c.logger.Warn("[Search] Max waves reached, finishing with partial results",
				"session_id", s.ID,
				"waves", wave,
				"records", s.size(),
				"target_size", s.targetSize,
			)
			return nil
		}

		if err := c.sleep(ctx, cfg.BatchDelay); err != nil {
			return ErrSessionCancelled
		}
		if !s.active() {
			return ErrSessionCancelled
		}
		offset += gen.Step()
	}
}
