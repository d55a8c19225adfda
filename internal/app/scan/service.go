package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"vaultscan/internal/domain/nearby"
	"vaultscan/internal/domain/port"
	"vaultscan/internal/domain/vault"
	applog "vaultscan/internal/platform/log"
)

const (
	labelCollateral   = "collateral_type"
	persistTimeout    = 5 * time.Second
	defaultRatesTTL   = 5 * time.Minute
	defaultSubscriber = 64
)

// RateSource 抵押品费率来源（链上 ilks）
type RateSource interface {
	Rates(ctx context.Context) (map[string]*big.Int, error)
}

// Options 服务依赖；Runs、Rates 可为 nil
type Options struct {
	Engine   *nearby.Config
	Fetcher  nearby.RecordFetcher
	Rates    RateSource
	RatesTTL time.Duration
	Runs     port.SearchRunRepository
	Observer nearby.Observer
	Sleep    nearby.SleepFunc
}

// StartSearchRequest 发起搜索的参数
type StartSearchRequest struct {
	TargetID       int64  `json:"target_id"`
	CollateralType string `json:"collateral_type,omitempty"`
	Size           int    `json:"size,omitempty"`
}

// SearchView 会话快照 + 金库展示结构
type SearchView struct {
	nearby.Snapshot
	Results []vault.View `json:"results"`
}

// Service 金库邻近搜索应用服务：持有控制器、分发事件、异步落库
type Service struct {
	controller *nearby.Controller
	runs       port.SearchRunRepository
	logger     *slog.Logger

	rates      RateSource
	ratesTTL   time.Duration
	ratesMu    sync.Mutex
	ratesCache map[string]*big.Int
	ratesAt    time.Time

	subsMu  sync.RWMutex
	subs    map[uint64]chan nearby.Event
	nextSub uint64
	closed  bool

	persistWG sync.WaitGroup
}

// NewService 创建应用服务
func NewService(opts Options) *Service {
	s := &Service{
		runs:     opts.Runs,
		rates:    opts.Rates,
		ratesTTL: opts.RatesTTL,
		subs:     make(map[uint64]chan nearby.Event),
		logger:   applog.With("component", "scan_service"),
	}
	if s.ratesTTL <= 0 {
		s.ratesTTL = defaultRatesTTL
	}

	ctrlOpts := []nearby.Option{nearby.WithListener(s.onEvent)}
	if opts.Observer != nil {
		ctrlOpts = append(ctrlOpts, nearby.WithObserver(opts.Observer))
	}
	if opts.Sleep != nil {
		ctrlOpts = append(ctrlOpts, nearby.WithSleep(opts.Sleep))
	}
	s.controller = nearby.NewController(opts.Fetcher, opts.Engine, ctrlOpts...)
	return s
}

// StartSearch 发起新搜索，正在运行的旧搜索会被立即取消
func (s *Service) StartSearch(ctx context.Context, req StartSearchRequest) (*SearchView, error) {
	ct, err := vault.ParseCollateralType(req.CollateralType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nearby.ErrInvalidRequest, err)
	}

	sess, err := s.controller.Search(nearby.SearchRequest{
		TargetID:   req.TargetID,
		Filter:     vault.CollateralFilter(ct),
		TargetSize: req.Size,
		Labels:     map[string]string{labelCollateral: string(ct)},
	})
	if err != nil {
		return nil, err
	}

	view := s.buildView(ctx, sess.Snapshot())
	return &view, nil
}

// Current 当前会话视图
func (s *Service) Current(ctx context.Context) SearchView {
	return s.buildView(ctx, s.controller.Snapshot())
}

// Session 当前会话，无会话时返回 nil
func (s *Service) Session() *nearby.Session {
	return s.controller.Current()
}

// Cancel 取消当前搜索
func (s *Service) Cancel() bool {
	return s.controller.Cancel()
}

// Subscribe 订阅引擎事件；消费过慢时事件被丢弃而不阻塞搜索
func (s *Service) Subscribe(buffer int) (<-chan nearby.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriber
	}
	ch := make(chan nearby.Event, buffer)

	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// History 最近的搜索记录；未配置持久化时返回空列表
func (s *Service) History(ctx context.Context, limit int) ([]*port.SearchRun, error) {
	if s.runs == nil {
		return []*port.SearchRun{}, nil
	}
	return s.runs.ListSearchRuns(ctx, limit)
}

// CollateralRates 各抵押品的费率累加器，按 TTL 缓存
func (s *Service) CollateralRates(ctx context.Context) (map[string]*big.Int, error) {
	if s.rates == nil {
		return map[string]*big.Int{}, nil
	}

	s.ratesMu.Lock()
	defer s.ratesMu.Unlock()
	if s.ratesCache != nil && time.Since(s.ratesAt) < s.ratesTTL {
		return s.ratesCache, nil
	}

	rates, err := s.rates.Rates(ctx)
	if err != nil {
		if s.ratesCache != nil {
			s.logger.Warn("[Scan/Rates] Refresh failed, serving stale rates", "error", err)
			return s.ratesCache, nil
		}
		return nil, err
	}
	s.ratesCache = rates
	s.ratesAt = time.Now()
	return rates, nil
}

// Close 取消搜索、等待落库完成并关闭所有订阅
func (s *Service) Close() {
	s.controller.Close()
	s.persistWG.Wait()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Service) buildView(ctx context.Context, snap nearby.Snapshot) SearchView {
	var rates map[string]*big.Int
	if len(snap.Results) > 0 {
		r, err := s.CollateralRates(ctx)
		if err != nil {
			s.logger.Warn("[Scan/Rates] Rates unavailable, debt shown as 0", "error", err)
		}
		rates = r
	}
	return SearchView{Snapshot: snap, Results: vault.Views(snap.Results, rates)}
}

// onEvent 控制器事件回调：广播给订阅者，终态事件异步落库
func (s *Service) onEvent(evt nearby.Event) {
	s.subsMu.RLock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	s.subsMu.RUnlock()

	if evt.IsTerminal() && s.runs != nil && evt.Session != nil {
		run := newSearchRun(evt)
		s.persistWG.Add(1)
		go s.persist(run)
	}
}

func (s *Service) persist(run *port.SearchRun) {
	defer s.persistWG.Done()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.runs.CreateSearchRun(ctx, run); err != nil {
		s.logger.Error("[Scan/History] Failed to persist search run", "session_id", run.SessionID, "error", err)
		return
	}
	s.logger.Debug("[Scan/History] Search run persisted", "session_id", run.SessionID, "status", run.Status)
}

func newSearchRun(evt nearby.Event) *port.SearchRun {
	sess := evt.Session
	snap := sess.Snapshot()
	results := sess.Results()

	ids := make([]int64, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}

	run := &port.SearchRun{
		SessionID:      sess.ID,
		TargetID:       sess.Request.TargetID,
		CollateralType: sess.Request.Labels[labelCollateral],
		TargetSize:     snap.TargetSize,
		Found:          len(ids),
		Progress:       evt.Progress,
		ResultIDs:      ids,
		Error:          evt.Error,
	}
	if run.CollateralType == "" {
		run.CollateralType = string(vault.CollateralAll)
	}
	switch evt.Type {
	case nearby.EventTypeSearchCompleted:
		run.Status = port.RunStatusCompleted
	case nearby.EventTypeSearchFailed:
		run.Status = port.RunStatusFailed
	default:
		run.Status = port.RunStatusCancelled
	}
	if snap.StartedAt != nil {
		run.StartedAt = *snap.StartedAt
	}
	finished := evt.At
	if snap.FinishedAt != nil {
		finished = *snap.FinishedAt
	}
	run.FinishedAt = &finished
	run.ElapsedMs = finished.Sub(run.StartedAt).Milliseconds()
	return run
}

// IsInvalidRequest 请求参数错误（映射为 400）
func IsInvalidRequest(err error) bool {
	return errors.Is(err, nearby.ErrInvalidRequest)
}
