package nearby

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State 会话状态
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Session 一次可取消的搜索执行单元，持有自己的结果累加器
type Session struct {
	ID         string
	Request    SearchRequest
	targetSize int
	generation uint64

	ctx    context.Context
	cancel context.CancelFunc

	// 由控制器注入：当前会话判定与事件发射
	isCurrent func() bool
	emit      func(Event)

	mu         sync.RWMutex
	state      State
	records    map[int64]Record
	candidates []int64
	progress   float64
	err        error
	startedAt  time.Time
	finishedAt time.Time

	done chan struct{}
}

func newSession(parent context.Context, req SearchRequest, targetSize int, generation uint64) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:         uuid.New().String(),
		Request:    req,
		targetSize: targetSize,
		generation: generation,
		ctx:        ctx,
		cancel:     cancel,
		isCurrent:  func() bool { return true },
		emit:       func(Event) {},
		state:      StateRunning,
		records:    make(map[int64]Record),
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// active 会话仍是当前会话且未被取消
func (s *Session) active() bool {
	return s.ctx.Err() == nil && s.isCurrent()
}

// publish 写入一条成功记录并重新计算进度；已被取代的会话直接丢弃
func (s *Session) publish(rec Record) {
	if !s.active() {
		return
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	_, exists := s.records[rec.ID]
	if !exists {
		s.records[rec.ID] = rec
	}
	s.progress = s.computeProgressLocked()
	progress := s.progress
	s.mu.Unlock()

	if !exists {
		s.emit(NewRecordResolvedEvent(s, rec, progress))
	}
}

func (s *Session) merge(recs []Record) {
	for _, rec := range recs {
		s.publish(rec)
	}
}

func (s *Session) computeProgressLocked() float64 {
	if s.targetSize <= 0 {
		return 0
	}
	n := min(len(s.records), s.targetSize)
	return float64(n) / float64(s.targetSize) * 100
}

func (s *Session) addCandidates(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, ids...)
	SortByDistance(s.candidates, s.Request.TargetID)
}

// keys 返回已解析 ID 集合的副本（作为生成器的排除集）
func (s *Session) keys() map[int64]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]struct{}, len(s.records))
	for id := range s.records {
		out[id] = struct{}{}
	}
	return out
}

func (s *Session) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// finish 从 running 迁移到终态，重复调用返回 false
func (s *Session) finish(state State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return false
	}
	s.state = state
	if state == StateFailed {
		s.err = err
	}
	if state == StateCompleted {
		s.progress = 100
	}
	s.finishedAt = time.Now()
	return true
}

// supersede 同步取消会话并标记为 cancelled
func (s *Session) supersede() bool {
	s.cancel()
	return s.finish(StateCancelled, nil)
}

// Done 会话协程退出时关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait 阻塞直到会话协程退出或 ctx 取消
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State 当前状态
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err 终态错误（仅 failed 时非空）
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Progress 当前进度 [0,100]
func (s *Session) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

// Results 按与目标距离排序并截断到 targetSize 的结果
func (s *Session) Results() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resultsLocked()
}

func (s *Session) resultsLocked() []Record {
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	target := s.Request.TargetID
	sort.Slice(out, func(i, j int) bool {
		di, dj := distance(out[i].ID, target), distance(out[j].ID, target)
		if di != dj {
			return di < dj
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > s.targetSize {
		out = out[:s.targetSize]
	}
	return out
}

// Snapshot 面向 UI 的只读视图
type Snapshot struct {
	SessionID    string            `json:"session_id,omitempty"`
	TargetID     int64             `json:"target_id,omitempty"`
	TargetSize   int               `json:"target_size,omitempty"`
	State        State             `json:"state"`
	Results      []Record          `json:"results"`
	Loading      bool              `json:"loading"`
	Progress     float64           `json:"progress"`
	Error        string            `json:"error,omitempty"`
	CandidateIDs []int64           `json:"candidate_ids,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

// IdleSnapshot 尚无会话时的视图
func IdleSnapshot() Snapshot {
	return Snapshot{State: StateIdle, Results: []Record{}}
}

// Snapshot 生成当前视图；failed 状态下隐藏部分结果，错误优先
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	started := s.startedAt
	snap := Snapshot{
		SessionID:    s.ID,
		TargetID:     s.Request.TargetID,
		TargetSize:   s.targetSize,
		State:        s.state,
		Loading:      s.state == StateRunning,
		Progress:     s.progress,
		CandidateIDs: append([]int64(nil), s.candidates...),
		Labels:       s.Request.Labels,
		StartedAt:    &started,
	}
	if !s.finishedAt.IsZero() {
		finished := s.finishedAt
		snap.FinishedAt = &finished
	}
	if s.state == StateFailed {
		snap.Results = []Record{}
		if s.err != nil {
			snap.Error = s.err.Error()
		}
		return snap
	}
	snap.Results = s.resultsLocked()
	return snap
}
