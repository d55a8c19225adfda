package nearby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var errUpstream = errors.New("upstream: Too Many Requests")

// stubFetcher 可编程的数据源桩：记录调用次数与最大并发
type stubFetcher struct {
	mu    sync.Mutex
	calls map[int64]int
	total int

	// fail 返回非 nil 时该次查询失败；attempt 从 1 开始
	fail  func(id int64, attempt int) error
	delay time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newStubFetcher(fail func(id int64, attempt int) error) *stubFetcher {
	return &stubFetcher{calls: make(map[int64]int), fail: fail}
}

func (f *stubFetcher) Fetch(ctx context.Context, id int64) (Record, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[id]++
	f.total++
	attempt := f.calls[id]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		if err := f.fail(id, attempt); err != nil {
			return Record{}, err
		}
	}
	return Record{ID: id, Payload: fmt.Sprintf("record-%d", id)}, nil
}

func (f *stubFetcher) callsFor(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *stubFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// recordingSleep 记录每次等待时长，立即返回
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func recordIDs(recs []Record) []int64 {
	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

// eventLog 并发安全的事件收集器
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listen(evt Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

// afterTerminal 返回各会话在自身终态事件之后仍被发出的事件
func (l *eventLog) afterTerminal() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	ended := make(map[string]bool)
	var late []Event
	for _, e := range l.events {
		if ended[e.SessionID] {
			late = append(late, e)
			continue
		}
		if e.IsTerminal() {
			ended[e.SessionID] = true
		}
	}
	return late
}

func (l *eventLog) forSession(id string, typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.SessionID == id && e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
