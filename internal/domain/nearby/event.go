package nearby

import "time"

// EventType 事件类型标识
type EventType string

const (
	// 会话级事件
	EventTypeSearchStarted   EventType = "search_started"
	EventTypeSearchCompleted EventType = "search_completed"
	EventTypeSearchCancelled EventType = "search_cancelled"
	EventTypeSearchFailed    EventType = "search_failed"

	// 波次/记录级事件
	EventTypeWaveStarted    EventType = "wave_started"
	EventTypeRecordResolved EventType = "record_resolved"
)

// Event 面向外部消费者（SSE、持久化）的搜索事件
type Event struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"session_id"`
	TargetID     int64     `json:"target_id"`
	Wave         int       `json:"wave,omitempty"`
	Record       *Record   `json:"record,omitempty"`
	CandidateIDs []int64   `json:"candidate_ids,omitempty"`
	Progress     float64   `json:"progress"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`

	// Session 事件所属会话，供进程内消费者（持久化）读取终态数据
	Session *Session `json:"-"`
}

// Listener 事件回调。记录事件可能来自并发的查询协程，实现必须并发安全且不阻塞。
type Listener func(Event)

// IsTerminal 是否为会话终态事件
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventTypeSearchCompleted, EventTypeSearchCancelled, EventTypeSearchFailed:
		return true
	}
	return false
}

// NewSearchStartedEvent 创建会话开始事件
func NewSearchStartedEvent(s *Session) Event {
	return Event{Type: EventTypeSearchStarted, SessionID: s.ID, TargetID: s.Request.TargetID, At: time.Now(), Session: s}
}

// NewWaveStartedEvent 创建波次开始事件（携带候选 ID，供占位渲染）
func NewWaveStartedEvent(s *Session, wave int, ids []int64, progress float64) Event {
	return Event{
		Type:         EventTypeWaveStarted,
		SessionID:    s.ID,
		TargetID:     s.Request.TargetID,
		Wave:         wave,
		CandidateIDs: ids,
		Progress:     progress,
		At:           time.Now(),
		Session:      s,
	}
}

// NewRecordResolvedEvent 创建单条记录解析事件
func NewRecordResolvedEvent(s *Session, rec Record, progress float64) Event {
	return Event{
		Type:      EventTypeRecordResolved,
		SessionID: s.ID,
		TargetID:  s.Request.TargetID,
		Record:    &rec,
		Progress:  progress,
		At:        time.Now(),
		Session:   s,
	}
}

// NewSearchFinishedEvent 根据终态创建结束事件
func NewSearchFinishedEvent(s *Session, state State, progress float64, err error) Event {
	evt := Event{SessionID: s.ID, TargetID: s.Request.TargetID, Progress: progress, At: time.Now(), Session: s}
	switch state {
	case StateCompleted:
		evt.Type = EventTypeSearchCompleted
	case StateFailed:
		evt.Type = EventTypeSearchFailed
		if err != nil {
			evt.Error = err.Error()
		}
	default:
		evt.Type = EventTypeSearchCancelled
	}
	return evt
}
