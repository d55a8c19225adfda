package port

import "time"

// RunStatus 搜索会话的终态
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// SearchRun 一次已结束的搜索会话记录
type SearchRun struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	TargetID       int64      `json:"target_id"`
	CollateralType string     `json:"collateral_type"`
	TargetSize     int        `json:"target_size"`
	Status         RunStatus  `json:"status"`
	Found          int        `json:"found"`
	Progress       float64    `json:"progress"`
	ResultIDs      []int64    `json:"result_ids"`
	Error          string     `json:"error,omitempty"`
	ElapsedMs      int64      `json:"elapsed_ms"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}
