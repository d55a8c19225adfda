package nearby

import (
	"context"
	"time"
)

// Record 以正整数 ID 标识的远端记录，Payload 取回后不可变
type Record struct {
	ID      int64 `json:"id"`
	Payload any   `json:"payload,omitempty"`
}

// Predicate 记录过滤条件，nil 表示全部接受
type Predicate func(Record) bool

// Accept 判断记录是否满足过滤条件
func (p Predicate) Accept(r Record) bool {
	if p == nil {
		return true
	}
	return p(r)
}

// MaxTargetSize 单次搜索允许的最大目标结果数
const MaxTargetSize = 500

// SearchRequest 一次搜索请求，生命周期内不可变
type SearchRequest struct {
	TargetID   int64
	Filter     Predicate
	TargetSize int // 0 表示使用控制器默认值，上限 MaxTargetSize
	Labels     map[string]string
}

// BatchOutcome 单个波次的执行结果（按输入顺序）
type BatchOutcome struct {
	Succeeded []Record
	Failed    []int64
}

// SleepFunc 可被 context 打断的等待函数（测试中可替换）
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sink 接收逐条成功解析的记录
type Sink func(Record)

// Config 搜索引擎配置
type Config struct {
	TargetSize     int           // 目标结果数
	BatchSize      int           // 每批并发查询数
	BatchDelay     time.Duration // 批次/波次之间的间隔
	MaxRetries     int           // 失败 ID 的最大重试轮数
	RetryBaseDelay time.Duration // 指数退避基数
	MaxWaves       int           // 最大波次数，0 表示不限
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		TargetSize:     20,
		BatchSize:      5,
		BatchDelay:     3 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 3 * time.Second,
	}
}

func (c *Config) normalize() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.TargetSize <= 0 {
		out.TargetSize = def.TargetSize
	}
	if out.TargetSize > MaxTargetSize {
		out.TargetSize = MaxTargetSize
	}
	if out.BatchSize <= 0 {
		out.BatchSize = def.BatchSize
	}
	if out.BatchDelay < 0 {
		out.BatchDelay = 0
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.RetryBaseDelay < 0 {
		out.RetryBaseDelay = 0
	}
	if out.MaxWaves < 0 {
		out.MaxWaves = 0
	}
	return &out
}

// sleepCtx 按 d 等待，ctx 取消时立即返回
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func distance(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
