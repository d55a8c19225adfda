package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"vaultscan/internal/domain/port"
	applog "vaultscan/internal/platform/log"
)

type SearchRun = port.SearchRun
type RunStatus = port.RunStatus

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Repository 搜索历史 PostgreSQL 存储
type Repository struct {
	db *sql.DB
}

// NewRepository 创建 PostgreSQL 存储
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Open 打开连接池并校验连通性
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSearchRunsTable 确保 search_runs 表存在
func (r *Repository) EnsureSearchRunsTable(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS search_runs (
		id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		session_id      UUID NOT NULL UNIQUE,
		target_id       BIGINT NOT NULL,
		collateral_type VARCHAR(32) NOT NULL DEFAULT 'All',
		target_size     INTEGER NOT NULL,
		status          VARCHAR(32) NOT NULL,
		found           INTEGER NOT NULL DEFAULT 0,
		progress        DOUBLE PRECISION NOT NULL DEFAULT 0,
		result_ids      BIGINT[] NOT NULL DEFAULT '{}',
		error           TEXT NOT NULL DEFAULT '',
		elapsed_ms      BIGINT NOT NULL DEFAULT 0,
		started_at      TIMESTAMPTZ NOT NULL,
		finished_at     TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_search_runs_started ON search_runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_search_runs_target ON search_runs(target_id);
	`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// CreateSearchRun 写入一条已结束的搜索会话
func (r *Repository) CreateSearchRun(ctx context.Context, run *SearchRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.ResultIDs == nil {
		run.ResultIDs = []int64{}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO search_runs (id, session_id, target_id, collateral_type, target_size, status, found, progress, result_ids, error, elapsed_ms, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (session_id) DO NOTHING`,
		run.ID, run.SessionID, run.TargetID, run.CollateralType, run.TargetSize, run.Status, run.Found, run.Progress,
		pq.Array(run.ResultIDs), run.Error, run.ElapsedMs, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		applog.Warn("[Storage] Failed to insert search run", "session_id", run.SessionID, "error", err)
	}
	return err
}

// ListSearchRuns 按开始时间倒序列出最近的搜索会话
func (r *Repository) ListSearchRuns(ctx context.Context, limit int) ([]*SearchRun, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, target_id, collateral_type, target_size, status, found, progress, result_ids, error, elapsed_ms, started_at, finished_at
		 FROM search_runs ORDER BY started_at DESC LIMIT $1`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*SearchRun, 0)
	for rows.Next() {
		run := &SearchRun{}
		var ids pq.Int64Array
		var finishedAt sql.NullTime
		if err := rows.Scan(
			&run.ID, &run.SessionID, &run.TargetID, &run.CollateralType, &run.TargetSize, &run.Status,
			&run.Found, &run.Progress, &ids, &run.Error, &run.ElapsedMs, &run.StartedAt, &finishedAt,
		); err != nil {
			return nil, err
		}
		run.ResultIDs = []int64(ids)
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
