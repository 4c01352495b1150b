// Package history は同期実行履歴の永続化を提供する。
// 履歴の保存は任意機能で、データベース未設定時は何もしない実装を使用する。
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/banksync/internal/model"
)

// SyncRunRepository は同期実行履歴の永続化インターフェース。
type SyncRunRepository interface {
	// Start は実行中レコードを作成し、実行IDを返す。
	Start(ctx context.Context, startedAt time.Time) (string, error)

	// Finish は実行レコードを終了状態と要約で更新する。
	Finish(ctx context.Context, id string, status model.SyncRunStatus, summary string) error

	// Recent は直近の実行履歴を新しい順に返す。
	Recent(ctx context.Context, limit int) ([]model.SyncRun, error)
}

// PostgresSyncRunRepo はSyncRunRepositoryのPostgreSQL実装。
type PostgresSyncRunRepo struct {
	db *sql.DB
}

// NewPostgresSyncRunRepo はPostgresSyncRunRepoの新しいインスタンスを生成する。
func NewPostgresSyncRunRepo(db *sql.DB) *PostgresSyncRunRepo {
	return &PostgresSyncRunRepo{db: db}
}

// Start は実行中レコードを作成し、実行IDを返す。
func (r *PostgresSyncRunRepo) Start(ctx context.Context, startedAt time.Time) (string, error) {
	id := uuid.NewString()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, started_at, status, summary)
		VALUES ($1, $2, $3, '')
	`, id, startedAt, model.SyncRunStatusRunning)
	if err != nil {
		return "", fmt.Errorf("同期実行履歴の作成に失敗しました: %w", err)
	}

	return id, nil
}

// Finish は実行レコードを終了状態と要約で更新する。
func (r *PostgresSyncRunRepo) Finish(ctx context.Context, id string, status model.SyncRunStatus, summary string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET finished_at = $2, status = $3, summary = $4
		WHERE id = $1
	`, id, time.Now(), status, summary)
	if err != nil {
		return fmt.Errorf("同期実行履歴の更新に失敗しました: %w", err)
	}

	return nil
}

// Recent は直近の実行履歴を新しい順に返す。
func (r *PostgresSyncRunRepo) Recent(ctx context.Context, limit int) ([]model.SyncRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, summary
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("同期実行履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		var run model.SyncRun
		var finishedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.StartedAt, &finishedAt, &run.Status, &run.Summary); err != nil {
			return nil, fmt.Errorf("同期実行履歴の読み取りに失敗しました: %w", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// NopSyncRunRepo は履歴を保存しないSyncRunRepository実装。
// データベース未設定時に使用する。
type NopSyncRunRepo struct{}

// Start は空の実行IDを返す。
func (NopSyncRunRepo) Start(_ context.Context, _ time.Time) (string, error) {
	return "", nil
}

// Finish は何もしない。
func (NopSyncRunRepo) Finish(_ context.Context, _ string, _ model.SyncRunStatus, _ string) error {
	return nil
}

// Recent は空の履歴を返す。
func (NopSyncRunRepo) Recent(_ context.Context, _ int) ([]model.SyncRun, error) {
	return nil, nil
}
