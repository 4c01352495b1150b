// Package worker はバックグラウンドタスクの実行ハンドルを提供する。
// 同期処理の本体と並行して走る元帳エクスポートの起動と合流に使用する。
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// outcome はタスクの実行結果。
type outcome struct {
	summary string
	err     error
}

// Handle は実行中のバックグラウンドタスクへの参照。
type Handle struct {
	name   string
	logger *slog.Logger
	done   chan outcome
}

// Start はタスクをgoroutineで起動し、ハンドルを返す。
// パニックはエラーに変換して回収する。
func Start(ctx context.Context, logger *slog.Logger, name string, fn func(ctx context.Context) (string, error)) *Handle {
	h := &Handle{
		name:   name,
		logger: logger,
		done:   make(chan outcome, 1),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.done <- outcome{err: fmt.Errorf("バックグラウンドタスクがパニックしました: %v", r)}
			}
		}()

		logger.Info("バックグラウンドタスクを開始します", slog.String("task", name))
		summary, err := fn(ctx)
		h.done <- outcome{summary: summary, err: err}
	}()

	return h
}

// Join はタスクの完了を追加の猶予時間まで待つ。
// 猶予内に完了しなかった場合は finished = false を返す。タスク自体は
// 継続しており、失敗として扱わない。
func (h *Handle) Join(extra time.Duration) (summary string, err error, finished bool) {
	select {
	case out := <-h.done:
		if out.err != nil {
			h.logger.Warn("バックグラウンドタスクが失敗しました",
				slog.String("task", h.name),
				slog.String("error", out.err.Error()),
			)
		} else {
			h.logger.Info("バックグラウンドタスクが完了しました",
				slog.String("task", h.name),
				slog.String("summary", out.summary),
			)
		}
		return out.summary, out.err, true
	case <-time.After(extra):
		h.logger.Warn("バックグラウンドタスクが猶予時間内に完了しませんでした",
			slog.String("task", h.name),
		)
		return "", nil, false
	}
}
