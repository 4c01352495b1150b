// Package refresh は銀行フィード更新ジョブの起動と完了待ちを提供する。
// タイムアウトは失敗ではなく部分成功として扱う。呼び出し元はその時点で
// 取得済みのデータで処理を続行できる。
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/banksync/internal/model"
	"github.com/hitoshi/banksync/internal/qbo"
)

// Outcome はフィード更新の終了状態。
type Outcome string

const (
	// OutcomeComplete はジョブの完了を確認した状態。
	OutcomeComplete Outcome = "complete"
	// OutcomeTimedOut は待機時間内に完了を確認できなかった状態。
	// ジョブ自体はリモート側で継続している可能性がある。
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeFailed はジョブの起動自体に失敗した状態。
	OutcomeFailed Outcome = "failed"
)

// Result はフィード更新の結果。
type Result struct {
	Outcome  Outcome
	Warnings []string // エラーを報告した金融機関など、非致命的な問題
	Elapsed  time.Duration
}

// UpdateTrigger は更新ジョブの起動/状態取得インターフェース。
// 起動エンドポイントは冪等で、再呼び出しは現在の状態を返す。
type UpdateTrigger interface {
	TriggerManualUpdate(ctx context.Context, s *model.Session) (*qbo.UpdateStatus, error)
}

// APIStrategy はHTTP APIによるフィード更新戦略。
// 起動エンドポイントを一定間隔で再呼び出しして進捗を監視する。
type APIStrategy struct {
	trigger      UpdateTrigger
	logger       *slog.Logger
	pollInterval time.Duration
	timeout      time.Duration
}

// NewAPIStrategy はAPIStrategyの新しいインスタンスを生成する。
func NewAPIStrategy(trigger UpdateTrigger, logger *slog.Logger, pollInterval, timeout time.Duration) *APIStrategy {
	return &APIStrategy{
		trigger:      trigger,
		logger:       logger,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// Run は更新ジョブを起動し、完了・タイムアウト・失敗のいずれかまで待つ。
// 完了条件はトップレベルの完了フラグ「または」全サブジョブの完了報告。
// 両シグナルは一致しないことがあるため、どちらか早い方を採用する。
func (s *APIStrategy) Run(ctx context.Context, session *model.Session) *Result {
	start := time.Now()
	deadline := start.Add(s.timeout)
	lastStatusKey := ""
	first := true

	for {
		status, err := s.trigger.TriggerManualUpdate(ctx, session)
		if err != nil {
			if first {
				// 起動自体の失敗は続行不能
				s.logger.Error("フィード更新の起動に失敗しました", slog.String("error", err.Error()))
				return &Result{
					Outcome:  OutcomeFailed,
					Warnings: []string{err.Error()},
					Elapsed:  time.Since(start),
				}
			}
			// ポーリング中の一時的なエラーは許容する
			s.logger.Warn("更新状態の取得に失敗しました。再試行します", slog.String("error", err.Error()))
		} else {
			first = false

			completed := status.CompletedSubJobs()
			total := len(status.SubJobs)
			errored := status.ErroredSubJobs()

			// 同一状態の連続ログを抑制する
			statusKey := fmt.Sprintf("%d/%d/%d", completed, total, errored)
			if statusKey != lastStatusKey {
				s.logger.Info("フィード更新の進捗",
					slog.Int("completed", completed),
					slog.Int("total", total),
					slog.Int("errored", errored),
					slog.Int("accounts", status.TotalAccounts()),
				)
				lastStatusKey = statusKey
			}

			if status.IsComplete || status.AllSubJobsComplete() {
				var warnings []string
				for _, bank := range status.ErrorBanks() {
					warnings = append(warnings, fmt.Sprintf("金融機関の更新でエラーが報告されました: %s", bank))
				}
				s.logger.Info("フィード更新が完了しました",
					slog.Duration("elapsed", time.Since(start)),
					slog.Int("warnings", len(warnings)),
				)
				return &Result{
					Outcome:  OutcomeComplete,
					Warnings: warnings,
					Elapsed:  time.Since(start),
				}
			}
		}

		if time.Now().After(deadline) {
			s.logger.Warn("フィード更新がタイムアウトしました。古いデータで続行します",
				slog.Duration("elapsed", time.Since(start)),
			)
			return &Result{
				Outcome: OutcomeTimedOut,
				Elapsed: time.Since(start),
			}
		}

		select {
		case <-ctx.Done():
			return &Result{
				Outcome:  OutcomeTimedOut,
				Warnings: []string{ctx.Err().Error()},
				Elapsed:  time.Since(start),
			}
		case <-time.After(s.pollInterval):
		}
	}
}

// DOMPage はDOM戦略が必要とするページ操作のインターフェース。
type DOMPage interface {
	ClickText(text string) error
	HasText(text string) (bool, error)
}

// DOMStrategy はブラウザDOM操作によるフィード更新戦略。
// 更新ボタンをクリックし、進行中インジケーターの出現と消滅を監視する。
// APIが利用できない場合のフォールバック。
type DOMStrategy struct {
	logger        *slog.Logger
	pollInterval  time.Duration
	appearTimeout time.Duration // インジケーター出現の待機上限
	timeout       time.Duration
}

// NewDOMStrategy はDOMStrategyの新しいインスタンスを生成する。
func NewDOMStrategy(logger *slog.Logger, pollInterval, timeout time.Duration) *DOMStrategy {
	return &DOMStrategy{
		logger:        logger,
		pollInterval:  pollInterval,
		appearTimeout: 10 * time.Second,
		timeout:       timeout,
	}
}

// Run は更新ボタンをクリックし、「Updating」表示が消えるまで待つ。
// インジケーターが出現しない場合は即時完了と見なす（更新対象なし）。
func (s *DOMStrategy) Run(ctx context.Context, page DOMPage) *Result {
	start := time.Now()

	if err := page.ClickText("Update"); err != nil {
		s.logger.Error("更新ボタンのクリックに失敗しました", slog.String("error", err.Error()))
		return &Result{
			Outcome:  OutcomeFailed,
			Warnings: []string{err.Error()},
			Elapsed:  time.Since(start),
		}
	}

	// インジケーターの出現を待つ
	appeared := false
	appearDeadline := time.Now().Add(s.appearTimeout)
	for time.Now().Before(appearDeadline) {
		has, err := page.HasText("Updating")
		if err == nil && has {
			appeared = true
			break
		}
		select {
		case <-ctx.Done():
			return &Result{Outcome: OutcomeTimedOut, Elapsed: time.Since(start)}
		case <-time.After(s.pollInterval):
		}
	}

	if !appeared {
		s.logger.Info("更新インジケーターが出現しませんでした。更新対象なしと見なします")
		return &Result{Outcome: OutcomeComplete, Elapsed: time.Since(start)}
	}

	// インジケーターの消滅を待つ
	deadline := start.Add(s.timeout)
	for {
		has, err := page.HasText("Updating")
		if err == nil && !has {
			s.logger.Info("フィード更新が完了しました", slog.Duration("elapsed", time.Since(start)))
			return &Result{Outcome: OutcomeComplete, Elapsed: time.Since(start)}
		}

		if time.Now().After(deadline) {
			s.logger.Warn("フィード更新がタイムアウトしました",
				slog.Duration("elapsed", time.Since(start)),
			)
			return &Result{Outcome: OutcomeTimedOut, Elapsed: time.Since(start)}
		}

		select {
		case <-ctx.Done():
			return &Result{Outcome: OutcomeTimedOut, Elapsed: time.Since(start)}
		case <-time.After(s.pollInterval):
		}
	}
}
