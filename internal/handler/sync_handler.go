// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/banksync/internal/model"
	"github.com/hitoshi/banksync/internal/orchestrator"
)

// SyncRunner は同期実行のインターフェース。
type SyncRunner interface {
	Run(ctx context.Context, opts orchestrator.Options) (*orchestrator.Report, error)
	RunLedgerOnly(ctx context.Context) (string, error)
	Running() bool
	AwaitingCode() bool
}

// CodeSubmitter は検証コードの受け付けインターフェース。
type CodeSubmitter interface {
	Submit(code string) error
}

// ScreenshotSource は診断スクリーンショットの取得元。
type ScreenshotSource interface {
	Latest() (png []byte, takenAt time.Time, ok bool)
}

// SyncHandler は同期トリガーと診断エンドポイントのハンドラー。
type SyncHandler struct {
	runner      SyncRunner
	codes       CodeSubmitter
	screenshots ScreenshotSource
	version     string
	logger      *slog.Logger
}

// NewSyncHandler はSyncHandlerの新しいインスタンスを生成する。
func NewSyncHandler(runner SyncRunner, codes CodeSubmitter, screenshots ScreenshotSource, version string, logger *slog.Logger) *SyncHandler {
	if version == "" {
		version = "dev"
	}
	return &SyncHandler{
		runner:      runner,
		codes:       codes,
		screenshots: screenshots,
		version:     version,
		logger:      logger,
	}
}

// syncRequest は同期トリガーのフラグ。ボディは省略可能。
type syncRequest struct {
	SkipBalances          bool  `json:"skipBalances"`
	SkipTransactions      bool  `json:"skipTransactions"`
	RefreshFeeds          *bool `json:"refreshFeeds"`
	RefreshTimeoutSeconds int   `json:"refreshTimeoutSeconds"`
}

// PostSync は同期を実行する。完了までブロックし、結果を返す。
// strategy=dom を指定するとフィード更新をDOM操作で行う。
func (h *SyncHandler) PostSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	raw, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"status": "rejected",
				"error":  "リクエストボディの解析に失敗しました",
			})
			return
		}
	}

	opts := orchestrator.Options{
		UseDOMRefresh:    r.URL.Query().Get("strategy") == "dom",
		SkipRefresh:      req.RefreshFeeds != nil && !*req.RefreshFeeds,
		SkipTransactions: req.SkipTransactions,
		SkipBalances:     req.SkipBalances,
		RefreshTimeout:   time.Duration(req.RefreshTimeoutSeconds) * time.Second,
	}

	report, err := h.runner.Run(r.Context(), opts)
	if err != nil {
		h.writeSyncError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "complete",
		"summary":  report.Summary,
		"warnings": report.Warnings,
	})
}

// PostSyncGL は元帳エクスポートのみを実行する。
func (h *SyncHandler) PostSyncGL(w http.ResponseWriter, r *http.Request) {
	summary, err := h.runner.RunLedgerOnly(r.Context())
	if err != nil {
		if errors.Is(err, orchestrator.ErrSyncInProgress) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "already_running"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "complete",
		"summary": summary,
	})
}

// PostCode は手動での検証コード再送信を受け付ける。
// SMS Webhookが機能しない場合のフォールバック経路。
func (h *SyncHandler) PostCode(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "rejected"})
		return
	}

	var body struct {
		Code    string `json:"code"`
		SMSCode string `json:"sms_code"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		// フォーム送信にもフォールバックする
		if form, err := url.ParseQuery(string(raw)); err == nil {
			body.Code = form.Get("code")
		}
	}
	if body.Code == "" {
		body.Code = body.SMSCode
	}

	if err := h.codes.Submit(body.Code); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "rejected",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

// GetScreenshot は直近の診断スクリーンショットを返す。
func (h *SyncHandler) GetScreenshot(w http.ResponseWriter, r *http.Request) {
	png, takenAt, ok := h.screenshots.Latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"status": "not_found",
			"error":  "スクリーンショットはまだ保存されていません",
		})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Taken-At", takenAt.UTC().Format(time.RFC3339))
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// GetHealth はヘルスチェック応答を返す。
func (h *SyncHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"sync_in_progress": h.runner.Running(),
		"version":          h.version,
	})
}

// writeSyncError は同期エラーをエラー種別に応じたステータスで返す。
func (h *SyncHandler) writeSyncError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrSyncInProgress) {
		// 実行中の同期がコード待ちの場合は、操作者にコード送信を促す
		if h.runner.AwaitingCode() {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status": "verification_pending",
				"action": "検証コードをPOST /codeで送信してください",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "already_running"})
		return
	}

	kind := model.KindOf(err)
	status := http.StatusInternalServerError
	if kind == model.KindVerificationTimeout {
		// コード未着は恒久的な失敗ではない。コード到着後の再実行を促す
		status = http.StatusRequestTimeout
	}

	body := map[string]any{
		"status": "failed",
		"kind":   string(kind),
		"error":  err.Error(),
	}
	var se *model.SyncError
	if errors.As(err, &se) && se.Action != "" {
		body["action"] = se.Action
	}

	writeJSON(w, status, body)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
