package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/banksync/internal/model"
)

// HistorySource は同期実行履歴の取得元。
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]model.SyncRun, error)
}

// HistoryHandler は同期実行履歴エンドポイントのハンドラー。
type HistoryHandler struct {
	history HistorySource
}

// NewHistoryHandler はHistoryHandlerの新しいインスタンスを生成する。
func NewHistoryHandler(history HistorySource) *HistoryHandler {
	return &HistoryHandler{history: history}
}

// syncRunResponse は履歴応答の1実行分。
type syncRunResponse struct {
	ID         string  `json:"id"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
	Status     string  `json:"status"`
	Summary    string  `json:"summary"`
}

// GetHistory は直近の同期実行履歴を新しい順に返す。
// limitクエリパラメータで件数を指定できる（デフォルト20、最大100）。
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"status": "rejected",
				"error":  "limitは正の整数である必要があります",
			})
			return
		}
		limit = n
	}
	if limit > 100 {
		limit = 100
	}

	runs, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}

	out := make([]syncRunResponse, 0, len(runs))
	for _, run := range runs {
		resp := syncRunResponse{
			ID:        run.ID,
			StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
			Status:    string(run.Status),
			Summary:   run.Summary,
		}
		if run.FinishedAt != nil {
			f := run.FinishedAt.UTC().Format(time.RFC3339)
			resp.FinishedAt = &f
		}
		out = append(out, resp)
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}
