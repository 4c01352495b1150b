// Package ledger は元帳エクスポートジョブの起動を提供する。
// 本体の同期処理とは独立したバックグラウンドタスクとして実行される。
package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Exporter は元帳エクスポートのインターフェース。
type Exporter interface {
	// Export はエクスポートを実行し、結果の要約を返す。
	Export(ctx context.Context) (string, error)
}

// NewExporter はエクスポート先URLの有無に応じた実装を返す。
// URLが未設定の場合は何もしない実装を返す。
func NewExporter(httpClient *http.Client, logger *slog.Logger, url string) Exporter {
	if url == "" {
		return &noopExporter{logger: logger}
	}
	return &httpExporter{
		httpClient: httpClient,
		logger:     logger,
		url:        url,
	}
}

// httpExporter はHTTPエンドポイント呼び出しによるエクスポート実装。
type httpExporter struct {
	httpClient *http.Client
	logger     *slog.Logger
	url        string
}

func (e *httpExporter) Export(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, nil)
	if err != nil {
		return "", fmt.Errorf("エクスポートリクエストの作成に失敗しました: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("元帳エクスポートの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("元帳エクスポートがステータス %d を返しました: %s", resp.StatusCode, body)
	}

	e.logger.Info("元帳エクスポートが完了しました", slog.Int("status", resp.StatusCode))
	return fmt.Sprintf("exported (status %d)", resp.StatusCode), nil
}

// noopExporter はエクスポート先未設定時の実装。
type noopExporter struct {
	logger *slog.Logger
}

func (e *noopExporter) Export(_ context.Context) (string, error) {
	e.logger.Info("エクスポート先が未設定のため元帳エクスポートをスキップします")
	return "skipped", nil
}
