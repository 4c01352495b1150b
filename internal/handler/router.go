package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/banksync/internal/metrics"
	"github.com/hitoshi/banksync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ヘルス応答に含めるバージョン文字列。空の場合はdev
	Version string

	// 同期トリガー
	Runner SyncRunner

	// 検証コード
	Codes CodeSubmitter

	// 診断
	Screenshots ScreenshotSource

	// 同期実行履歴
	History HistorySource

	// メトリクス
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler

	// Webhookレート制限
	WebhookLimiter *middleware.WebhookRateLimiter
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware →（Webhookのみ）RateLimitMiddleware
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))

	syncHandler := NewSyncHandler(deps.Runner, deps.Codes, deps.Screenshots, deps.Version, deps.Logger)
	webhookHandler := NewWebhookHandler(deps.Codes, deps.Metrics, deps.Logger)

	// 同期トリガーと診断
	r.Post("/sync", syncHandler.PostSync)
	r.Post("/sync-gl", syncHandler.PostSyncGL)
	r.Post("/code", syncHandler.PostCode)
	r.Get("/screenshot", syncHandler.GetScreenshot)
	r.Get("/health", syncHandler.GetHealth)

	// 同期実行履歴
	if deps.History != nil {
		historyHandler := NewHistoryHandler(deps.History)
		r.Get("/history", historyHandler.GetHistory)
	}

	// SMSプロバイダーからの着信Webhook。送信元単位でレート制限する
	r.Group(func(r chi.Router) {
		r.Use(deps.WebhookLimiter.Middleware())
		r.Post("/twilio/sms", webhookHandler.PostTwilioSMS)
		r.Post("/telnyx/sms", webhookHandler.PostTelnyxSMS)
	})

	// メトリクス公開
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	return r
}
