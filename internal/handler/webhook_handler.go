package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/banksync/internal/metrics"
	"github.com/hitoshi/banksync/internal/verification"
)

// emptyTwiML はTwilioへの空応答。返信SMSを送らないことを示す。
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// webhookBodyLimit はWebhookボディの読み取り上限。
const webhookBodyLimit = 64 * 1024

// WebhookHandler はSMSプロバイダーからの着信Webhookのハンドラー。
// プロバイダーの再試行ループを避けるため、コードの有無にかかわらず
// 常に2xxで承認する。
type WebhookHandler struct {
	codes   CodeSubmitter
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewWebhookHandler はWebhookHandlerの新しいインスタンスを生成する。
func NewWebhookHandler(codes CodeSubmitter, collector metrics.MetricsCollector, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		codes:   codes,
		metrics: collector,
		logger:  logger,
	}
}

// PostTwilioSMS はTwilioのSMS Webhookを処理する。応答は常に空のTwiML。
func (h *WebhookHandler) PostTwilioSMS(w http.ResponseWriter, r *http.Request) {
	h.handleInbound(r, "twilio", verification.TwilioExtractor{})

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, emptyTwiML)
}

// PostTelnyxSMS はTelnyxのSMS Webhookを処理する。応答は常にJSONの承認。
func (h *WebhookHandler) PostTelnyxSMS(w http.ResponseWriter, r *http.Request) {
	h.handleInbound(r, "telnyx", verification.TelnyxExtractor{})

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleInbound は着信ボディからコードを抽出してメールボックスへ投入する。
// 抽出・投入の失敗はログに記録するのみで、応答には影響させない。
func (h *WebhookHandler) handleInbound(r *http.Request, provider string, extractor verification.CodeExtractor) {
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		h.logger.Warn("Webhookボディの読み取りに失敗しました",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return
	}

	code, ok := extractor.TryExtractCode(body)
	if !ok {
		h.logger.Info("Webhookにコードが含まれていません", slog.String("provider", provider))
		return
	}

	if err := h.codes.Submit(code); err != nil {
		h.logger.Warn("コードの投入に失敗しました",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return
	}

	h.metrics.RecordCodeReceived(provider)
	h.logger.Info("検証コードを受信しました",
		slog.String("provider", provider),
		slog.String("code", verification.MaskCode(code)),
	)
}
