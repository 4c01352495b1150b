package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/banksync/internal/metrics"
	"github.com/hitoshi/banksync/internal/middleware"
	"github.com/hitoshi/banksync/internal/model"
	"github.com/hitoshi/banksync/internal/orchestrator"
)

type fakeRunner struct {
	report        *orchestrator.Report
	err           error
	ledgerSummary string
	ledgerErr     error
	running       bool
	awaiting      bool
	lastOpts      orchestrator.Options
}

func (f *fakeRunner) Run(_ context.Context, opts orchestrator.Options) (*orchestrator.Report, error) {
	f.lastOpts = opts
	return f.report, f.err
}

func (f *fakeRunner) RunLedgerOnly(_ context.Context) (string, error) {
	return f.ledgerSummary, f.ledgerErr
}

func (f *fakeRunner) Running() bool      { return f.running }
func (f *fakeRunner) AwaitingCode() bool { return f.awaiting }

type fakeCodes struct {
	submitted []string
	err       error
}

func (f *fakeCodes) Submit(code string) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, code)
	return nil
}

type fakeShots struct {
	png []byte
}

func (f *fakeShots) Latest() ([]byte, time.Time, bool) {
	if f.png == nil {
		return nil, time.Time{}, false
	}
	return f.png, time.Now(), true
}

type fakeHistory struct {
	runs      []model.SyncRun
	err       error
	lastLimit int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]model.SyncRun, error) {
	f.lastLimit = limit
	return f.runs, f.err
}

func newTestRouter(runner *fakeRunner, codes *fakeCodes, shots *fakeShots) (http.Handler, func()) {
	return newTestRouterWithHistory(runner, codes, shots, &fakeHistory{})
}

func newTestRouterWithHistory(runner *fakeRunner, codes *fakeCodes, shots *fakeShots, hist HistorySource) (http.Handler, func()) {
	limiter := middleware.NewWebhookRateLimiter(middleware.WebhookRateLimiterConfig{
		RatePerMin:      60,
		CleanupInterval: time.Minute,
	})

	r := NewRouter(&RouterDeps{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Runner:         runner,
		Codes:          codes,
		Screenshots:    shots,
		History:        hist,
		Metrics:        metrics.NopCollector{},
		WebhookLimiter: limiter,
	})

	return r, limiter.Stop
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗した: %v", err)
	}
	return body
}

func TestPostSync_Complete(t *testing.T) {
	runner := &fakeRunner{report: &orchestrator.Report{Summary: "accounts=2"}}
	router, stop := newTestRouter(runner, &fakeCodes{}, &fakeShots{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "complete" {
		t.Errorf("status = %v, want complete", body["status"])
	}
	if body["summary"] != "accounts=2" {
		t.Errorf("summary = %v", body["summary"])
	}
	if runner.lastOpts.UseDOMRefresh {
		t.Error("既定でDOM戦略が指定された")
	}
}

func TestPostSync_Flags(t *testing.T) {
	runner := &fakeRunner{report: &orchestrator.Report{}}
	router, stop := newTestRouter(runner, &fakeCodes{}, &fakeShots{})
	defer stop()

	body := `{"skipBalances": true, "skipTransactions": true, "refreshFeeds": false, "refreshTimeoutSeconds": 120}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(body)))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	opts := runner.lastOpts
	if !opts.SkipBalances || !opts.SkipTransactions || !opts.SkipRefresh {
		t.Errorf("opts = %+v", opts)
	}
	if opts.RefreshTimeout != 120*time.Second {
		t.Errorf("RefreshTimeout = %v, want 120s", opts.RefreshTimeout)
	}
}

func TestPostSync_InvalidBody(t *testing.T) {
	runner := &fakeRunner{report: &orchestrator.Report{}}
	router, stop := newTestRouter(runner, &fakeCodes{}, &fakeShots{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader("{broken")))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPostSync_VerificationPending(t *testing.T) {
	runner := &fakeRunner{err: orchestrator.ErrSyncInProgress, running: true, awaiting: true}
	router, stop := newTestRouter(runner, &fakeCodes{}, &fakeShots{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", nil))

	// コード待ちの実行中に重複トリガーすると、コード送信を促す202が返ること
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "verification_pending" {
		t.Errorf("status = %v, want verification_pending", body["status"])
	}
	if body["action"] == nil {
		t.Error("action が含まれていない")
	}
}

func TestPostSync_DOMStrategy(t *testing.T) {
	runner := &fakeRunner{report: &orchestrator.Report{}}
	router, stop := newTestRouter(runner, &fakeCodes{}, &fakeShots{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync?strategy=dom", nil))

	if !runner.lastOpts.UseDOMRefresh {
		t.Error("strategy=dom がDOM戦略に反映されていない")
	}
}

func TestPostSync_AlreadyRunning(t *testing.T) {
	runner := &fakeRunner{err: orchestrator.ErrSyncInProgress}
	router, stop := newTestRouter(runner, &fakeCodes{}, &fakeShots{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", nil))

	// 重複トリガーはエラーではなく正常応答として扱うこと
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if decodeBody(t, w)["status"] != "already_running" {
		t.Errorf("status = %v, want already_running", decodeBody(t, w)["status"])
	}
}

func TestPostSync_VerificationTimeout(t *testing.T) {
	runner := &fakeRunner{err: model.NewVerificationTimeoutError()}
	router, stop := newTestRouter(runner, &fakeCodes{}, &fakeShots{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", nil))

	if w.Code != http.StatusRequestTimeout {
		t.Errorf("status = %d, want 408", w.Code)
	}
	body := decodeBody(t, w)
	if body["kind"] != string(model.KindVerificationTimeout) {
		t.Errorf("kind = %v", body["kind"])
	}
	if body["action"] == nil {
		t.Error("action が含まれていない")
	}
}

func TestPostSync_OtherFailure(t *testing.T) {
	runner := &fakeRunner{err: model.NewCaptchaDetectedError()}
	router, stop := newTestRouter(runner, &fakeCodes{}, &fakeShots{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestPostSyncGL(t *testing.T) {
	runner := &fakeRunner{ledgerSummary: "exported"}
	router, stop := newTestRouter(runner, &fakeCodes{}, &fakeShots{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync-gl", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if decodeBody(t, w)["summary"] != "exported" {
		t.Errorf("summary = %v", decodeBody(t, w)["summary"])
	}
}

func TestPostCode(t *testing.T) {
	codes := &fakeCodes{}
	router, stop := newTestRouter(&fakeRunner{}, codes, &fakeShots{})
	defer stop()

	req := httptest.NewRequest(http.MethodPost, "/code", strings.NewReader(`{"code": "482913"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if len(codes.submitted) != 1 || codes.submitted[0] != "482913" {
		t.Errorf("submitted = %v", codes.submitted)
	}
}

func TestPostCode_SMSCodeKey(t *testing.T) {
	codes := &fakeCodes{}
	router, stop := newTestRouter(&fakeRunner{}, codes, &fakeShots{})
	defer stop()

	req := httptest.NewRequest(http.MethodPost, "/code", strings.NewReader(`{"sms_code": "771204"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if len(codes.submitted) != 1 || codes.submitted[0] != "771204" {
		t.Errorf("submitted = %v", codes.submitted)
	}
}

func TestPostCode_Invalid(t *testing.T) {
	codes := &fakeCodes{err: model.NewInvalidCodeError()}
	router, stop := newTestRouter(&fakeRunner{}, codes, &fakeShots{})
	defer stop()

	req := httptest.NewRequest(http.MethodPost, "/code", strings.NewReader(`{"code": "12"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPostTwilioSMS(t *testing.T) {
	codes := &fakeCodes{}
	router, stop := newTestRouter(&fakeRunner{}, codes, &fakeShots{})
	defer stop()

	form := url.Values{}
	form.Set("From", "+15551234567")
	form.Set("Body", "Your Intuit verification code is 482913")

	req := httptest.NewRequest(http.MethodPost, "/twilio/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	// 応答は空のTwiMLであること
	if w.Header().Get("Content-Type") != "text/xml" {
		t.Errorf("Content-Type = %s, want text/xml", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "<Response></Response>") {
		t.Errorf("body = %s", w.Body.String())
	}
	if len(codes.submitted) != 1 || codes.submitted[0] != "482913" {
		t.Errorf("submitted = %v", codes.submitted)
	}
}

func TestPostTwilioSMS_NoCodeStillAcknowledged(t *testing.T) {
	codes := &fakeCodes{}
	router, stop := newTestRouter(&fakeRunner{}, codes, &fakeShots{})
	defer stop()

	req := httptest.NewRequest(http.MethodPost, "/twilio/sms", strings.NewReader("Body=Hello"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// コードがなくても常に2xxで承認すること（プロバイダーの再試行を防ぐ）
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if len(codes.submitted) != 0 {
		t.Errorf("submitted = %v, want 空", codes.submitted)
	}
}

func TestPostTelnyxSMS(t *testing.T) {
	codes := &fakeCodes{}
	router, stop := newTestRouter(&fakeRunner{}, codes, &fakeShots{})
	defer stop()

	payload := `{"data": {"event_type": "message.received", "payload": {"text": "code 482913"}}}`
	req := httptest.NewRequest(http.MethodPost, "/telnyx/sms", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if len(codes.submitted) != 1 {
		t.Errorf("submitted = %v", codes.submitted)
	}
}

func TestGetScreenshot(t *testing.T) {
	router, stop := newTestRouter(&fakeRunner{}, &fakeCodes{}, &fakeShots{png: []byte("png-bytes")})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/screenshot", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Content-Type = %s, want image/png", w.Header().Get("Content-Type"))
	}
}

func TestGetScreenshot_NotFound(t *testing.T) {
	router, stop := newTestRouter(&fakeRunner{}, &fakeCodes{}, &fakeShots{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/screenshot", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetHealth(t *testing.T) {
	router, stop := newTestRouter(&fakeRunner{running: true}, &fakeCodes{}, &fakeShots{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["sync_in_progress"] != true {
		t.Errorf("sync_in_progress = %v, want true", body["sync_in_progress"])
	}
	if body["version"] != "dev" {
		t.Errorf("version = %v, want dev", body["version"])
	}
}

func TestGetHistory(t *testing.T) {
	finished := time.Date(2026, 8, 20, 12, 30, 0, 0, time.UTC)
	hist := &fakeHistory{runs: []model.SyncRun{
		{
			ID:         "run-2",
			StartedAt:  time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
			FinishedAt: &finished,
			Status:     model.SyncRunStatusComplete,
			Summary:    "accounts=3",
		},
		{
			ID:        "run-1",
			StartedAt: time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC),
			Status:    model.SyncRunStatusRunning,
		},
	}}
	router, stop := newTestRouterWithHistory(&fakeRunner{}, &fakeCodes{}, &fakeShots{}, hist)
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if hist.lastLimit != 20 {
		t.Errorf("limit = %d, want デフォルトの20", hist.lastLimit)
	}

	body := decodeBody(t, w)
	runs, ok := body["runs"].([]any)
	if !ok || len(runs) != 2 {
		t.Fatalf("runs = %v, want 2件", body["runs"])
	}
	first := runs[0].(map[string]any)
	if first["id"] != "run-2" {
		t.Errorf("id = %v, want run-2", first["id"])
	}
	if first["status"] != "complete" {
		t.Errorf("status = %v, want complete", first["status"])
	}
	if first["finished_at"] != "2026-08-20T12:30:00Z" {
		t.Errorf("finished_at = %v", first["finished_at"])
	}
	second := runs[1].(map[string]any)
	if second["finished_at"] != nil {
		t.Errorf("未完了の実行の finished_at = %v, want null", second["finished_at"])
	}
}

func TestGetHistory_LimitParam(t *testing.T) {
	hist := &fakeHistory{}
	router, stop := newTestRouterWithHistory(&fakeRunner{}, &fakeCodes{}, &fakeShots{}, hist)
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history?limit=5", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if hist.lastLimit != 5 {
		t.Errorf("limit = %d, want 5", hist.lastLimit)
	}

	// 履歴が空でも runs は空配列として返ること
	if runs, ok := decodeBody(t, w)["runs"].([]any); !ok || len(runs) != 0 {
		t.Errorf("runs = %v, want 空配列", decodeBody(t, w)["runs"])
	}
}

func TestGetHistory_InvalidLimit(t *testing.T) {
	router, stop := newTestRouterWithHistory(&fakeRunner{}, &fakeCodes{}, &fakeShots{}, &fakeHistory{})
	defer stop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/history?limit=zero", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
