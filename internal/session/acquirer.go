// Package session はヘッドレスブラウザによる認証済みセッションの取得を提供する。
// ログインフローは決定的な手順の列ではなく、到達したページの状態を観察して
// 分岐する状態機械として実装する。
package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/banksync/internal/browser"
	"github.com/hitoshi/banksync/internal/config"
	"github.com/hitoshi/banksync/internal/model"
	"github.com/hitoshi/banksync/internal/verification"
)

const (
	// sessionDomain はセッションCookieを抽出する対象ドメイン。
	sessionDomain = "intuit.com"
	// appPathFragment はログイン成功後のURLに含まれる断片。
	appPathFragment = "/app"
	// redirectTimeout はログイン操作後のリダイレクト待機上限。
	redirectTimeout = 30 * time.Second

	identifierSelector = `input[name="Email"], input[type="email"], #ius-identifier`
	passwordSelector   = `input[type="password"]`
	codeSelector       = `input[name="code"], input[type="tel"], #ius-mfa-confirm-code`
)

// CodeSource は検証コードの取得元。
// BeginWait/EndWaitで待機区間を通知し、外部から待機中かを観測できるようにする。
type CodeSource interface {
	Take() (string, bool)
	BeginWait()
	EndWait()
}

// ScreenshotSink は診断用スクリーンショットの保存先。
type ScreenshotSink interface {
	Store(png []byte)
}

// Acquirer は認証済みセッションの取得器。
type Acquirer struct {
	cfg    *config.Config
	codes  CodeSource
	sink   ScreenshotSink
	logger *slog.Logger
}

// NewAcquirer はAcquirerの新しいインスタンスを生成する。
func NewAcquirer(cfg *config.Config, codes CodeSource, sink ScreenshotSink, logger *slog.Logger) *Acquirer {
	return &Acquirer{
		cfg:    cfg,
		codes:  codes,
		sink:   sink,
		logger: logger,
	}
}

// Acquire はログインフローを実行し、認証済みセッションを返す。
// 失敗時はエラー種別（CAPTCHA検出、検証タイムアウトなど）で原因を伝える。
func (a *Acquirer) Acquire(ctx context.Context, page browser.Page) (*model.Session, error) {
	if err := page.Navigate(a.cfg.QBBaseURL); err != nil {
		return nil, model.NewLoginFailureError(err.Error())
	}

	// 既存セッションが生きている場合はそのまま通過する
	if strings.Contains(page.URL(), appPathFragment) {
		a.logger.Info("既存セッションでログイン済みです")
		return a.extractSession(page)
	}

	a.enterCredentials(page)

	if page.WaitURLContains(appPathFragment, redirectTimeout) {
		a.logger.Info("ログインに成功しました")
		return a.extractSession(page)
	}

	// リダイレクトしなかった場合、到達したページの状態で分岐する
	body, err := page.BodyText()
	if err != nil {
		a.snapshot(page)
		return nil, model.NewLoginFailureError(err.Error())
	}
	lower := strings.ToLower(body)

	switch {
	case containsAny(lower, a.cfg.CaptchaMarkers):
		a.logger.Warn("CAPTCHAを検出しました")
		a.snapshot(page)
		return nil, model.NewCaptchaDetectedError()

	case containsAny(lower, a.cfg.VerificationMarkers):
		a.logger.Info("SMS検証が要求されました")
		return a.completeVerification(ctx, page)

	default:
		a.snapshot(page)
		return nil, model.NewLoginFailureError(snippet(body, 120))
	}
}

// enterCredentials は資格情報を入力する。記憶済みアカウントのタイルが
// 表示されている場合はクリックしてメール入力を省略する。
// 個別手順の失敗はページ構成の差異として許容し、最終的な状態判定に委ねる。
func (a *Acquirer) enterCredentials(page browser.Page) {
	if has, _ := page.HasText(a.cfg.QBUsername); has {
		if err := page.ClickText(a.cfg.QBUsername); err == nil {
			a.logger.Info("記憶済みアカウントを選択しました")
		}
	} else {
		if err := page.Type(identifierSelector, a.cfg.QBUsername); err != nil {
			a.logger.Warn("識別子の入力に失敗しました", slog.String("error", err.Error()))
		}
		if err := page.ClickText("Continue"); err != nil {
			a.logger.Debug("Continueボタンが見つかりません", slog.String("error", err.Error()))
		}
	}

	if err := page.Type(passwordSelector, a.cfg.QBPassword); err != nil {
		a.logger.Warn("パスワードの入力に失敗しました", slog.String("error", err.Error()))
	}
	if err := page.ClickText("Sign in"); err != nil {
		a.logger.Debug("Sign inボタンが見つかりません", slog.String("error", err.Error()))
	}
}

// completeVerification はSMS検証フローを完了させる。
// 「Text a code」を選択してコード送信を促し、メールボックスへの到着を
// ポーリングで待つ。
func (a *Acquirer) completeVerification(ctx context.Context, page browser.Page) (*model.Session, error) {
	if err := page.ClickText("Text a code"); err != nil {
		// 既にコード入力画面まで進んでいる場合は選択肢が表示されない
		a.logger.Debug("コード送信の選択肢が見つかりません", slog.String("error", err.Error()))
	}

	a.codes.BeginWait()
	defer a.codes.EndWait()

	deadline := time.Now().Add(a.cfg.VerificationTimeout)
	for {
		if code, ok := a.codes.Take(); ok {
			a.logger.Info("検証コードを受信しました", slog.String("code", verification.MaskCode(code)))
			return a.submitCode(page, code)
		}

		if time.Now().After(deadline) {
			a.logger.Warn("検証コードの待機がタイムアウトしました")
			a.snapshot(page)
			return nil, model.NewVerificationTimeoutError()
		}

		select {
		case <-ctx.Done():
			a.snapshot(page)
			return nil, model.NewVerificationTimeoutError()
		case <-time.After(a.cfg.VerificationPollInterval):
		}
	}
}

// submitCode は検証コードを入力し、ログイン完了を確認する。
func (a *Acquirer) submitCode(page browser.Page, code string) (*model.Session, error) {
	if err := page.Type(codeSelector, code); err != nil {
		a.snapshot(page)
		return nil, model.NewVerificationFailedError()
	}
	if err := page.ClickText("Continue"); err != nil {
		a.logger.Debug("Continueボタンが見つかりません", slog.String("error", err.Error()))
	}

	if page.WaitURLContains(appPathFragment, redirectTimeout) {
		a.logger.Info("SMS検証が完了しました")
		return a.extractSession(page)
	}

	// リダイレクトが確認できなくてもCookieが揃っていれば成功と見なす
	if s, err := a.extractSession(page); err == nil {
		a.logger.Info("SMS検証が完了しました（Cookieで確認）")
		return s, nil
	}

	a.snapshot(page)
	return nil, model.NewVerificationFailedError()
}

// extractSession は対象ドメインのCookieからセッションを構築する。
func (a *Acquirer) extractSession(page browser.Page) (*model.Session, error) {
	cookies, err := page.CookiesForDomain(sessionDomain)
	if err != nil {
		return nil, model.NewLoginFailureError(err.Error())
	}

	s := &model.Session{Cookies: cookies}
	if !s.IsAuthenticated() {
		return nil, model.NewLoginFailureError("セッションCookieが不完全です")
	}

	a.logger.Info("セッションを取得しました",
		slog.String("company_id", s.CompanyID()),
		slog.Int("cookies", len(cookies)),
	)
	return s, nil
}

// snapshot は診断用スクリーンショットを保存する。失敗しても処理は続行する。
func (a *Acquirer) snapshot(page browser.Page) {
	png, err := page.Screenshot()
	if err != nil {
		a.logger.Warn("スクリーンショットの取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	a.sink.Store(png)
}

// containsAny は文字列にマーカーのいずれかが含まれるかを返す。
func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// snippet は文字列の先頭を最大長で切り出す。
func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max]
}
