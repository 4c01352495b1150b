// Package browser はヘッドレスブラウザの起動とページ操作の抽象化を提供する。
// ページ操作はPageインターフェースの背後に隠し、ログインフローや
// フィード更新のDOM戦略をブラウザなしでテストできるようにする。
package browser

import (
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	// elementTimeout は要素検索の待機上限。
	elementTimeout = 10 * time.Second
	// clickableSelector はテキスト指定クリックの対象となる要素。
	clickableSelector = "button, a, div, span, input[type=submit]"
)

// Page はブラウザページ操作のインターフェース。
type Page interface {
	// Navigate はURLへ遷移しロード完了を待つ。
	Navigate(url string) error
	// URL は現在のページURLを返す。
	URL() string
	// BodyText はページ本文のテキストを返す。
	BodyText() (string, error)
	// HasText は本文に指定テキストが含まれるかを返す。
	HasText(text string) (bool, error)
	// ClickText は表示テキストに一致する最初の要素をクリックする。
	ClickText(text string) error
	// ClickSelector はCSSセレクタに一致する最初の要素をクリックする。
	ClickSelector(selector string) error
	// Type は要素にフォーカスし、人間らしい間隔でテキストを入力する。
	Type(selector, text string) error
	// WaitURLContains はURLに指定の断片が現れるまで待つ。
	WaitURLContains(fragment string, timeout time.Duration) bool
	// CookiesForDomain は指定ドメインにスコープされた全Cookieを返す。
	CookiesForDomain(domain string) (map[string]string, error)
	// Screenshot は現在の表示のPNGスクリーンショットを返す。
	Screenshot() ([]byte, error)
}

// Browser は起動済みのヘッドレスブラウザ。
type Browser struct {
	browser *rod.Browser
	launch  *launcher.Launcher
	logger  *slog.Logger
}

// Launch はブラウザを起動して接続する。
// binが空でない場合はインストール済みのブラウザバイナリを使用する。
// コンテナ環境ではrootで動くためサンドボックスを無効化する。
func Launch(logger *slog.Logger, headless bool, bin string) (*Browser, error) {
	l := launcher.New().
		Headless(headless).
		Set("disable-blink-features", "AutomationControlled")
	if bin != "" {
		l = l.Bin(bin).NoSandbox(true)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("ブラウザの起動に失敗しました: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("ブラウザへの接続に失敗しました: %w", err)
	}

	logger.Info("ブラウザを起動しました", slog.Bool("headless", headless))
	return &Browser{browser: b, launch: l, logger: logger}, nil
}

// NewPage は自動化検出対策を適用した新しいページを開く。
func (b *Browser) NewPage() (Page, error) {
	p, err := stealth.Page(b.browser)
	if err != nil {
		return nil, fmt.Errorf("ページの作成に失敗しました: %w", err)
	}
	return &rodPage{page: p}, nil
}

// Close はブラウザを終了しプロセスを破棄する。
func (b *Browser) Close() {
	if err := b.browser.Close(); err != nil {
		b.logger.Warn("ブラウザの終了に失敗しました", slog.String("error", err.Error()))
	}
	b.launch.Cleanup()
}

// rodPage はrodによるPageの実装。
type rodPage struct {
	page *rod.Page
}

func (p *rodPage) Navigate(url string) error {
	if err := p.page.Navigate(url); err != nil {
		return fmt.Errorf("ページ遷移に失敗しました: %w", err)
	}
	if err := p.page.WaitLoad(); err != nil {
		return fmt.Errorf("ページロードの待機に失敗しました: %w", err)
	}
	return nil
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) BodyText() (string, error) {
	el, err := p.page.Timeout(elementTimeout).Element("body")
	if err != nil {
		return "", fmt.Errorf("本文要素の取得に失敗しました: %w", err)
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("本文テキストの取得に失敗しました: %w", err)
	}
	return text, nil
}

func (p *rodPage) HasText(text string) (bool, error) {
	body, err := p.BodyText()
	if err != nil {
		return false, err
	}
	return strings.Contains(body, text), nil
}

func (p *rodPage) ClickText(text string) error {
	el, err := p.page.Timeout(elementTimeout).
		ElementR(clickableSelector, "/"+regexp.QuoteMeta(text)+"/i")
	if err != nil {
		return fmt.Errorf("テキスト %q に一致する要素が見つかりません: %w", text, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("要素のクリックに失敗しました: %w", err)
	}
	return nil
}

func (p *rodPage) ClickSelector(selector string) error {
	el, err := p.page.Timeout(elementTimeout).Element(selector)
	if err != nil {
		return fmt.Errorf("セレクタ %q に一致する要素が見つかりません: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("要素のクリックに失敗しました: %w", err)
	}
	return nil
}

// Type は1文字ずつランダムな間隔を空けて入力する。
// 瞬間的なフォーム入力は自動化検出のシグナルになるため避ける。
func (p *rodPage) Type(selector, text string) error {
	el, err := p.page.Timeout(elementTimeout).Element(selector)
	if err != nil {
		return fmt.Errorf("入力要素 %q が見つかりません: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("入力要素へのフォーカスに失敗しました: %w", err)
	}
	for _, r := range text {
		if err := el.Input(string(r)); err != nil {
			return fmt.Errorf("テキストの入力に失敗しました: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
	return nil
}

func (p *rodPage) WaitURLContains(fragment string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(p.URL(), fragment) {
			return true
		}
		time.Sleep(250 * time.Millisecond)
	}
	return false
}

func (p *rodPage) CookiesForDomain(domain string) (map[string]string, error) {
	cookies, err := p.page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("Cookieの取得に失敗しました: %w", err)
	}
	out := make(map[string]string)
	for _, c := range cookies {
		if strings.Contains(c.Domain, domain) {
			out[c.Name] = c.Value
		}
	}
	return out, nil
}

func (p *rodPage) Screenshot() ([]byte, error) {
	data, err := p.page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("スクリーンショットの取得に失敗しました: %w", err)
	}
	return data, nil
}
