package model

import (
	"errors"
	"fmt"
)

// ErrorKind は同期処理のエラー分類を表す。
// 文字列例外をシグナルとして比較する方式を避け、タグ付きの種別で伝搬する。
type ErrorKind string

const (
	// KindLoginFailure は認識できないページで停止したログイン失敗。
	KindLoginFailure ErrorKind = "LOGIN_FAILURE"
	// KindCaptchaDetected はCAPTCHA検出（回復不能、人間の介入が必要）。
	KindCaptchaDetected ErrorKind = "CAPTCHA_DETECTED"
	// KindVerificationTimeout は待機時間内に検証コードが届かなかった状態。
	KindVerificationTimeout ErrorKind = "VERIFICATION_TIMEOUT"
	// KindVerificationFailed は検証コードがリモートアプリに拒否された状態。
	KindVerificationFailed ErrorKind = "VERIFICATION_FAILED"
	// KindRefreshTimedOut はフィード更新のタイムアウト（部分成功、致命的ではない）。
	KindRefreshTimedOut ErrorKind = "REFRESH_TIMED_OUT"
	// KindRemoteAPIError は外部APIからの非2xx応答。
	KindRemoteAPIError ErrorKind = "REMOTE_API_ERROR"
	// KindConfigurationError は必須設定の欠落（ネットワーク活動前に失敗させる）。
	KindConfigurationError ErrorKind = "CONFIGURATION_ERROR"
	// KindInvalidCode は検証コードの形式不正（6桁の数字でない）。
	KindInvalidCode ErrorKind = "INVALID_CODE"
)

// SyncError は同期処理のエラーを種別付きで表す。
type SyncError struct {
	Kind    ErrorKind
	Message string
	Action  string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *SyncError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// KindOf はエラーからErrorKindを取り出す。SyncErrorでない場合は空を返す。
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// NewLoginFailureError はログイン失敗エラーを生成する。
func NewLoginFailureError(detail string) *SyncError {
	return &SyncError{
		Kind:    KindLoginFailure,
		Message: fmt.Sprintf("ログインが認識できないページで停止しました: %s", detail),
		Action:  "診断スクリーンショットを確認し、ログインフローの変更有無を調査してください。",
	}
}

// NewCaptchaDetectedError はCAPTCHA検出エラーを生成する。
func NewCaptchaDetectedError() *SyncError {
	return &SyncError{
		Kind:    KindCaptchaDetected,
		Message: "CAPTCHAが検出されました。自動ログインは続行できません。",
		Action:  "しばらく待ってから再試行してください。",
	}
}

// NewVerificationTimeoutError は検証コード待機のタイムアウトエラーを生成する。
func NewVerificationTimeoutError() *SyncError {
	return &SyncError{
		Kind:    KindVerificationTimeout,
		Message: "待機時間内にSMS検証コードを受信できませんでした。",
		Action:  "コードを受信したら /code に再送信し、同期を再実行してください。",
	}
}

// NewVerificationFailedError はコード拒否エラーを生成する。
func NewVerificationFailedError() *SyncError {
	return &SyncError{
		Kind:    KindVerificationFailed,
		Message: "検証コードの入力後もログインが完了しませんでした。",
		Action:  "新しいコードで再試行してください。",
	}
}

// NewRefreshTimedOutError はフィード更新タイムアウトを生成する。
// 致命的ではなく、呼び出し元は古いデータで処理を続行できる。
func NewRefreshTimedOutError(detail string) *SyncError {
	return &SyncError{
		Kind:    KindRefreshTimedOut,
		Message: fmt.Sprintf("フィード更新がタイムアウトしました: %s", detail),
		Action:  "更新はバックグラウンドで継続している可能性があります。同期は古いデータで続行されます。",
	}
}

// NewRemoteAPIError は外部APIの非2xx応答エラーを生成する。
// bodyは呼び出し側でトランケート済みであることを想定する。
func NewRemoteAPIError(api string, status int, body string) *SyncError {
	return &SyncError{
		Kind:    KindRemoteAPIError,
		Message: fmt.Sprintf("%s APIがステータス %d を返しました: %s", api, status, body),
		Action:  "リモートAPIの状態を確認し、再試行してください。",
	}
}

// NewConfigurationError は必須設定の欠落エラーを生成する。
// ネットワーク活動の前に起動を失敗させるために使う。
func NewConfigurationError(detail string) *SyncError {
	return &SyncError{
		Kind:    KindConfigurationError,
		Message: fmt.Sprintf("設定が不正です: %s", detail),
		Action:  "環境変数を確認して再起動してください。",
	}
}

// NewInvalidCodeError は検証コードの形式不正エラーを生成する。
func NewInvalidCodeError() *SyncError {
	return &SyncError{
		Kind:    KindInvalidCode,
		Message: "検証コードは6桁の数字である必要があります。",
		Action:  "SMSで受信した6桁のコードをそのまま送信してください。",
	}
}
