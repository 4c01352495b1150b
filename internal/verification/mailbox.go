// Package verification はSMS検証コードの受け渡しを提供する。
// 手動送信と2種類の受信Webhookから届くコードを単一スロットのメールボックスに
// 正規化し、ログインフローが1回の待機サイクルで最大1回消費する。
package verification

import (
	"sync"

	"github.com/hitoshi/banksync/internal/model"
)

// codeLength は検証コードの桁数。
const codeLength = 6

// Mailbox はプロセス全体で1つの保留コードを保持する単一スロットホルダー。
// 新しい送信は古いコードを上書きする（last-write-wins）。
type Mailbox struct {
	mu      sync.Mutex
	code    string
	waiting bool
}

// NewMailbox はMailboxの新しいインスタンスを生成する。
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Submit は検証コードを保留スロットに格納する。
// ちょうど6桁の数字でない場合はInvalidCodeエラーを返し、スロットは変更しない。
// 既存の保留コードは新しいコードで上書きされる。
func (m *Mailbox) Submit(code string) error {
	if !isValidCode(code) {
		return model.NewInvalidCodeError()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.code = code
	return nil
}

// Take は保留コードをアトミックに取得してクリアする。
// 保留コードがない場合は("", false)を返す。
func (m *Mailbox) Take() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.code == "" {
		return "", false
	}
	code := m.code
	m.code = ""
	return code, true
}

// BeginWait はログインフローがコードの到着待ちに入ったことを記録する。
func (m *Mailbox) BeginWait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting = true
}

// EndWait はコードの到着待ちが終わったことを記録する。
func (m *Mailbox) EndWait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting = false
}

// Waiting はログインフローがコードの到着を待っているかを返す。
// 実行中の同期がこの状態にある間、トリガーAPIは「コードを送信せよ」と応答する。
func (m *Mailbox) Waiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting
}

// Clear は保留コードを破棄する。
// 同期実行の開始時に古いコードを防御的に捨てるために呼ぶ。
func (m *Mailbox) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code = ""
}

// isValidCode はコードがちょうど6桁のASCII数字かを判定する。
func isValidCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
