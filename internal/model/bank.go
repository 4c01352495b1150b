package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction は取引の方向（支出/収入）を表す。
// 元データの符号付き金額を絶対値と方向フラグの組に正規化して保持する。
type Direction string

const (
	// DirectionExpense は支出（元の金額が負）。
	DirectionExpense Direction = "Expense"
	// DirectionIncome は収入（元の金額が0以上）。
	DirectionIncome Direction = "Income"
)

// DirectionOf は符号付き金額から方向を判定する。
func DirectionOf(signed decimal.Decimal) Direction {
	if signed.IsNegative() {
		return DirectionExpense
	}
	return DirectionIncome
}

// Account は外部銀行/会計口座のミラー。
// 識別キーはリモート数値ID。毎回の同期でアップサートされ、削除はされない。
type Account struct {
	QuickBooksID  int64 // リモート数値ID（マージキー）
	Name          string
	Nickname      string
	Institution   string
	Type          string
	BankBalance   decimal.Decimal // 銀行報告残高
	LedgerBalance decimal.Decimal // 会計帳簿上の残高
	PendingCount  int
	LastUpdated   time.Time // 不明な場合はゼロ値
}

// EffectiveBalance はスナップショットに記録すべき残高を返す。
// 銀行残高がちょうどゼロの場合は帳簿残高にフォールバックする
// （「残高ゼロ」ではなく「銀行残高が未取得」を意味するケースへの対処）。
func (a *Account) EffectiveBalance() decimal.Decimal {
	if a.BankBalance.IsZero() {
		return a.LedgerBalance
	}
	return a.BankBalance
}

// Transaction は保留中（未分類）の銀行取引。
// 識別キーは外部OLB ID。アップサートされ、削除はされない。
type Transaction struct {
	RemoteID     string // リモート取引ID（複合形式、非数値サフィックスを含む場合がある）
	OLBTxnID     string // 外部OLB ID（マージキー）
	Date         string // YYYY-MM-DD
	Description  string
	Amount       decimal.Decimal // 絶対値
	Direction    Direction
	MerchantName string
	AccountID    int64 // 所属口座のリモート数値ID
}

// InternalID はリモート取引IDから数値部分を導出する。
// 「:」サフィックスを除いた先頭部分の数字のみを抽出し、数字がなければ0を返す。
func (t *Transaction) InternalID() int64 {
	head, _, _ := strings.Cut(t.RemoteID, ":")
	var n int64
	var found bool
	for _, r := range head {
		if r >= '0' && r <= '9' {
			n = n*10 + int64(r-'0')
			found = true
		}
	}
	if !found {
		return 0
	}
	return n
}

// BalanceSnapshot は（口座、暦日）ごとに1件の不変な残高ファクト。
// 上書きは決して行わず、追記のみ行う。
type BalanceSnapshot struct {
	Balance         decimal.Decimal
	Date            string // YYYY-MM-DD
	AccountRecordID int64  // リモートストア上の親口座レコードID
}

// SyncRun は1回の同期実行の履歴レコード。
type SyncRun struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     SyncRunStatus
	Summary    string
}

// SyncRunStatus は同期実行の状態を表す。
type SyncRunStatus string

const (
	// SyncRunStatusRunning は実行中。
	SyncRunStatusRunning SyncRunStatus = "running"
	// SyncRunStatusComplete は正常完了。
	SyncRunStatusComplete SyncRunStatus = "complete"
	// SyncRunStatusFailed は失敗。
	SyncRunStatusFailed SyncRunStatus = "failed"
)
