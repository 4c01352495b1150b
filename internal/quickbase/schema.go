package quickbase

import "fmt"

// RecordIDFieldID はレコードIDを保持する組み込みフィールドのID。
// リモートテーブルストアでは全テーブル共通で3番がレコードIDになる。
const RecordIDFieldID = 3

// AccountFieldIDs は銀行口座テーブルのフィールドIDマッピング。
// セマンティックなフィールド名と整数のフィールドIDを対応させる固定スキーマ契約。
type AccountFieldIDs struct {
	QuickBooksID  int // 外部会計システム上の口座ID（マージキー）
	AccountName   int
	Nickname      int
	Institution   int
	Type          int
	Balance       int // 銀行報告残高
	LedgerBalance int // 会計帳簿上の残高
	PendingTxns   int
	LastUpdated   int
	LastSynced    int
}

// TransactionFieldIDs は銀行取引テーブルのフィールドIDマッピング。
type TransactionFieldIDs struct {
	QuickBooksID   int // OLB取引ID（マージキー）
	InternalID     int
	Date           int
	Description    int
	Amount         int
	Type           int
	MerchantName   int
	RelatedAccount int
}

// BalanceFieldIDs は残高スナップショットテーブルのフィールドIDマッピング。
type BalanceFieldIDs struct {
	Balance        int
	DateAdded      int
	RelatedAccount int
}

// DefaultAccountFieldIDs は運用中のテーブル定義に一致するデフォルト値を返す。
func DefaultAccountFieldIDs() AccountFieldIDs {
	return AccountFieldIDs{
		QuickBooksID:  6,
		AccountName:   7,
		Nickname:      8,
		Institution:   9,
		Type:          10,
		Balance:       11,
		LedgerBalance: 12,
		PendingTxns:   13,
		LastUpdated:   14,
		LastSynced:    15,
	}
}

// DefaultTransactionFieldIDs は運用中のテーブル定義に一致するデフォルト値を返す。
func DefaultTransactionFieldIDs() TransactionFieldIDs {
	return TransactionFieldIDs{
		QuickBooksID:   6,
		InternalID:     7,
		Date:           8,
		Description:    9,
		Amount:         10,
		Type:           11,
		MerchantName:   12,
		RelatedAccount: 13,
	}
}

// DefaultBalanceFieldIDs は運用中のテーブル定義に一致するデフォルト値を返す。
func DefaultBalanceFieldIDs() BalanceFieldIDs {
	return BalanceFieldIDs{
		Balance:        6,
		DateAdded:      7,
		RelatedAccount: 8,
	}
}

// Validate はフィールドIDがすべて正の整数で、重複がないことを確認する。
// スキーマ契約の黙ったドリフトを起動時に検出するためのチェック。
func (f AccountFieldIDs) Validate() error {
	return validateFieldIDs("accounts", []int{
		f.QuickBooksID, f.AccountName, f.Nickname, f.Institution, f.Type,
		f.Balance, f.LedgerBalance, f.PendingTxns, f.LastUpdated, f.LastSynced,
	})
}

// Validate はフィールドIDがすべて正の整数で、重複がないことを確認する。
func (f TransactionFieldIDs) Validate() error {
	return validateFieldIDs("transactions", []int{
		f.QuickBooksID, f.InternalID, f.Date, f.Description,
		f.Amount, f.Type, f.MerchantName, f.RelatedAccount,
	})
}

// Validate はフィールドIDがすべて正の整数で、重複がないことを確認する。
func (f BalanceFieldIDs) Validate() error {
	return validateFieldIDs("balances", []int{
		f.Balance, f.DateAdded, f.RelatedAccount,
	})
}

func validateFieldIDs(table string, ids []int) error {
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return fmt.Errorf("%sテーブルのフィールドIDが不正です: %d", table, id)
		}
		if id == RecordIDFieldID {
			return fmt.Errorf("%sテーブルのフィールドIDがレコードIDフィールド（%d）と衝突しています", table, RecordIDFieldID)
		}
		if seen[id] {
			return fmt.Errorf("%sテーブルのフィールドIDが重複しています: %d", table, id)
		}
		seen[id] = true
	}
	return nil
}
