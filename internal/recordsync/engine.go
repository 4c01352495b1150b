// Package recordsync はスクレイプしたデータのリモートテーブルストアへの
// 再発行を提供する。口座と取引はマージキー付きアップサート（再実行しても
// 重複しない）、残高は暦日ごとの追記専用スナップショットとして書き込む。
package recordsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/banksync/internal/config"
	"github.com/hitoshi/banksync/internal/model"
	"github.com/hitoshi/banksync/internal/quickbase"
	"github.com/hitoshi/banksync/internal/security"
)

// StoreClient はリモートテーブルストア操作のインターフェース。
type StoreClient interface {
	Upsert(ctx context.Context, tableID string, records []quickbase.Record, mergeFieldID int, fieldsToReturn []int) (*quickbase.UpsertResult, error)
	Query(ctx context.Context, tableID string, selectFields []int, where string) ([]quickbase.ResponseRecord, error)
}

// Engine はアップサート同期エンジン。
type Engine struct {
	store     StoreClient
	sanitizer security.TextSanitizerService
	logger    *slog.Logger
	cfg       *config.Config
	now       func() time.Time // テスト用に差し替え可能
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(store StoreClient, sanitizer security.TextSanitizerService, logger *slog.Logger, cfg *config.Config) *Engine {
	return &Engine{
		store:     store,
		sanitizer: sanitizer,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock は現在時刻の取得関数を差し替える。テスト用。
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// AccountSyncResult は口座同期の結果。
type AccountSyncResult struct {
	Synced  int
	Created int
	Updated int
}

// SyncAccounts は口座をアップサートし、外部口座ID→ストア上のレコードIDの
// 対応表を返す。対応表はアップサート応答と全件クエリの和集合から構築する
// （変更のなかったレコードが応答に含まれない場合への対処）。
func (e *Engine) SyncAccounts(ctx context.Context, accounts []model.Account) (map[int64]int64, *AccountSyncResult, error) {
	f := e.cfg.AccountFields
	nowStr := e.now().UTC().Format(time.RFC3339)

	records := make([]quickbase.Record, 0, len(accounts))
	for _, a := range accounts {
		rec := quickbase.Record{
			f.QuickBooksID:  a.QuickBooksID,
			f.AccountName:   e.sanitizer.Sanitize(a.Name),
			f.Nickname:      e.sanitizer.Sanitize(a.Nickname),
			f.Institution:   e.sanitizer.Sanitize(a.Institution),
			f.Type:          e.sanitizer.Sanitize(a.Type),
			f.Balance:       a.BankBalance.String(),
			f.LedgerBalance: a.LedgerBalance.String(),
			f.PendingTxns:   a.PendingCount,
			f.LastSynced:    nowStr,
		}
		if !a.LastUpdated.IsZero() {
			rec[f.LastUpdated] = a.LastUpdated.UTC().Format(time.RFC3339)
		}
		records = append(records, rec)
	}

	result, err := e.store.Upsert(ctx, e.cfg.AccountsTableID, records,
		f.QuickBooksID, []int{quickbase.RecordIDFieldID, f.QuickBooksID})
	if err != nil {
		return nil, nil, fmt.Errorf("口座のアップサートに失敗しました: %w", err)
	}

	accountMap := make(map[int64]int64)
	for _, rec := range result.Data {
		recordID, ok1 := rec.Int64(quickbase.RecordIDFieldID)
		qbID, ok2 := rec.Int64(f.QuickBooksID)
		if ok1 && ok2 {
			accountMap[qbID] = recordID
		}
	}

	// 全件クエリで対応表を補完する
	all, err := e.store.Query(ctx, e.cfg.AccountsTableID,
		[]int{quickbase.RecordIDFieldID, f.QuickBooksID}, "")
	if err != nil {
		e.logger.Warn("口座テーブルの全件クエリに失敗しました", slog.String("error", err.Error()))
	} else {
		for _, rec := range all {
			recordID, ok1 := rec.Int64(quickbase.RecordIDFieldID)
			qbID, ok2 := rec.Int64(f.QuickBooksID)
			if ok1 && ok2 {
				if _, exists := accountMap[qbID]; !exists {
					accountMap[qbID] = recordID
				}
			}
		}
	}

	e.logger.Info("口座を同期しました",
		slog.Int("count", len(accounts)),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("mapped", len(accountMap)),
	)

	return accountMap, &AccountSyncResult{
		Synced:  len(accounts),
		Created: result.Created,
		Updated: result.Updated,
	}, nil
}

// TransactionSyncResult は取引同期の結果。
type TransactionSyncResult struct {
	Synced  int
	Created int
	Updated int
	Skipped int // 対応表に口座がなくスキップした件数
	Failed  int // 失敗したバッチに含まれていた可能性のあるバッチ数
}

// SyncTransactions は保留中取引をアップサートする。
// 対応表にない口座の取引はスキップし、件数を記録する。
func (e *Engine) SyncTransactions(ctx context.Context, txns []model.Transaction, accountMap map[int64]int64) (*TransactionSyncResult, error) {
	f := e.cfg.TransactionFields

	records := make([]quickbase.Record, 0, len(txns))
	skipped := 0
	for _, t := range txns {
		recordID, ok := accountMap[t.AccountID]
		if !ok {
			skipped++
			continue
		}
		records = append(records, quickbase.Record{
			f.QuickBooksID:   t.OLBTxnID,
			f.InternalID:     t.InternalID(),
			f.Date:           t.Date,
			f.Description:    e.sanitizer.Sanitize(t.Description),
			f.Amount:         t.Amount.String(),
			f.Type:           string(t.Direction),
			f.MerchantName:   e.sanitizer.Sanitize(t.MerchantName),
			f.RelatedAccount: recordID,
		})
	}

	if skipped > 0 {
		e.logger.Warn("対応表にない口座の取引をスキップしました", slog.Int("count", skipped))
	}

	result, err := e.store.Upsert(ctx, e.cfg.TransactionsTableID, records,
		f.QuickBooksID, []int{quickbase.RecordIDFieldID})
	if err != nil {
		return nil, fmt.Errorf("取引のアップサートに失敗しました: %w", err)
	}

	e.logger.Info("取引を同期しました",
		slog.Int("count", len(records)),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("skipped", skipped),
	)

	return &TransactionSyncResult{
		Synced:  len(records),
		Created: result.Created,
		Updated: result.Updated,
		Skipped: skipped,
		Failed:  len(result.BatchErrors),
	}, nil
}

// BalanceSyncResult は残高スナップショット同期の結果。
type BalanceSyncResult struct {
	Inserted      int
	AlreadyExists int
	SkippedNoMap  int
	Disabled      bool // 残高テーブル未設定でスキップした場合
}

// SyncBalances は当日分の残高スナップショットを追記する。
// （口座、暦日）ごとに1件のみ。既に当日分が存在する口座には書き込まない。
// 既存レコードの上書きは決して行わない。
func (e *Engine) SyncBalances(ctx context.Context, accounts []model.Account, accountMap map[int64]int64) (*BalanceSyncResult, error) {
	if e.cfg.BalancesTableID == "" {
		e.logger.Info("残高テーブルが未設定のためスナップショット同期をスキップします")
		return &BalanceSyncResult{Disabled: true}, nil
	}

	f := e.cfg.BalanceFields
	today := e.now().UTC().Format("2006-01-02")

	// 当日分が既に存在する口座レコードIDの集合
	existing, err := e.store.Query(ctx, e.cfg.BalancesTableID,
		[]int{quickbase.RecordIDFieldID, f.RelatedAccount},
		quickbase.WhereEquals(f.DateAdded, today))
	if err != nil {
		return nil, fmt.Errorf("既存スナップショットの照会に失敗しました: %w", err)
	}

	hasToday := make(map[int64]bool, len(existing))
	for _, rec := range existing {
		if id, ok := rec.Int64(f.RelatedAccount); ok {
			hasToday[id] = true
		}
	}

	result := &BalanceSyncResult{}
	var snapshots []model.BalanceSnapshot
	for _, a := range accounts {
		recordID, ok := accountMap[a.QuickBooksID]
		if !ok {
			result.SkippedNoMap++
			continue
		}
		if hasToday[recordID] {
			result.AlreadyExists++
			continue
		}
		snapshots = append(snapshots, model.BalanceSnapshot{
			Balance:         a.EffectiveBalance(),
			Date:            today,
			AccountRecordID: recordID,
		})
	}

	records := make([]quickbase.Record, 0, len(snapshots))
	for _, s := range snapshots {
		records = append(records, quickbase.Record{
			f.Balance:        s.Balance.String(),
			f.DateAdded:      s.Date,
			f.RelatedAccount: s.AccountRecordID,
		})
	}

	if len(records) > 0 {
		// mergeFieldIDを指定しない書き込みは常に新規レコードを作成する
		if _, err := e.store.Upsert(ctx, e.cfg.BalancesTableID, records, 0, nil); err != nil {
			return nil, fmt.Errorf("残高スナップショットの追記に失敗しました: %w", err)
		}
		result.Inserted = len(records)
	}

	e.logger.Info("残高スナップショットを同期しました",
		slog.String("date", today),
		slog.Int("inserted", result.Inserted),
		slog.Int("already_exists", result.AlreadyExists),
	)

	return result, nil
}
