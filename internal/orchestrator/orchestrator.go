// Package orchestrator は同期実行全体の制御を提供する。
// セッション取得、フィード更新、スクレイプ、テーブルストアへの再発行、
// 元帳エクスポートの合流を1回の実行として束ね、同時実行を1件に制限する。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/banksync/internal/browser"
	"github.com/hitoshi/banksync/internal/config"
	"github.com/hitoshi/banksync/internal/history"
	"github.com/hitoshi/banksync/internal/ledger"
	"github.com/hitoshi/banksync/internal/metrics"
	"github.com/hitoshi/banksync/internal/model"
	"github.com/hitoshi/banksync/internal/recordsync"
	"github.com/hitoshi/banksync/internal/refresh"
	"github.com/hitoshi/banksync/internal/worker"
)

// ErrSyncInProgress は同期が既に実行中であることを示す。
// 呼び出し側はエラーではなく正常な重複トリガーとして扱う。
var ErrSyncInProgress = errors.New("同期は既に実行中です")

// CodeMailbox は検証コードの保管庫。実行開始時に残留コードを破棄し、
// ログインフローがコードを待っているかを観測できる。
type CodeMailbox interface {
	Clear()
	Waiting() bool
}

// SessionAcquirer は認証済みセッションの取得インターフェース。
type SessionAcquirer interface {
	Acquire(ctx context.Context, page browser.Page) (*model.Session, error)
}

// BrowserHandle は起動済みブラウザへの参照。
type BrowserHandle interface {
	NewPage() (browser.Page, error)
	Close()
}

// APIRefresher はHTTP APIによるフィード更新のインターフェース。
type APIRefresher interface {
	Run(ctx context.Context, session *model.Session) *refresh.Result
}

// DOMRefresher はDOM操作によるフィード更新のインターフェース。
type DOMRefresher interface {
	Run(ctx context.Context, page refresh.DOMPage) *refresh.Result
}

// Scraper は口座と保留中取引の取得インターフェース。
type Scraper interface {
	ScrapePending(ctx context.Context, s *model.Session) ([]model.Account, []model.Transaction, error)
}

// SyncEngine はリモートテーブルストアへの再発行インターフェース。
type SyncEngine interface {
	SyncAccounts(ctx context.Context, accounts []model.Account) (map[int64]int64, *recordsync.AccountSyncResult, error)
	SyncTransactions(ctx context.Context, txns []model.Transaction, accountMap map[int64]int64) (*recordsync.TransactionSyncResult, error)
	SyncBalances(ctx context.Context, accounts []model.Account, accountMap map[int64]int64) (*recordsync.BalanceSyncResult, error)
}

// Deps はOrchestratorの依存をまとめる。
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Mailbox    CodeMailbox
	Acquirer   SessionAcquirer
	Launch     func() (BrowserHandle, error)
	APIRefresh APIRefresher
	DOMRefresh DOMRefresher
	Scraper    Scraper
	Engine     SyncEngine
	Ledger     ledger.Exporter
	History    history.SyncRunRepository
	Metrics    metrics.MetricsCollector
}

// Options は1回の同期実行のトリガーフラグ。ゼロ値が既定の全部入り実行。
type Options struct {
	// UseDOMRefresh はフィード更新をAPIポーリングではなくDOM操作で行う。
	UseDOMRefresh bool
	// SkipRefresh はフィード更新を行わず、現状のデータをスクレイプする。
	SkipRefresh bool
	// SkipTransactions は取引の再発行を省略する。
	SkipTransactions bool
	// SkipBalances は残高スナップショットの記録を省略する。
	SkipBalances bool
	// RefreshTimeout は設定値より短いフィード更新の待機上限。0は設定値を使う。
	RefreshTimeout time.Duration
}

// Report は1回の同期実行の結果。
type Report struct {
	Summary       string
	Refresh       *refresh.Result
	Accounts      *recordsync.AccountSyncResult
	Transactions  *recordsync.TransactionSyncResult
	Balances      *recordsync.BalanceSyncResult
	LedgerSummary string
	LedgerPending bool
	Warnings      []string
}

// Orchestrator は同期実行の制御器。
type Orchestrator struct {
	deps Deps

	mu      sync.Mutex
	running bool
}

// New はOrchestratorの新しいインスタンスを生成する。
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps}
}

// Running は同期が実行中かを返す。
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// AwaitingCode は実行中の同期が検証コードの到着を待っているかを返す。
// この状態での重複トリガーには「コードを送信せよ」と応答する。
func (o *Orchestrator) AwaitingCode() bool {
	return o.Running() && o.deps.Mailbox.Waiting()
}

// tryBegin は実行権を取得する。既に実行中の場合はfalseを返す。
func (o *Orchestrator) tryBegin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// Run は1回の同期を実行する。
// 同時実行は1件のみ。既に実行中の場合はErrSyncInProgressを返す。
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Report, error) {
	if !o.tryBegin() {
		o.deps.Logger.Info("同期は既に実行中のためトリガーを無視します")
		return nil, ErrSyncInProgress
	}
	defer o.end()

	start := time.Now()
	o.deps.Logger.Info("同期を開始します",
		slog.Bool("dom_refresh", opts.UseDOMRefresh),
		slog.Bool("skip_refresh", opts.SkipRefresh),
		slog.Bool("skip_transactions", opts.SkipTransactions),
		slog.Bool("skip_balances", opts.SkipBalances),
	)

	// 前回実行の残留コードを破棄する
	o.deps.Mailbox.Clear()

	runID, err := o.deps.History.Start(ctx, start)
	if err != nil {
		o.deps.Logger.Warn("実行履歴の記録に失敗しました", slog.String("error", err.Error()))
	}

	// 元帳エクスポートは本体のブラウザ処理と並行して走らせる
	ledgerHandle := worker.Start(ctx, o.deps.Logger, "ledger-export", o.deps.Ledger.Export)

	report, err := o.runSync(ctx, opts)
	if err != nil {
		o.finish(ctx, runID, model.SyncRunStatusFailed, err.Error())
		o.deps.Metrics.RecordSyncRun("failed")
		if kind := model.KindOf(err); kind != "" {
			o.deps.Metrics.RecordSyncFailure(string(kind))
		}
		return nil, err
	}

	// 元帳エクスポートの合流。猶予を超えても失敗とはしない
	summary, ledgerErr, finished := ledgerHandle.Join(o.deps.Config.LedgerJoinTimeout)
	switch {
	case !finished:
		report.LedgerPending = true
		report.Warnings = append(report.Warnings, "元帳エクスポートは猶予時間内に完了しませんでした")
	case ledgerErr != nil:
		report.Warnings = append(report.Warnings, fmt.Sprintf("元帳エクスポートが失敗しました: %v", ledgerErr))
	default:
		report.LedgerSummary = summary
	}

	report.Summary = o.summarize(report)
	o.finish(ctx, runID, model.SyncRunStatusComplete, report.Summary)
	o.deps.Metrics.RecordSyncRun("complete")

	o.deps.Logger.Info("同期が完了しました",
		slog.String("summary", report.Summary),
		slog.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// RunLedgerOnly は元帳エクスポートのみを実行する。
func (o *Orchestrator) RunLedgerOnly(ctx context.Context) (string, error) {
	if !o.tryBegin() {
		return "", ErrSyncInProgress
	}
	defer o.end()

	o.deps.Logger.Info("元帳エクスポートを開始します")
	return o.deps.Ledger.Export(ctx)
}

// runSync はブラウザ経由のセッション取得からテーブルストアへの再発行までを実行する。
func (o *Orchestrator) runSync(ctx context.Context, opts Options) (*Report, error) {
	b, err := o.deps.Launch()
	if err != nil {
		return nil, fmt.Errorf("ブラウザの準備に失敗しました: %w", err)
	}
	defer b.Close()

	page, err := b.NewPage()
	if err != nil {
		return nil, fmt.Errorf("ページの準備に失敗しました: %w", err)
	}

	session, err := o.deps.Acquirer.Acquire(ctx, page)
	if err != nil {
		return nil, err
	}

	report := &Report{}

	if !opts.SkipRefresh {
		o.runRefresh(ctx, opts, session, page, report)
	}

	accounts, txns, err := o.deps.Scraper.ScrapePending(ctx, session)
	if err != nil {
		return nil, err
	}

	accountMap, accountResult, err := o.deps.Engine.SyncAccounts(ctx, accounts)
	if err != nil {
		return nil, err
	}
	report.Accounts = accountResult
	o.deps.Metrics.RecordRecordsUpserted("accounts", accountResult.Synced)

	if !opts.SkipTransactions {
		txnResult, err := o.deps.Engine.SyncTransactions(ctx, txns, accountMap)
		if err != nil {
			return nil, err
		}
		report.Transactions = txnResult
		o.deps.Metrics.RecordRecordsUpserted("transactions", txnResult.Synced)
	}

	if !opts.SkipBalances {
		balanceResult, err := o.deps.Engine.SyncBalances(ctx, accounts, accountMap)
		if err != nil {
			return nil, err
		}
		report.Balances = balanceResult
		o.deps.Metrics.RecordRecordsUpserted("balances", balanceResult.Inserted)
	}

	return report, nil
}

// runRefresh はフィード更新を実行する。失敗もタイムアウトも致命的ではなく、
// 警告を積んでその時点のデータでスクレイプを続行する。
func (o *Orchestrator) runRefresh(ctx context.Context, opts Options, session *model.Session, page browser.Page, report *Report) {
	refreshCtx := ctx
	if opts.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		refreshCtx, cancel = context.WithTimeout(ctx, opts.RefreshTimeout)
		defer cancel()
	}

	if opts.UseDOMRefresh {
		if err := page.Navigate(o.deps.Config.QBBaseURL + "/app/banking"); err != nil {
			o.deps.Logger.Warn("バンキングページへの遷移に失敗しました", slog.String("error", err.Error()))
		}
		report.Refresh = o.deps.DOMRefresh.Run(refreshCtx, page)
	} else {
		report.Refresh = o.deps.APIRefresh.Run(refreshCtx, session)
	}
	o.deps.Metrics.RecordRefreshDuration(report.Refresh.Elapsed)
	report.Warnings = append(report.Warnings, report.Refresh.Warnings...)
	switch report.Refresh.Outcome {
	case refresh.OutcomeComplete:
	case refresh.OutcomeTimedOut:
		report.Warnings = append(report.Warnings,
			model.NewRefreshTimedOutError(fmt.Sprintf("経過時間 %s", report.Refresh.Elapsed)).Error())
	default:
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("フィード更新が完了しませんでした（%s）。古いデータで続行します", report.Refresh.Outcome))
	}
}

// finish は実行履歴を閉じる。履歴が無効な場合は何もしない。
func (o *Orchestrator) finish(ctx context.Context, runID string, status model.SyncRunStatus, summary string) {
	if runID == "" {
		return
	}
	if err := o.deps.History.Finish(ctx, runID, status, summary); err != nil {
		o.deps.Logger.Warn("実行履歴の更新に失敗しました", slog.String("error", err.Error()))
	}
}

// summarize は実行結果の要約文字列を構築する。省略した工程はskippedと表す。
func (o *Orchestrator) summarize(r *Report) string {
	ledgerState := "done"
	if r.LedgerPending {
		ledgerState = "pending"
	} else if r.LedgerSummary == "" {
		ledgerState = "failed"
	}

	txnState := "skipped"
	if r.Transactions != nil {
		txnState = fmt.Sprintf("%d (unmapped=%d)", r.Transactions.Synced, r.Transactions.Skipped)
	}
	balanceState := "skipped"
	if r.Balances != nil {
		balanceState = fmt.Sprintf("%d", r.Balances.Inserted)
	}
	refreshState := "skipped"
	if r.Refresh != nil {
		refreshState = string(r.Refresh.Outcome)
	}

	return fmt.Sprintf("accounts=%d transactions=%s balances=%s refresh=%s ledger=%s warnings=%d",
		r.Accounts.Synced,
		txnState,
		balanceState,
		refreshState,
		ledgerState,
		len(r.Warnings),
	)
}
