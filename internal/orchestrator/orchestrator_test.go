package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/banksync/internal/browser"
	"github.com/hitoshi/banksync/internal/config"
	"github.com/hitoshi/banksync/internal/metrics"
	"github.com/hitoshi/banksync/internal/model"
	"github.com/hitoshi/banksync/internal/recordsync"
	"github.com/hitoshi/banksync/internal/refresh"
)

type fakeMailbox struct {
	mu      sync.Mutex
	clears  int
	waiting bool
}

func (f *fakeMailbox) Clear() {
	f.mu.Lock()
	f.clears++
	f.mu.Unlock()
}

func (f *fakeMailbox) Waiting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting
}

func (f *fakeMailbox) setWaiting(v bool) {
	f.mu.Lock()
	f.waiting = v
	f.mu.Unlock()
}

type fakePage struct{}

func (fakePage) Navigate(string) error                      { return nil }
func (fakePage) URL() string                                { return "" }
func (fakePage) BodyText() (string, error)                  { return "", nil }
func (fakePage) HasText(string) (bool, error)               { return false, nil }
func (fakePage) ClickText(string) error                     { return nil }
func (fakePage) ClickSelector(string) error                 { return nil }
func (fakePage) Type(string, string) error                  { return nil }
func (fakePage) WaitURLContains(string, time.Duration) bool { return true }
func (fakePage) CookiesForDomain(string) (map[string]string, error) {
	return nil, nil
}
func (fakePage) Screenshot() ([]byte, error) { return nil, nil }

type fakeBrowser struct{}

func (fakeBrowser) NewPage() (browser.Page, error) { return fakePage{}, nil }
func (fakeBrowser) Close()                         {}

type fakeAcquirer struct {
	err   error
	block chan struct{} // 非nilの場合、閉じられるまでAcquireをブロックする
}

func (f *fakeAcquirer) Acquire(_ context.Context, _ browser.Page) (*model.Session, error) {
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.Session{Cookies: map[string]string{
		"qbo.currentcompanyid": "913000123",
		"qbo.ticket":           "V1-abc",
	}}, nil
}

type fakeRefresher struct {
	result *refresh.Result
}

func (f *fakeRefresher) Run(_ context.Context, _ *model.Session) *refresh.Result {
	return f.result
}

type fakeDOMRefresher struct {
	result *refresh.Result
	called bool
}

func (f *fakeDOMRefresher) Run(_ context.Context, _ refresh.DOMPage) *refresh.Result {
	f.called = true
	return f.result
}

type fakeScraper struct {
	accounts []model.Account
	txns     []model.Transaction
	err      error
}

func (f *fakeScraper) ScrapePending(_ context.Context, _ *model.Session) ([]model.Account, []model.Transaction, error) {
	return f.accounts, f.txns, f.err
}

type fakeEngine struct{}

func (fakeEngine) SyncAccounts(_ context.Context, accounts []model.Account) (map[int64]int64, *recordsync.AccountSyncResult, error) {
	m := make(map[int64]int64)
	for i, a := range accounts {
		m[a.QuickBooksID] = int64(100 + i)
	}
	return m, &recordsync.AccountSyncResult{Synced: len(accounts)}, nil
}

func (fakeEngine) SyncTransactions(_ context.Context, txns []model.Transaction, _ map[int64]int64) (*recordsync.TransactionSyncResult, error) {
	return &recordsync.TransactionSyncResult{Synced: len(txns)}, nil
}

func (fakeEngine) SyncBalances(_ context.Context, accounts []model.Account, _ map[int64]int64) (*recordsync.BalanceSyncResult, error) {
	return &recordsync.BalanceSyncResult{Inserted: len(accounts)}, nil
}

type fakeLedger struct {
	summary string
	err     error
	delay   time.Duration
}

func (f *fakeLedger) Export(_ context.Context) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.summary, f.err
}

type fakeHistory struct {
	mu       sync.Mutex
	started  int
	statuses []model.SyncRunStatus
}

func (f *fakeHistory) Start(_ context.Context, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return "run-1", nil
}

func (f *fakeHistory) Finish(_ context.Context, _ string, status model.SyncRunStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeHistory) Recent(_ context.Context, _ int) ([]model.SyncRun, error) {
	return nil, nil
}

func testDeps() Deps {
	return Deps{
		Config: &config.Config{
			QBBaseURL:         "https://qbo.example.com",
			LedgerJoinTimeout: 100 * time.Millisecond,
		},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Mailbox:  &fakeMailbox{},
		Acquirer: &fakeAcquirer{},
		Launch: func() (BrowserHandle, error) {
			return fakeBrowser{}, nil
		},
		APIRefresh: &fakeRefresher{result: &refresh.Result{Outcome: refresh.OutcomeComplete}},
		DOMRefresh: &fakeDOMRefresher{result: &refresh.Result{Outcome: refresh.OutcomeComplete}},
		Scraper: &fakeScraper{
			accounts: []model.Account{{QuickBooksID: 42}},
			txns:     []model.Transaction{{OLBTxnID: "900", AccountID: 42}},
		},
		Engine:  fakeEngine{},
		Ledger:  &fakeLedger{summary: "exported"},
		History: &fakeHistory{},
		Metrics: metrics.NopCollector{},
	}
}

func TestOrchestrator_Run(t *testing.T) {
	deps := testDeps()
	mailbox := deps.Mailbox.(*fakeMailbox)
	hist := deps.History.(*fakeHistory)

	o := New(deps)
	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	if mailbox.clears != 1 {
		t.Errorf("メールボックスのClear回数 = %d, want 1", mailbox.clears)
	}
	if report.Accounts.Synced != 1 || report.Transactions.Synced != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.LedgerSummary != "exported" {
		t.Errorf("LedgerSummary = %s, want exported", report.LedgerSummary)
	}
	if !strings.Contains(report.Summary, "refresh=complete") {
		t.Errorf("Summary = %s", report.Summary)
	}
	if len(hist.statuses) != 1 || hist.statuses[0] != model.SyncRunStatusComplete {
		t.Errorf("履歴の終了状態 = %v", hist.statuses)
	}
	if o.Running() {
		t.Error("実行完了後も Running = true")
	}
}

func TestOrchestrator_SecondTriggerRejected(t *testing.T) {
	deps := testDeps()
	block := make(chan struct{})
	deps.Acquirer = &fakeAcquirer{block: block}

	o := New(deps)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), Options{})
		done <- err
	}()

	// 1回目がAcquireでブロックするまで待つ
	for i := 0; i < 100 && !o.Running(); i++ {
		time.Sleep(time.Millisecond)
	}
	if !o.Running() {
		t.Fatal("1回目の実行が開始されなかった")
	}

	// 2回目のトリガーは即座に拒否されること
	if _, err := o.Run(context.Background(), Options{}); err != ErrSyncInProgress {
		t.Errorf("err = %v, want ErrSyncInProgress", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Errorf("1回目の実行がエラーを返した: %v", err)
	}
}

func TestOrchestrator_LoginFailure(t *testing.T) {
	deps := testDeps()
	deps.Acquirer = &fakeAcquirer{err: model.NewCaptchaDetectedError()}
	hist := deps.History.(*fakeHistory)

	o := New(deps)
	_, err := o.Run(context.Background(), Options{})

	if model.KindOf(err) != model.KindCaptchaDetected {
		t.Errorf("エラー種別 = %s, want %s", model.KindOf(err), model.KindCaptchaDetected)
	}
	if len(hist.statuses) != 1 || hist.statuses[0] != model.SyncRunStatusFailed {
		t.Errorf("履歴の終了状態 = %v", hist.statuses)
	}
	if o.Running() {
		t.Error("失敗後も Running = true")
	}
}

func TestOrchestrator_LedgerPending(t *testing.T) {
	deps := testDeps()
	deps.Ledger = &fakeLedger{summary: "late", delay: time.Second}

	o := New(deps)
	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	// 元帳エクスポートの未完了は実行全体を失敗させないこと
	if !report.LedgerPending {
		t.Error("LedgerPending = false, want true")
	}
	if !strings.Contains(report.Summary, "ledger=pending") {
		t.Errorf("Summary = %s", report.Summary)
	}
}

func TestOrchestrator_RefreshTimeoutContinues(t *testing.T) {
	deps := testDeps()
	deps.APIRefresh = &fakeRefresher{result: &refresh.Result{Outcome: refresh.OutcomeTimedOut}}

	o := New(deps)
	report, err := o.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("フィード更新タイムアウトで実行が失敗した: %v", err)
	}

	// 古いデータで続行し、警告として記録されること
	if report.Accounts.Synced != 1 {
		t.Errorf("Accounts.Synced = %d, want 1", report.Accounts.Synced)
	}
	if len(report.Warnings) == 0 {
		t.Fatal("タイムアウトの警告が記録されていない")
	}
	// タイムアウトは分類付きの警告として報告されること
	if !strings.Contains(report.Warnings[0], string(model.KindRefreshTimedOut)) {
		t.Errorf("警告 = %q, want %q を含む", report.Warnings[0], model.KindRefreshTimedOut)
	}
}

func TestOrchestrator_DOMRefresh(t *testing.T) {
	deps := testDeps()
	dom := deps.DOMRefresh.(*fakeDOMRefresher)

	o := New(deps)
	if _, err := o.Run(context.Background(), Options{UseDOMRefresh: true}); err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	if !dom.called {
		t.Error("DOM戦略が使用されていない")
	}
}

func TestOrchestrator_SkipOptions(t *testing.T) {
	deps := testDeps()

	o := New(deps)
	report, err := o.Run(context.Background(), Options{
		SkipRefresh:      true,
		SkipTransactions: true,
		SkipBalances:     true,
	})
	if err != nil {
		t.Fatalf("Run がエラーを返した: %v", err)
	}

	if report.Refresh != nil {
		t.Error("SkipRefresh指定でもフィード更新が実行された")
	}
	if report.Transactions != nil {
		t.Error("SkipTransactions指定でも取引が同期された")
	}
	if report.Balances != nil {
		t.Error("SkipBalances指定でも残高が記録された")
	}
	if report.Accounts.Synced != 1 {
		t.Errorf("Accounts.Synced = %d, want 1", report.Accounts.Synced)
	}
	if !strings.Contains(report.Summary, "transactions=skipped") ||
		!strings.Contains(report.Summary, "balances=skipped") ||
		!strings.Contains(report.Summary, "refresh=skipped") {
		t.Errorf("Summary = %s", report.Summary)
	}
}

func TestOrchestrator_AwaitingCode(t *testing.T) {
	deps := testDeps()
	mailbox := deps.Mailbox.(*fakeMailbox)
	block := make(chan struct{})
	deps.Acquirer = &fakeAcquirer{block: block}

	o := New(deps)
	if o.AwaitingCode() {
		t.Error("未実行時に AwaitingCode = true")
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), Options{})
		done <- err
	}()
	for i := 0; i < 100 && !o.Running(); i++ {
		time.Sleep(time.Millisecond)
	}

	// コード待ちは実行中かつメールボックスが待機状態のときのみ
	if o.AwaitingCode() {
		t.Error("待機前に AwaitingCode = true")
	}
	mailbox.setWaiting(true)
	if !o.AwaitingCode() {
		t.Error("待機中に AwaitingCode = false")
	}
	mailbox.setWaiting(false)

	close(block)
	if err := <-done; err != nil {
		t.Errorf("実行がエラーを返した: %v", err)
	}
}

func TestOrchestrator_RunLedgerOnly(t *testing.T) {
	deps := testDeps()
	o := New(deps)

	summary, err := o.RunLedgerOnly(context.Background())
	if err != nil {
		t.Fatalf("RunLedgerOnly がエラーを返した: %v", err)
	}
	if summary != "exported" {
		t.Errorf("summary = %s, want exported", summary)
	}
}
