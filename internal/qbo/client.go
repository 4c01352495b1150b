// Package qbo は対象の金融WebアプリのHTTP APIクライアントを提供する。
// 認証はセッションCookieと静的APIキーヘッダー、存在する場合はCSRFヘッダーで行う。
// ログイン後のデータ取得はブラウザを使わず、このクライアント経由のHTTP呼び出しのみ。
package qbo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/banksync/internal/model"
)

const (
	// defaultAPIKey はアプリのJSバンドルに埋め込まれている公開APIキー。
	defaultAPIKey = "prdakyresxaDrhFXaSARXaUdj1S8M7h6YK7YGekc"
	// defaultBaseURL は対象アプリのベースURL。
	defaultBaseURL = "https://qbo.intuit.com"
	// pluginID は更新トリガーAPIが要求するプラグイン識別ヘッダーの値。
	pluginID = "integrations-datain-ui"
	// userAgent はブラウザセッションと整合するUA文字列。
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.5 Safari/605.1.15"
	// txnPageSize は取引取得の1ページあたりの件数。
	txnPageSize = 50
	// txnFetchLimit は1口座あたりの取引取得上限。
	txnFetchLimit = 500
	// errBodyTruncate はエラーログに含めるレスポンスボディの最大長。
	errBodyTruncate = 300
)

// Client は対象金融WebアプリのAPIクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string // テスト用にエンドポイントを差し替え可能
	apiKey     string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    defaultBaseURL,
		apiKey:     defaultAPIKey,
	}
}

// SetBaseURL はAPIのベースURLを差し替える。テストおよび環境切り替え用。
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// headers はセッションからAPI呼び出し用の標準ヘッダーを構築する。
func (c *Client) headers(s *model.Session) http.Header {
	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("apiKey", c.apiKey)
	h.Set("Authorization", fmt.Sprintf("Intuit_APIKey intuit_apikey=%s, intuit_apikey_version=1.0", c.apiKey))
	h.Set("authType", "browser_auth")
	h.Set("Content-Type", "application/json")
	h.Set("Cookie", s.CookieHeader())
	h.Set("intuit-company-id", s.CompanyID())
	h.Set("Referer", c.baseURL+"/app/banking")
	h.Set("User-Agent", userAgent)

	if t := s.CSRFToken(); t != "" {
		h.Set("Csrftoken", t)
	}
	if t := s.XCSRFToken(); t != "" {
		h.Set("x-csrf-token", t)
	}
	return h
}

// do は認証付きリクエストを実行し、2xx以外をRemoteAPIErrorとして返す。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, s *model.Session, extra http.Header) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header = c.headers(s)
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewRemoteAPIError("QuickBooks", resp.StatusCode, truncate(string(data), errBodyTruncate))
	}

	return data, nil
}

// CheckSession はテスト呼び出しでセッションの有効性を確認する。
// 口座一覧エンドポイントが口座データを返せば有効と判断する。
func (c *Client) CheckSession(ctx context.Context, s *model.Session) bool {
	path := fmt.Sprintf("/api/neo/v1/company/%s/olb/ng/getInitialData", s.CompanyID())
	data, err := c.do(ctx, http.MethodGet, path, nil, nil, s, nil)
	if err != nil {
		c.logger.Warn("セッション確認に失敗しました", slog.String("error", err.Error()))
		return false
	}

	var payload struct {
		Accounts []json.RawMessage `json:"accounts"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return false
	}
	return payload.Accounts != nil
}

// accountPayload は口座一覧APIの応答項目。
type accountPayload struct {
	QBOAccountID       json.Number `json:"qboAccountId"`
	QBOAccountFullName string      `json:"qboAccountFullName"`
	OLBAccountNickname string      `json:"olbAccountNickname"`
	FIName             string      `json:"fiName"`
	QBOAccountType     string      `json:"qboAccountType"`
	BankBalance        json.Number `json:"bankBalance"`
	QBOBalance         json.Number `json:"qboBalance"`
	NumTxnToReview     json.Number `json:"numTxnToReview"`
	LastUpdateTime     string      `json:"lastUpdateTime"`
}

// GetAccounts は接続済み銀行口座の一覧を取得する。
func (c *Client) GetAccounts(ctx context.Context, s *model.Session) ([]model.Account, error) {
	path := fmt.Sprintf("/api/neo/v1/company/%s/olb/ng/getInitialData", s.CompanyID())
	data, err := c.do(ctx, http.MethodGet, path, nil, nil, s, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Accounts []accountPayload `json:"accounts"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("口座一覧のパースに失敗しました: %w", err)
	}

	accounts := make([]model.Account, 0, len(payload.Accounts))
	for _, a := range payload.Accounts {
		id, _ := a.QBOAccountID.Int64()
		accounts = append(accounts, model.Account{
			QuickBooksID:  id,
			Name:          a.QBOAccountFullName,
			Nickname:      a.OLBAccountNickname,
			Institution:   a.FIName,
			Type:          a.QBOAccountType,
			BankBalance:   decimalFromNumber(a.BankBalance),
			LedgerBalance: decimalFromNumber(a.QBOBalance),
			PendingCount:  intFromNumber(a.NumTxnToReview),
			LastUpdated:   parseRemoteTime(a.LastUpdateTime),
		})
	}

	c.logger.Info("口座一覧を取得しました", slog.Int("count", len(accounts)))
	return accounts, nil
}

// txnPayload は取引取得APIの応答項目。
type txnPayload struct {
	ID           string      `json:"id"`
	OLBTxnID     looseString `json:"olbTxnId"`
	OLBTxnDate   string      `json:"olbTxnDate"`
	Description  string      `json:"description"`
	Amount       json.Number `json:"amount"`
	MerchantName string      `json:"merchantName"`
}

// GetPendingTransactions は指定口座の保留中（レビュー待ち）取引を取得する。
// X-Rangeヘッダーでページングし、上限件数または全件取得で打ち切る。
func (c *Client) GetPendingTransactions(ctx context.Context, s *model.Session, accountID int64) ([]model.Transaction, error) {
	path := fmt.Sprintf("/api/neo/v1/company/%s/olb/ng/getTransactions", s.CompanyID())
	query := url.Values{
		"accountId":      {strconv.FormatInt(accountID, 10)},
		"sort":           {"-txnDate"},
		"reviewState":    {"PENDING"},
		"ignoreMatching": {"false"},
	}

	var txns []model.Transaction
	offset := 0

	for offset < txnFetchLimit {
		extra := http.Header{}
		extra.Set("X-Range", fmt.Sprintf("items=%d-%d", offset, offset+txnPageSize-1))

		data, err := c.do(ctx, http.MethodGet, path, query, nil, s, extra)
		if err != nil {
			return nil, err
		}

		var page struct {
			Items                  []txnPayload `json:"items"`
			TotalTransactionsCount int          `json:"totalTransactionsCount"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("取引一覧のパースに失敗しました: %w", err)
		}

		if len(page.Items) == 0 {
			break
		}

		for _, item := range page.Items {
			signed := decimalFromNumber(item.Amount)
			txns = append(txns, model.Transaction{
				RemoteID:     item.ID,
				OLBTxnID:     string(item.OLBTxnID),
				Date:         dateOnly(item.OLBTxnDate),
				Description:  item.Description,
				Amount:       signed.Abs(),
				Direction:    model.DirectionOf(signed),
				MerchantName: item.MerchantName,
				AccountID:    accountID,
			})
		}

		offset += len(page.Items)
		if offset >= page.TotalTransactionsCount {
			break
		}
	}

	c.logger.Info("保留中取引を取得しました",
		slog.Int64("account_id", accountID),
		slog.Int("count", len(txns)),
	)
	return txns, nil
}

// ScrapePending は全口座とその保留中取引を取得する。
// 個別口座の取引取得失敗はログに記録してスキップし、全体は失敗させない。
func (c *Client) ScrapePending(ctx context.Context, s *model.Session) ([]model.Account, []model.Transaction, error) {
	accounts, err := c.GetAccounts(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	var all []model.Transaction
	for _, acct := range accounts {
		txns, err := c.GetPendingTransactions(ctx, s, acct.QuickBooksID)
		if err != nil {
			c.logger.Warn("口座の取引取得に失敗したためスキップします",
				slog.Int64("account_id", acct.QuickBooksID),
				slog.String("error", err.Error()),
			)
			continue
		}
		all = append(all, txns...)
	}

	return accounts, all, nil
}

// UpdateStatus はフィード更新バッチジョブの状態。
// トップレベルの完了フラグとサブジョブごとのフラグは一致しない場合がある。
type UpdateStatus struct {
	IsComplete bool     `json:"isComplete"`
	HasErrors  bool     `json:"hasErrors"`
	SubJobs    []SubJob `json:"subJobs"`
}

// SubJob は1金融機関分の更新作業単位。
type SubJob struct {
	FIName     string            `json:"fiName"`
	IsComplete bool              `json:"isComplete"`
	HasError   bool              `json:"hasError"`
	Accounts   []json.RawMessage `json:"accounts"`
}

// CompletedSubJobs は完了したサブジョブ数を返す。
func (u *UpdateStatus) CompletedSubJobs() int {
	n := 0
	for _, sj := range u.SubJobs {
		if sj.IsComplete {
			n++
		}
	}
	return n
}

// ErroredSubJobs はエラーを報告したサブジョブ数を返す。
func (u *UpdateStatus) ErroredSubJobs() int {
	n := 0
	for _, sj := range u.SubJobs {
		if sj.HasError {
			n++
		}
	}
	return n
}

// AllSubJobsComplete は全サブジョブが完了を報告しているかを返す。
// サブジョブが0件の場合はfalse（判断材料がない）。
func (u *UpdateStatus) AllSubJobsComplete() bool {
	if len(u.SubJobs) == 0 {
		return false
	}
	for _, sj := range u.SubJobs {
		if !sj.IsComplete {
			return false
		}
	}
	return true
}

// ErrorBanks はエラーを報告した金融機関名の一覧を返す。
func (u *UpdateStatus) ErrorBanks() []string {
	var names []string
	for _, sj := range u.SubJobs {
		if sj.HasError {
			names = append(names, sj.FIName)
		}
	}
	return names
}

// TotalAccounts は更新対象の口座総数を返す。
func (u *UpdateStatus) TotalAccounts() int {
	n := 0
	for _, sj := range u.SubJobs {
		n += len(sj.Accounts)
	}
	return n
}

// TriggerManualUpdate はフィード更新ジョブを起動する。
// このエンドポイントは冪等で、再呼び出しは現在のジョブ状態を返すため
// ステータスプローブを兼ねる。
func (c *Client) TriggerManualUpdate(ctx context.Context, s *model.Session) (*UpdateStatus, error) {
	path := fmt.Sprintf("/api/neo/v2/company/%s/olb/manualUpdate/start", s.CompanyID())

	extra := http.Header{}
	extra.Set("intuit-plugin-id", pluginID)
	extra.Set("intuit_tid", uuid.NewString())
	if userID := s.UserID(); userID != "" {
		extra.Set("intuit-user-id", userID)
	}

	body := map[string]any{"fiList": []any{}}

	data, err := c.do(ctx, http.MethodPost, path, nil, body, s, extra)
	if err != nil {
		return nil, err
	}

	var status UpdateStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("更新ステータスのパースに失敗しました: %w", err)
	}

	return &status, nil
}

// looseString はJSONの数値・文字列のどちらでも受け付ける文字列型。
// リモートAPIのID類は型が安定しないため使用する。
type looseString string

// UnmarshalJSON はJSONの数値または文字列を文字列として取り込む。
func (l *looseString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*l = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = looseString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*l = looseString(n.String())
	return nil
}

// decimalFromNumber はjson.Numberをdecimalに変換する。空・不正は0を返す。
func decimalFromNumber(n json.Number) decimal.Decimal {
	if n == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

// intFromNumber はjson.Numberをintに変換する。空・不正は0を返す。
func intFromNumber(n json.Number) int {
	if n == "" {
		return 0
	}
	i, err := n.Int64()
	if err != nil {
		return 0
	}
	return int(i)
}

// parseRemoteTime はリモートAPIのISO 8601タイムスタンプをパースする。
// パースできない場合はゼロ値を返す。
func parseRemoteTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// dateOnly はISO 8601タイムスタンプから日付部分（YYYY-MM-DD）を取り出す。
func dateOnly(v string) string {
	if len(v) >= 10 {
		return v[:10]
	}
	return v
}

// truncate は文字列を最大長で切り詰める。
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
