// Package quickbase はリモートテーブルストア（Quickbase JSON API）のクライアントを提供する。
// レコードはフィールドIDをキーとするマップで表現し、マージキー付きアップサートと
// 条件クエリのみを公開する。
package quickbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/banksync/internal/model"
)

const (
	// defaultBaseURL はQuickbase JSON APIのエンドポイント。
	defaultBaseURL = "https://api.quickbase.com/v1"
	// batchSize は1リクエストあたりのレコード上限。APIの制限に合わせる。
	batchSize = 1000
	// errBodyTruncate はエラーログに含めるレスポンスボディの最大長。
	errBodyTruncate = 500
)

// Record は書き込み用レコード。キーはフィールドID、値はフィールド値。
type Record map[int]any

// MarshalJSON はAPIのワイヤ形式（{"6": {"value": ...}}）へ変換する。
func (r Record) MarshalJSON() ([]byte, error) {
	wire := make(map[string]map[string]any, len(r))
	for id, v := range r {
		wire[strconv.Itoa(id)] = map[string]any{"value": v}
	}
	return json.Marshal(wire)
}

// ResponseRecord は読み取り用レコード。キーはフィールドID。
type ResponseRecord map[int]json.RawMessage

// UnmarshalJSON はワイヤ形式からフィールドID→生値のマップへ変換する。
func (r *ResponseRecord) UnmarshalJSON(data []byte) error {
	var wire map[string]struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := make(ResponseRecord, len(wire))
	for k, v := range wire {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[id] = v.Value
	}
	*r = out
	return nil
}

// Int64 は指定フィールドを整数として返す。
func (r ResponseRecord) Int64(fieldID int) (int64, bool) {
	raw, ok := r[fieldID]
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		// 数値が文字列として返る場合がある
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(s)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

// String は指定フィールドを文字列として返す。
func (r ResponseRecord) String(fieldID int) (string, bool) {
	raw, ok := r[fieldID]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// UpsertResult はアップサートの集計結果。
type UpsertResult struct {
	Data        []ResponseRecord
	Created     int
	Updated     int
	Unchanged   int
	BatchErrors []error // 失敗したバッチのエラー（部分失敗の記録）
}

// Client はリモートテーブルストアのAPIクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	realm      string // QB-Realm-Hostname ヘッダー値
	token      string
	baseURL    string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, realm, token string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		realm:      realm,
		token:      token,
		baseURL:    defaultBaseURL,
	}
}

// SetBaseURL はAPIのベースURLを差し替える。テスト用。
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// do は認証付きリクエストを実行し、許容ステータス以外をRemoteAPIErrorとして返す。
// 207はラインエラーを含む部分成功として許容する。
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("QB-Realm-Hostname", c.realm)
	req.Header.Set("Authorization", "QB-USER-TOKEN "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("テーブルストアAPIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, model.NewRemoteAPIError("Quickbase", resp.StatusCode, truncate(string(respBody), errBodyTruncate))
	}

	return respBody, nil
}

// upsertRequest はレコード書き込みAPIのリクエストボディ。
type upsertRequest struct {
	To             string   `json:"to"`
	Data           []Record `json:"data"`
	MergeFieldID   int      `json:"mergeFieldId,omitempty"`
	FieldsToReturn []int    `json:"fieldsToReturn,omitempty"`
}

// upsertResponse はレコード書き込みAPIのレスポンスボディ。
type upsertResponse struct {
	Data     []ResponseRecord `json:"data"`
	Metadata struct {
		CreatedRecordIDs              []int64             `json:"createdRecordIds"`
		UpdatedRecordIDs              []int64             `json:"updatedRecordIds"`
		UnchangedRecordIDs            []int64             `json:"unchangedRecordIds"`
		TotalNumberOfRecordsProcessed int                 `json:"totalNumberOfRecordsProcessed"`
		LineErrors                    map[string][]string `json:"lineErrors"`
	} `json:"metadata"`
}

// Upsert はレコードをマージキー付きで書き込む。
// レコード数がAPI上限を超える場合は内部でバッチ分割し、バッチ単位の失敗は
// BatchErrorsに記録して残りのバッチを続行する。全バッチが失敗した場合のみ
// エラーを返す。
func (c *Client) Upsert(ctx context.Context, tableID string, records []Record, mergeFieldID int, fieldsToReturn []int) (*UpsertResult, error) {
	result := &UpsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	batches := 0
	failed := 0
	var lastErr error

	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batches++

		req := upsertRequest{
			To:             tableID,
			Data:           records[start:end],
			MergeFieldID:   mergeFieldID,
			FieldsToReturn: fieldsToReturn,
		}

		body, err := c.do(ctx, http.MethodPost, "/records", req)
		if err != nil {
			c.logger.Error("レコードのアップサートに失敗しました",
				slog.String("table_id", tableID),
				slog.Int("batch_start", start),
				slog.String("error", err.Error()),
			)
			result.BatchErrors = append(result.BatchErrors, err)
			failed++
			lastErr = err
			continue
		}

		var resp upsertResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			err = fmt.Errorf("アップサート応答のパースに失敗しました: %w", err)
			result.BatchErrors = append(result.BatchErrors, err)
			failed++
			lastErr = err
			continue
		}

		result.Data = append(result.Data, resp.Data...)
		result.Created += len(resp.Metadata.CreatedRecordIDs)
		result.Updated += len(resp.Metadata.UpdatedRecordIDs)
		result.Unchanged += len(resp.Metadata.UnchangedRecordIDs)

		if len(resp.Metadata.LineErrors) > 0 {
			c.logger.Warn("アップサート応答にラインエラーが含まれています",
				slog.String("table_id", tableID),
				slog.Int("line_errors", len(resp.Metadata.LineErrors)),
			)
		}
	}

	if failed == batches {
		return result, lastErr
	}

	c.logger.Info("レコードをアップサートしました",
		slog.String("table_id", tableID),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("unchanged", result.Unchanged),
	)
	return result, nil
}

// queryRequest はレコード検索APIのリクエストボディ。
type queryRequest struct {
	From   string `json:"from"`
	Select []int  `json:"select"`
	Where  string `json:"where,omitempty"`
}

// Query は条件付きでレコードを検索する。
func (c *Client) Query(ctx context.Context, tableID string, selectFields []int, where string) ([]ResponseRecord, error) {
	req := queryRequest{
		From:   tableID,
		Select: selectFields,
		Where:  where,
	}

	body, err := c.do(ctx, http.MethodPost, "/records/query", req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []ResponseRecord `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("クエリ応答のパースに失敗しました: %w", err)
	}

	return resp.Data, nil
}

// WhereEquals は単一フィールドの等価条件式を構築する。
func WhereEquals(fieldID int, value string) string {
	return fmt.Sprintf("{%d.EX.'%s'}", fieldID, escapeQueryValue(value))
}

// escapeQueryValue はクエリ式の値に含まれる引用符をエスケープする。
func escapeQueryValue(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}

// truncate は文字列を最大長で切り詰める。
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
