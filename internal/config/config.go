// Package config は環境変数からのアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/banksync/internal/model"
	"github.com/hitoshi/banksync/internal/quickbase"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// QuickBooks（対象の金融Webアプリ）
	QBUsername string
	QBPassword string
	QBBaseURL  string

	// Quickbase（リモートテーブルストア）
	QuickbaseRealm      string
	QuickbaseToken      string
	AccountsTableID     string
	TransactionsTableID string
	BalancesTableID     string // 未設定の場合は残高スナップショット同期をスキップ

	// テーブルスキーマ（フィールドIDマッピング）
	AccountFields     quickbase.AccountFieldIDs
	TransactionFields quickbase.TransactionFieldIDs
	BalanceFields     quickbase.BalanceFieldIDs

	// フィード更新
	RefreshPollInterval time.Duration
	RefreshTimeout      time.Duration

	// SMS検証
	VerificationTimeout      time.Duration
	VerificationPollInterval time.Duration
	VerificationMarkers      []string
	CaptchaMarkers           []string

	// 元帳エクスポート（バックグラウンドジョブ）
	LedgerExportURL   string // 未設定の場合は元帳エクスポートをスキップ
	LedgerJoinTimeout time.Duration

	// 同期実行履歴（任意）
	DatabaseURL string

	// ブラウザ
	BrowserHeadless bool
	BrowserBin      string // 未設定の場合はrodが管理するブラウザを使用

	// Webhookレート制限（req/min、送信元アドレス単位）
	WebhookRatePerMin int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す（ネットワーク活動の前に失敗させる）。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.QBUsername = os.Getenv("QB_USERNAME")
	if cfg.QBUsername == "" {
		missing = append(missing, "QB_USERNAME")
	}

	cfg.QBPassword = os.Getenv("QB_PASSWORD")
	if cfg.QBPassword == "" {
		missing = append(missing, "QB_PASSWORD")
	}

	cfg.QuickbaseRealm = os.Getenv("QUICKBASE_REALM")
	if cfg.QuickbaseRealm == "" {
		missing = append(missing, "QUICKBASE_REALM")
	}

	cfg.QuickbaseToken = os.Getenv("QUICKBASE_TOKEN")
	if cfg.QuickbaseToken == "" {
		missing = append(missing, "QUICKBASE_TOKEN")
	}

	cfg.AccountsTableID = os.Getenv("ACCOUNTS_TABLE_ID")
	if cfg.AccountsTableID == "" {
		missing = append(missing, "ACCOUNTS_TABLE_ID")
	}

	cfg.TransactionsTableID = os.Getenv("TRANSACTIONS_TABLE_ID")
	if cfg.TransactionsTableID == "" {
		missing = append(missing, "TRANSACTIONS_TABLE_ID")
	}

	if len(missing) > 0 {
		return nil, model.NewConfigurationError(
			fmt.Sprintf("必須環境変数が未設定です: %v", missing))
	}

	// Optional fields with defaults
	cfg.QBBaseURL = getEnvString("QB_BASE_URL", "https://qbo.intuit.com")
	cfg.BalancesTableID = os.Getenv("BALANCES_TABLE_ID")

	cfg.AccountFields = loadAccountFieldIDs()
	cfg.TransactionFields = loadTransactionFieldIDs()
	cfg.BalanceFields = loadBalanceFieldIDs()

	// スキーマ契約の検証（黙ったドリフトを起動時に検出する）
	if err := cfg.AccountFields.Validate(); err != nil {
		return nil, model.NewConfigurationError(err.Error())
	}
	if err := cfg.TransactionFields.Validate(); err != nil {
		return nil, model.NewConfigurationError(err.Error())
	}
	if err := cfg.BalanceFields.Validate(); err != nil {
		return nil, model.NewConfigurationError(err.Error())
	}

	cfg.RefreshPollInterval = getEnvDuration("REFRESH_POLL_INTERVAL", 15*time.Second)
	cfg.RefreshTimeout = getEnvDuration("REFRESH_TIMEOUT", 10*time.Minute)
	cfg.VerificationTimeout = getEnvDuration("VERIFICATION_TIMEOUT", 3*time.Minute)
	cfg.VerificationPollInterval = getEnvDuration("VERIFICATION_POLL_INTERVAL", 2*time.Second)
	cfg.VerificationMarkers = getEnvList("VERIFICATION_MARKERS",
		[]string{"verification code", "check your text", "text message", "verify it"})
	cfg.CaptchaMarkers = getEnvList("CAPTCHA_MARKERS",
		[]string{"captcha", "robot"})
	cfg.LedgerExportURL = os.Getenv("LEDGER_EXPORT_URL")
	cfg.LedgerJoinTimeout = getEnvDuration("LEDGER_JOIN_TIMEOUT", 60*time.Second)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.BrowserHeadless = getEnvBool("BROWSER_HEADLESS", true)
	cfg.BrowserBin = os.Getenv("BROWSER_BIN")
	cfg.WebhookRatePerMin = getEnvInt("WEBHOOK_RATE_PER_MIN", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

// loadAccountFieldIDs は口座テーブルのフィールドIDを環境変数から読み込む。
// 未指定のフィールドはデフォルト値を使用する。
func loadAccountFieldIDs() quickbase.AccountFieldIDs {
	d := quickbase.DefaultAccountFieldIDs()
	return quickbase.AccountFieldIDs{
		QuickBooksID:  getEnvInt("ACCOUNT_FIELD_QUICKBOOKS_ID", d.QuickBooksID),
		AccountName:   getEnvInt("ACCOUNT_FIELD_ACCOUNT_NAME", d.AccountName),
		Nickname:      getEnvInt("ACCOUNT_FIELD_NICKNAME", d.Nickname),
		Institution:   getEnvInt("ACCOUNT_FIELD_INSTITUTION", d.Institution),
		Type:          getEnvInt("ACCOUNT_FIELD_TYPE", d.Type),
		Balance:       getEnvInt("ACCOUNT_FIELD_BALANCE", d.Balance),
		LedgerBalance: getEnvInt("ACCOUNT_FIELD_LEDGER_BALANCE", d.LedgerBalance),
		PendingTxns:   getEnvInt("ACCOUNT_FIELD_PENDING_TXNS", d.PendingTxns),
		LastUpdated:   getEnvInt("ACCOUNT_FIELD_LAST_UPDATED", d.LastUpdated),
		LastSynced:    getEnvInt("ACCOUNT_FIELD_LAST_SYNCED", d.LastSynced),
	}
}

// loadTransactionFieldIDs は取引テーブルのフィールドIDを環境変数から読み込む。
func loadTransactionFieldIDs() quickbase.TransactionFieldIDs {
	d := quickbase.DefaultTransactionFieldIDs()
	return quickbase.TransactionFieldIDs{
		QuickBooksID:   getEnvInt("TRANSACTION_FIELD_QUICKBOOKS_ID", d.QuickBooksID),
		InternalID:     getEnvInt("TRANSACTION_FIELD_INTERNAL_ID", d.InternalID),
		Date:           getEnvInt("TRANSACTION_FIELD_DATE", d.Date),
		Description:    getEnvInt("TRANSACTION_FIELD_DESCRIPTION", d.Description),
		Amount:         getEnvInt("TRANSACTION_FIELD_AMOUNT", d.Amount),
		Type:           getEnvInt("TRANSACTION_FIELD_TYPE", d.Type),
		MerchantName:   getEnvInt("TRANSACTION_FIELD_MERCHANT_NAME", d.MerchantName),
		RelatedAccount: getEnvInt("TRANSACTION_FIELD_RELATED_ACCOUNT", d.RelatedAccount),
	}
}

// loadBalanceFieldIDs は残高テーブルのフィールドIDを環境変数から読み込む。
func loadBalanceFieldIDs() quickbase.BalanceFieldIDs {
	d := quickbase.DefaultBalanceFieldIDs()
	return quickbase.BalanceFieldIDs{
		Balance:        getEnvInt("BALANCE_FIELD_BALANCE", d.Balance),
		DateAdded:      getEnvInt("BALANCE_FIELD_DATE_ADDED", d.DateAdded),
		RelatedAccount: getEnvInt("BALANCE_FIELD_RELATED_ACCOUNT", d.RelatedAccount),
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を文字列スライスとして読み込む。
// 各要素は前後の空白を除去し小文字化する（マーカー照合は小文字で行うため）。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
