// Package app はアプリケーションの初期化と起動を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/banksync/internal/browser"
	"github.com/hitoshi/banksync/internal/config"
	"github.com/hitoshi/banksync/internal/database"
	"github.com/hitoshi/banksync/internal/diag"
	"github.com/hitoshi/banksync/internal/handler"
	"github.com/hitoshi/banksync/internal/history"
	"github.com/hitoshi/banksync/internal/ledger"
	"github.com/hitoshi/banksync/internal/logger"
	"github.com/hitoshi/banksync/internal/metrics"
	"github.com/hitoshi/banksync/internal/middleware"
	"github.com/hitoshi/banksync/internal/orchestrator"
	"github.com/hitoshi/banksync/internal/qbo"
	"github.com/hitoshi/banksync/internal/quickbase"
	"github.com/hitoshi/banksync/internal/recordsync"
	"github.com/hitoshi/banksync/internal/refresh"
	"github.com/hitoshi/banksync/internal/security"
	"github.com/hitoshi/banksync/internal/session"
	"github.com/hitoshi/banksync/internal/verification"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.QBBaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandSync:
		return runSyncOnce(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// wiring は組み立て済みの依存関係をまとめる。
type wiring struct {
	orchestrator *orchestrator.Orchestrator
	mailbox      *verification.Mailbox
	screenshots  *diag.ScreenshotStore
	registry     *prometheus.Registry
	collector    *metrics.Collector
	history      history.SyncRunRepository
	close        func()
}

// build は全依存関係をワイヤリングする。
func build(cfg *config.Config) (*wiring, error) {
	log := slog.Default()

	mailbox := verification.NewMailbox()
	screenshots := diag.NewScreenshotStore()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	httpClient := &http.Client{Timeout: 30 * time.Second}

	qboClient := qbo.NewClient(httpClient, log)
	qboClient.SetBaseURL(cfg.QBBaseURL)

	storeClient := quickbase.NewClient(httpClient, log, cfg.QuickbaseRealm, cfg.QuickbaseToken)

	engine := recordsync.NewEngine(storeClient, security.NewTextSanitizer(), log, cfg)
	acquirer := session.NewAcquirer(cfg, mailbox, screenshots, log)
	apiRefresh := refresh.NewAPIStrategy(qboClient, log, cfg.RefreshPollInterval, cfg.RefreshTimeout)
	domRefresh := refresh.NewDOMStrategy(log, time.Second, cfg.RefreshTimeout)
	exporter := ledger.NewExporter(httpClient, log, cfg.LedgerExportURL)

	// 同期実行履歴は任意機能。DATABASE_URL未設定時は保存しない
	var runRepo history.SyncRunRepository = history.NopSyncRunRepo{}
	closeFn := func() {}
	if cfg.DatabaseURL != "" {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		runRepo = history.NewPostgresSyncRunRepo(db)
		closeFn = func() { db.Close() }
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Logger:   log,
		Mailbox:  mailbox,
		Acquirer: acquirer,
		Launch: func() (orchestrator.BrowserHandle, error) {
			return browser.Launch(log, cfg.BrowserHeadless, cfg.BrowserBin)
		},
		APIRefresh: apiRefresh,
		DOMRefresh: domRefresh,
		Scraper:    qboClient,
		Engine:     engine,
		Ledger:     exporter,
		History:    runRepo,
		Metrics:    collector,
	})

	return &wiring{
		orchestrator: orch,
		mailbox:      mailbox,
		screenshots:  screenshots,
		registry:     registry,
		collector:    collector,
		history:      runRepo,
		close:        closeFn,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	w, err := build(cfg)
	if err != nil {
		return err
	}
	defer w.close()

	limiter := middleware.NewWebhookRateLimiter(
		middleware.DefaultWebhookRateLimiterConfig(cfg.WebhookRatePerMin))
	defer limiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		Version:        version,
		Runner:         w.orchestrator,
		Codes:          w.mailbox,
		Screenshots:    w.screenshots,
		History:        w.history,
		Metrics:        w.collector,
		MetricsHandler: metrics.SetupMetricsRoute(w.registry),
		WebhookLimiter: limiter,
	})

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// /sync は同期の完了までブロックするため、書き込みタイムアウトは
		// フィード更新と検証待ちの上限より長く取る
		WriteTimeout: cfg.RefreshTimeout + cfg.VerificationTimeout + 5*time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runSyncOnce は同期を1回実行して終了する。外部スケジューラ用。
func runSyncOnce(cfg *config.Config) error {
	w, err := build(cfg)
	if err != nil {
		return err
	}
	defer w.close()

	report, err := w.orchestrator.Run(context.Background(), orchestrator.Options{})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	slog.Info("sync finished", slog.String("summary", report.Summary))
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations")
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return err
	}

	slog.Info("database migrations completed")
	return nil
}

// runHealthcheck はローカルのAPIサーバーに対するヘルスチェックを行う。
func runHealthcheck(port string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		return fmt.Errorf("healthcheck request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned status %d", resp.StatusCode)
	}

	return nil
}
