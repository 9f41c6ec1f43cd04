// Package app はアプリケーションの起動とワイヤリングを提供する。
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

	"github.com/hitoshi/feedpulse/internal/config"
	"github.com/hitoshi/feedpulse/internal/database"
	"github.com/hitoshi/feedpulse/internal/handler"
	"github.com/hitoshi/feedpulse/internal/logger"
	"github.com/hitoshi/feedpulse/internal/metrics"
	"github.com/hitoshi/feedpulse/internal/middleware"
	"github.com/hitoshi/feedpulse/internal/repository"
	"github.com/hitoshi/feedpulse/internal/security"
	"github.com/hitoshi/feedpulse/internal/subscription"
	faviconpkg "github.com/hitoshi/feedpulse/internal/worker/favicon"
	pollpkg "github.com/hitoshi/feedpulse/internal/worker/poll"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w)

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
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// 購読登録の初回フェッチとfavicon解決を処理するため、小規模な
// ディスパッチャとfaviconワーカーをサーバープロセス内でも併走させる。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// リポジトリの初期化
	sourceRepo := repository.NewPostgresSourceRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	entryRepo := repository.NewPostgresEntryRepo(db)
	faviconRepo := repository.NewPostgresFaviconRepo(db)

	// セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// ワーカーコンポーネントの初期化
	entryStore := pollpkg.NewEntryStore(
		subRepo, entryRepo, sanitizer, collector, slog.Default(), cfg.StoreQueueSize,
	)
	faviconResolver := faviconpkg.NewResolver(
		faviconRepo, subRepo, ssrfGuard, collector, slog.Default(),
		cfg.FaviconTimeout, cfg.FaviconMaxSize,
	)
	faviconWorker := faviconpkg.NewWorker(faviconResolver, slog.Default(), cfg.FaviconQueueSize)
	poller := pollpkg.NewPoller(
		sourceRepo, subRepo, entryStore, faviconWorker, ssrfGuard,
		collector, slog.Default(), cfg.PollMaxBodySize,
	)
	dispatcher := pollpkg.NewDispatcher(
		sourceRepo, poller, slog.Default(), cfg.PollBasePeriod, cfg.PollMaxConcurrent,
	)

	// サービスの初期化
	subService := subscription.NewService(
		sourceRepo, subRepo, entryRepo, ssrfGuard, dispatcher, faviconWorker, slog.Default(),
	)

	// ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.DefaultRateLimiterConfig(cfg.RateLimitSubscribe),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:              slog.Default(),
		RateLimiter:         rateLimiter,
		SubscriptionService: subService,
		PushHandler:         handler.NewPushHandler(entryStore, slog.Default()),
		MetricsHandler:      metrics.Handler(registry),
	}
	router := handler.NewRouter(deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初回フェッチ・プッシュ配信・favicon解決を処理するワーカー群
	go entryStore.Start(ctx)
	go faviconWorker.Start(ctx)

	// HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はポーリングワーカーモードで起動する。
// DB接続を開き、ディスパッチャとfavicon・保存ワーカーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// リポジトリの初期化
	sourceRepo := repository.NewPostgresSourceRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	entryRepo := repository.NewPostgresEntryRepo(db)
	faviconRepo := repository.NewPostgresFaviconRepo(db)

	// セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// ワーカーコンポーネントの初期化
	entryStore := pollpkg.NewEntryStore(
		subRepo, entryRepo, sanitizer, collector, slog.Default(), cfg.StoreQueueSize,
	)
	faviconResolver := faviconpkg.NewResolver(
		faviconRepo, subRepo, ssrfGuard, collector, slog.Default(),
		cfg.FaviconTimeout, cfg.FaviconMaxSize,
	)
	faviconWorker := faviconpkg.NewWorker(faviconResolver, slog.Default(), cfg.FaviconQueueSize)
	poller := pollpkg.NewPoller(
		sourceRepo, subRepo, entryStore, faviconWorker, ssrfGuard,
		collector, slog.Default(), cfg.PollMaxBodySize,
	)
	dispatcher := pollpkg.NewDispatcher(
		sourceRepo, poller, slog.Default(), cfg.PollBasePeriod, cfg.PollMaxConcurrent,
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("dispatch_interval", cfg.PollDispatchInterval),
		slog.Duration("base_period", cfg.PollBasePeriod),
		slog.Int("max_concurrent", cfg.PollMaxConcurrent),
	)

	// 保存ワーカーとfaviconワーカーをバックグラウンドで起動
	go entryStore.Start(ctx)
	go faviconWorker.Start(ctx)

	// ディスパッチャをメインgoroutineで実行（ブロッキング）
	dispatcher.Start(ctx, cfg.PollDispatchInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
