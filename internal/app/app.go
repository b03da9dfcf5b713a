// Package app は設定の読み込みと依存関係のワイヤリングを行い、各起動モードを実行する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/paygate/internal/auth"
	"github.com/hitoshi/paygate/internal/config"
	"github.com/hitoshi/paygate/internal/database"
	"github.com/hitoshi/paygate/internal/handler"
	"github.com/hitoshi/paygate/internal/logger"
	"github.com/hitoshi/paygate/internal/merchant"
	"github.com/hitoshi/paygate/internal/metrics"
	"github.com/hitoshi/paygate/internal/middleware"
	"github.com/hitoshi/paygate/internal/repository"
	"github.com/hitoshi/paygate/internal/requestauth"
	"github.com/hitoshi/paygate/internal/security"
	"github.com/hitoshi/paygate/internal/transaction"
	"github.com/hitoshi/paygate/internal/vault"
	"github.com/hitoshi/paygate/internal/webhook"
	"github.com/hitoshi/paygate/internal/worker/cleanup"
	workerwebhook "github.com/hitoshi/paygate/internal/worker/webhook"
)

const (
	defaultPort     = "5050"
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする。LOG_LEVELだけは先に読む
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		PrintUsage(w)
		return err
	}

	// help と healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHelp {
		PrintUsage(w)
		return nil
	}
	if cmd == CommandHealthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = defaultPort
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
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 暗号化鍵とDB接続を確認してから全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 鍵が不正なら接続を受け付ける前に停止する
	v, err := vault.New([]byte(cfg.EncryptionKey))
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	db, err := database.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	userRepo := repository.NewPostgresUserRepo(db)
	slotRepo := repository.NewPostgresRefreshTokenRepo(db)
	merchantRepo := repository.NewPostgresMerchantRepo(db)
	txRepo := repository.NewPostgresTransactionRepo(db)

	authService, err := auth.NewService(userRepo, slotRepo, collector, auth.ServiceConfig{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.RefreshSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		BcryptCost:    cfg.BcryptCost,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize auth service: %w", err)
	}

	sanitizer := security.NewTextSanitizer()
	merchantService := merchant.NewService(merchantRepo, v, security.NewSSRFGuard(), sanitizer)

	authenticator, err := requestauth.New(merchantService, v, collector)
	if err != nil {
		return fmt.Errorf("failed to initialize request authenticator: %w", err)
	}

	txService := transaction.NewService(
		txRepo, merchantRepo,
		transaction.NewSimulatedProcessor(cfg.PaymentSuccessRate),
		sanitizer,
		transaction.Config{
			ConfirmationSecret: cfg.ConfirmationSecret,
			DefaultWebhookURL:  cfg.WebhookURL,
		},
	)

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(
		cfg.RateLimitWindow, cfg.RateLimitGeneral, cfg.RateLimitAuth,
	))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		TokenParser:        authService,
		SignatureVerifier:  authenticator,
		CORSAllowedOrigins: cfg.FrontendURLs,
		TrustedProxies:     cfg.TrustedProxyPrefixes(),
		RateLimiter:        rateLimiter,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		Metrics:            collector,
		MetricsHandler:     metrics.Handler(reg),
		DB:                 db,
		Logger:             slog.Default(),

		AuthService:        authService,
		MerchantService:    merchantService,
		TransactionService: txService,
		TransactionQuery:   txService,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-stop:
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// Webhook配信スケジューラとクリーンアップジョブを起動し、シグナル受信で停止する。
func runWorker(cfg *config.Config) error {
	v, err := vault.New([]byte(cfg.EncryptionKey))
	if err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	db, err := database.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// ワーカーの /metrics は公開しないが、カウンタは同じ名前で集計する
	collector := metrics.NewCollector(newRegistry())

	deliveryRepo := repository.NewPostgresWebhookDeliveryRepo(db)
	merchantRepo := repository.NewPostgresMerchantRepo(db)

	guard := security.NewSSRFGuard()
	var senderOpts []webhook.Option
	if cfg.WebhookURL != "" {
		senderOpts = append(senderOpts,
			webhook.WithTrustedOrigin(cfg.WebhookURL, guard.NewTrustedClient(cfg.WebhookTimeout)))
	}
	sender := webhook.NewClient(guard.NewSafeClient(cfg.WebhookTimeout), slog.Default(), senderOpts...)
	dispatcher := workerwebhook.NewDispatcher(
		deliveryRepo, merchantRepo, v, sender, collector,
		slog.Default(), cfg.WebhookMaxAttempts,
	)
	scheduler := workerwebhook.NewScheduler(
		deliveryRepo, dispatcher, slog.Default(),
		cfg.WebhookMaxConcurrent, cfg.WebhookBatchSize,
		// 取得した行は配信タイムアウトの2倍の間だけ他のワーカーから隠す
		2*cfg.WebhookTimeout,
	)

	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.RetentionDays = cfg.DeliveryRetentionDays

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	go func() {
		select {
		case <-stop:
			slog.Info("shutting down worker...")
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("worker starting",
		slog.Duration("webhook_interval", cfg.WebhookInterval),
		slog.Int("max_concurrent", cfg.WebhookMaxConcurrent),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// 配信スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.WebhookInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/healthz", port))
}

func checkHealth(endpoint string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// newRegistry はGoランタイムとプロセスのコレクタを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// maskDatabaseURL はデータベースURLのパスワードを伏せる。
// パースできないURLは全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
