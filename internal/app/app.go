package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/verifybridge/internal/auth"
	"github.com/hitoshi/verifybridge/internal/config"
	"github.com/hitoshi/verifybridge/internal/database"
	"github.com/hitoshi/verifybridge/internal/handler"
	"github.com/hitoshi/verifybridge/internal/logger"
	"github.com/hitoshi/verifybridge/internal/mail"
	"github.com/hitoshi/verifybridge/internal/metrics"
	"github.com/hitoshi/verifybridge/internal/middleware"
	"github.com/hitoshi/verifybridge/internal/repository"
	sigstore "github.com/hitoshi/verifybridge/internal/signal"
	"github.com/hitoshi/verifybridge/internal/user"
	"github.com/hitoshi/verifybridge/internal/verification"
	"github.com/hitoshi/verifybridge/internal/worker/cleanup"
)

const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	if w == nil {
		w = os.Stdout
	}

	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	slog.SetDefault(logger.SetupWithLevel(w, logger.ParseLevel(cfg.LogLevel)))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return fmt.Errorf("%w\n%s", err, Usage())
	}

	if cmd == CommandHelp {
		if w == nil {
			w = os.Stdout
		}
		_, err := io.WriteString(w, Usage())
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	// wait はAPIサーバーのクライアントとして動くため、DB設定を必要としない
	if cmd == CommandWait {
		if w == nil {
			w = os.Stdout
		}
		slog.SetDefault(logger.SetupWithLevel(os.Stderr, logger.ParseLevel(os.Getenv("LOG_LEVEL"))))
		opts, err := parseWaitOptions(args[1:])
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWait(ctx, w, opts)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("signal_backend", cfg.SignalBackend),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, cmd)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newSignalProvider はSIGNAL_BACKENDに応じた共有シグナルストアを生成する。
// 返されるcloseは必ず呼ぶこと。
func newSignalProvider(cfg *config.Config, db *sql.DB) (sigstore.Provider, func(), error) {
	switch cfg.SignalBackend {
	case config.SignalBackendRedis:
		client, err := sigstore.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return sigstore.NewRedisProvider(client, cfg.SignalRetention), func() { client.Close() }, nil
	case config.SignalBackendMemory:
		slog.Warn("using in-memory signal store; signals are not shared between processes")
		return sigstore.NewMemoryProvider(), func() {}, nil
	default:
		return sigstore.NewRepoProvider(repository.NewPostgresSignalRepo(db)), func() {}, nil
	}
}

// newRegistry はプロセス共通のメトリクスを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established")

	// 2. リポジトリと共有シグナルストアの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	codeRepo := repository.NewPostgresActionCodeRepo(db)

	signals, closeSignals, err := newSignalProvider(cfg, db)
	if err != nil {
		return err
	}
	defer closeSignals()

	// 3. ドメインサービスの初期化
	tokens := auth.NewTokenIssuer([]byte(cfg.SessionSecret), time.Hour)
	authService := auth.NewService(
		userRepo, sessionRepo, codeRepo, tokens, mail.NewLogMailer(log),
		auth.ServiceConfig{
			SessionMaxAge: cfg.SessionMaxAge,
			ActionCodeTTL: cfg.ActionCodeTTL,
			BaseURL:       cfg.BaseURL,
			MailFrom:      cfg.MailFrom,
		},
	)
	userService := user.NewService(userRepo, sessionRepo)

	// 4. メトリクスと検証フロー
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	routes := verification.Routes{
		Landing: cfg.PostVerifyRoute,
		Entry:   cfg.EntryRoute,
		Help:    verification.DefaultRoutes().Help,
	}
	actionRunner := verification.NewActionLinkHandler(authService, log, collector)
	intentRouter := verification.NewIntentRouter(routes, log, collector)

	// 5. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitVerify > 0 {
		rateLimiterCfg.VerifyRate = middleware.PerMinute(cfg.RateLimitVerify)
		rateLimiterCfg.VerifyBurst = cfg.RateLimitVerify
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:              log,
		SessionFinder:       sessionRepo,
		VerificationChecker: userService,
		CORSAllowedOrigin:   cfg.CORSAllowedOrigin,
		RateLimiter:         rateLimiter,
		DeviceConfig: middleware.DeviceConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		HealthChecker:     db,
		MetricsMiddleware: collector.Middleware(),
		MetricsHandler:    metrics.Handler(reg),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		ActionRunner: actionRunner,
		IntentRouter: intentRouter,
		Signals:      signals,
		HelpURL:      cfg.BaseURL + routes.Help,

		UserService: userService,
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 6. HTTPサーバーの起動
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serveUntilDone(ctx, server, log); err != nil {
		return err
	}
	log.Info("API server stopped gracefully")
	return nil
}

// serveUntilDone はctxがキャンセルされるまでserverを動かし、その後シャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down HTTP server...", slog.String("addr", server.Addr))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// runWorker はワーカーモードで起動する。
// 期限切れのアクションコード、セッション、共有シグナルを定期的に削除し、
// 削除件数を/metricsで公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established (worker)")

	// 2. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 3. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, log, collector)
	cleanupJob.SignalRetention = cfg.SignalRetention

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("signal_retention", cfg.SignalRetention),
		slog.String("metrics_port", cfg.MetricsPort),
	)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveUntilDone(gctx, metricsServer, log)
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, cfg.CleanupInterval)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL, slog.Default())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
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
