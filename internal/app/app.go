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
	"golang.org/x/time/rate"

	"github.com/hitoshi/asinman/internal/config"
	"github.com/hitoshi/asinman/internal/database"
	"github.com/hitoshi/asinman/internal/fetcher"
	"github.com/hitoshi/asinman/internal/handler"
	"github.com/hitoshi/asinman/internal/images"
	"github.com/hitoshi/asinman/internal/logger"
	"github.com/hitoshi/asinman/internal/metrics"
	"github.com/hitoshi/asinman/internal/middleware"
	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/parser"
	"github.com/hitoshi/asinman/internal/product"
	"github.com/hitoshi/asinman/internal/repository"
	"github.com/hitoshi/asinman/internal/security"
	"github.com/hitoshi/asinman/internal/throttle"
	"github.com/hitoshi/asinman/internal/worker/cleanup"
	"github.com/hitoshi/asinman/internal/worker/scrape"
)

// productCacheSize はDB前段のインメモリLRUキャッシュが保持する商品数。
const productCacheSize = 1024

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
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// instrumentedScheduler はSubmitの結果をメトリクスに記録するデコレータ。
type instrumentedScheduler struct {
	inner     *scrape.Scheduler
	collector metrics.MetricsCollector
}

var _ handler.SchedulerInterface = (*instrumentedScheduler)(nil)

func (s *instrumentedScheduler) Submit(ctx context.Context, id model.Identifier, force bool, requestedBy string) (*scrape.SubmitResult, error) {
	result, err := s.inner.Submit(ctx, id, force, requestedBy)
	if err != nil {
		return nil, err
	}
	if result.CachedProduct != nil {
		s.collector.RecordCacheHit()
	}
	if result.Coalesced {
		s.collector.RecordCoalesced()
	}
	return result, nil
}

// runServe はAPIサーバーとスクレイプワーカーを起動する。
// DB接続を開き、全依存関係をワイヤリングし、ワーカープールとHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化（商品はLRUキャッシュ付き）
	taskRepo := repository.NewPostgresTaskRepo(db)
	productRepo, err := repository.NewCachedProductRepo(
		repository.NewPostgresProductRepo(db), productCacheSize,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize product cache: %w", err)
	}

	// 3. 起動時リカバリ: 前回のプロセス終了で取り残されたアクティブタスクをfailedに倒す。
	// キューはインメモリのため、再起動後にqueued/runningのまま残ったタスクは二度と実行されない。
	reset, err := taskRepo.ResetStaleActive(context.Background())
	if err != nil {
		return fmt.Errorf("failed to reset stale tasks: %w", err)
	}
	if reset > 0 {
		slog.Info("reset stale active tasks", slog.Int64("count", reset))
	}

	// 4. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	// 5. スクレイプパイプラインの構築
	registry := parser.NewDefaultRegistry()
	throttleCtl := throttle.NewController(cfg.PerDomainConcurrency, cfg.GlobalConcurrency, cfg.DomainRPS)

	var pageFetcher fetcher.PageFetcher = fetcher.NewHTTPFetcher(
		ssrfGuard, slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize,
	)
	if cfg.RenderEnabled {
		pageFetcher = fetcher.NewChromedpFetcher(fetcher.RenderOptions{
			Timeout:       cfg.FetchTimeout,
			MaxConcurrent: cfg.PerDomainConcurrency,
		}, slog.Default())
		slog.Info("render fetch enabled (headless chrome)")
	}

	committer := product.NewCommitService(productRepo, sanitizer, slog.Default())
	downloader := images.NewDownloader(
		images.NewFilesystemStorage(cfg.ImageDir), ssrfGuard, productRepo, slog.Default(),
	)

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)

	scheduler := scrape.NewScheduler(productRepo, taskRepo, slog.Default(), cfg.TTL, cfg.QueueCapacity)
	pool := scrape.NewPool(scrape.PoolConfig{
		Scheduler:   scheduler,
		Fetcher:     pageFetcher,
		Registry:    registry,
		Committer:   committer,
		Throttle:    throttleCtl,
		TaskRepo:    taskRepo,
		ProductRepo: productRepo,
		Images:      downloader,
		Collector:   collector,
		Logger:      slog.Default(),
		WorkerCount: cfg.WorkerCount,
		MaxRetries:  cfg.MaxRetries,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pool.Start(workerCtx)
	slog.Info("scrape worker pool started",
		slog.Int("worker_count", cfg.WorkerCount),
		slog.Int("queue_capacity", cfg.QueueCapacity),
	)

	// キュー深さとスロットル状態のゲージを定期更新する
	go runGaugeUpdater(workerCtx, collector, scheduler, throttleCtl)

	// 終端タスクのクリーンアップジョブを日次でバックグラウンド実行
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	go runCleanupLoop(workerCtx, cleanupJob)

	// 6. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral

	deps := &handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),
		Logger: &handler.LoggerDep{
			Middleware: composeHTTPMiddleware(collector),
		},

		ProductHandler: handler.NewProductHandler(
			&instrumentedScheduler{inner: scheduler, collector: collector},
			productRepo, cfg.SyncWaitTimeout, slog.Default(),
		),
		TaskHandler:  handler.NewTaskHandler(taskRepo),
		StatsHandler: handler.NewStatsHandler(productRepo, taskRepo, scheduler, throttleCtl),

		DB:             db,
		MetricsHandler: metrics.SetupMetricsRoute(promRegistry),
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // wait=trueの同期待ち（SyncWaitTimeout）より長くとる
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
	slog.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// HTTPを先に止めてからワーカーを止める。実行中のタスクの終端記録は
	// context.WithoutCancelで保護されているため、キャンセルしても書き込みは完了する。
	workerCancel()

	slog.Info("stopped gracefully")
	return nil
}

// runCleanupLoop はクリーンアップジョブを起動直後に1回、以降24時間ごとに実行する。
func runCleanupLoop(ctx context.Context, job *cleanup.CleanupJob) {
	if err := job.Run(ctx); err != nil {
		slog.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runGaugeUpdater はキュー深さとドメインごとのインフライト数をゲージに反映し続ける。
func runGaugeUpdater(ctx context.Context, collector metrics.MetricsCollector, scheduler *scrape.Scheduler, throttleCtl *throttle.Controller) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.SetQueueDepth(scheduler.QueueDepth())
			for _, s := range throttleCtl.Snapshot() {
				collector.SetThrottleInflight(s.Domain, s.Inflight)
			}
		}
	}
}

// statusRecorder はレスポンスのステータスコードを捕捉するResponseWriterラッパー。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// composeHTTPMiddleware はアクセスログとHTTPステータスメトリクスを1つのミドルウェアに束ねる。
func composeHTTPMiddleware(collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	logging := middleware.NewLoggingMiddleware(slog.Default())
	return func(next http.Handler) http.Handler {
		recording := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			collector.RecordHTTPStatus(rec.status)
		})
		return logging(recording)
	}
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
