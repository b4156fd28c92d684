package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/asinman/internal/fetcher"
	"github.com/hitoshi/asinman/internal/fingerprint"
	"github.com/hitoshi/asinman/internal/metrics"
	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/parser"
	"github.com/hitoshi/asinman/internal/product"
	"github.com/hitoshi/asinman/internal/repository"
)

// ImageDownloader はコミット後の画像ダウンロード処理を表す。
// ダウンロードはタスクの成否に影響しないベストエフォートの後処理。
type ImageDownloader interface {
	DownloadProductImages(ctx context.Context, p *model.Product)
}

// ThrottleController はドメイン単位のスロットル制御を表す。
// 本番実装はthrottle.Controller。
type ThrottleController interface {
	Acquire(ctx context.Context, domain string) error
	Release(domain string)
	ReportRateLimited(domain string)
	ReportCaptcha(domain string)
	ReportSuccess(domain string)
}

// Pool はキューからタスクを取り出して処理する固定数のワーカープール。
// フェッチ、パース、コミットの全段階を1ワーカーが順に実行する。
type Pool struct {
	scheduler   *Scheduler
	fetcher     fetcher.PageFetcher
	registry    *parser.Registry
	committer   product.CommitService
	throttle    ThrottleController
	taskRepo    repository.TaskRepository
	productRepo repository.ProductRepository
	images      ImageDownloader // nilの場合は画像ダウンロードをスキップ
	collector   metrics.MetricsCollector
	logger      *slog.Logger

	workerCount int
	maxRetries  int

	// delayFn はリトライ待機時間を決める。テストから差し替えられる。
	delayFn func(attempt int) time.Duration

	wg sync.WaitGroup
}

// PoolConfig はPoolの依存と設定をまとめる。
type PoolConfig struct {
	Scheduler   *Scheduler
	Fetcher     fetcher.PageFetcher
	Registry    *parser.Registry
	Committer   product.CommitService
	Throttle    ThrottleController
	TaskRepo    repository.TaskRepository
	ProductRepo repository.ProductRepository
	Images      ImageDownloader
	Collector   metrics.MetricsCollector
	Logger      *slog.Logger
	WorkerCount int
	MaxRetries  int
}

// NewPool はPoolを生成する。Startを呼ぶまでワーカーは起動しない。
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		scheduler:   cfg.Scheduler,
		fetcher:     cfg.Fetcher,
		registry:    cfg.Registry,
		committer:   cfg.Committer,
		throttle:    cfg.Throttle,
		taskRepo:    cfg.TaskRepo,
		productRepo: cfg.ProductRepo,
		images:      cfg.Images,
		collector:   cfg.Collector,
		logger:      cfg.Logger,
		workerCount: cfg.WorkerCount,
		maxRetries:  cfg.MaxRetries,
		delayFn:     retryDelay,
	}
}

// Start はワーカーを起動する。ctxのキャンセルで全ワーカーが停止する。
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}(i)
	}
	p.logger.Info("ワーカープールを起動しました",
		slog.Int("workers", p.workerCount),
	)
}

// Wait は全ワーカーの停止を待つ。
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.scheduler.queue:
			p.process(ctx, item)
			p.collector.SetQueueDepth(p.scheduler.QueueDepth())
		}
	}
}

// process は1タスクをqueued→running→終端まで進める。
// 一時的エラー（レート制限、タイムアウト、ネットワーク、ストレージ）は
// maxRetries回まで指数バックオフで再試行する。
// CAPTCHA、パース失敗、未サポートマーケットプレイスは即座に終端となる。
func (p *Pool) process(ctx context.Context, item *queueItem) {
	id := item.task.Identifier()
	domain := string(id.Marketplace)

	if err := p.taskRepo.UpdateStatus(ctx, item.task.ID, model.TaskStatusRunning, "", 0); err != nil {
		p.logger.Error("タスクのrunning遷移に失敗しました",
			slog.String("task_id", item.task.ID),
			slog.String("error", err.Error()),
		)
	}

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		attempts = attempt + 1

		saved, err := p.attempt(ctx, id, domain)
		if err == nil {
			p.finishSuccess(ctx, item, id, saved, attempts)
			return
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if !model.IsRetryable(err) {
			break
		}
		if attempt == p.maxRetries {
			break
		}

		delay := p.delayFn(attempt)
		p.collector.RecordRetry(domain)
		p.logger.Warn("一時的エラーのためリトライします",
			slog.String("task_id", item.task.ID),
			slog.String("identifier", id.String()),
			slog.Int("attempt", attempts),
			slog.Float64("delay_seconds", delay.Seconds()),
			slog.String("error", err.Error()),
		)
		if err := sleepContext(ctx, delay); err != nil {
			break
		}
	}

	p.finishFailure(ctx, item, id, lastErr, attempts)
}

// attempt は1回のフェッチ＋パース＋コミットを実行する。
func (p *Pool) attempt(ctx context.Context, id model.Identifier, domain string) (*model.Product, error) {
	if err := p.throttle.Acquire(ctx, domain); err != nil {
		return nil, model.NewScrapeError(model.ErrKindFetchTimeout,
			fmt.Errorf("スロットル待機中にキャンセルされました: %w", err))
	}

	start := time.Now()
	page, err := p.fetcher.Fetch(ctx, id)
	p.throttle.Release(domain)

	if err != nil {
		kind, _ := model.ScrapeErrorKind(err)
		p.collector.RecordFetchFailure(domain, string(kind))

		switch kind {
		case model.ErrKindRateLimited:
			p.throttle.ReportRateLimited(domain)
		case model.ErrKindCaptchaDetected:
			p.throttle.ReportCaptcha(domain)
			p.collector.RecordCaptchaDetected(domain)
		}
		return nil, err
	}

	p.collector.RecordFetchSuccess(domain)
	p.collector.RecordFetchLatency(domain, time.Since(start))
	p.throttle.ReportSuccess(domain)

	bundle, err := p.registry.Parse(page, id)
	if err != nil {
		return nil, err
	}

	result, err := p.committer.Commit(ctx, bundle)
	if err != nil {
		return nil, err
	}

	p.collector.RecordCommit(result.Decision == fingerprint.Changed)

	if result.Decision == fingerprint.Changed && p.images != nil {
		go p.images.DownloadProductImages(context.WithoutCancel(ctx), result.Product)
	}

	return result.Product, nil
}

func (p *Pool) finishSuccess(ctx context.Context, item *queueItem, id model.Identifier, saved *model.Product, attempts int) {
	if err := p.taskRepo.UpdateStatus(ctx, item.task.ID, model.TaskStatusSuccess, "", attempts); err != nil {
		p.logger.Error("タスクのsuccess遷移に失敗しました",
			slog.String("task_id", item.task.ID),
			slog.String("error", err.Error()),
		)
	}
	p.collector.RecordTaskTerminal(string(model.TaskStatusSuccess))
	p.logger.Info("スクレイプタスクが完了しました",
		slog.String("task_id", item.task.ID),
		slog.String("identifier", id.String()),
		slog.Int("attempts", attempts),
	)
	p.scheduler.finish(id, item.handle, Outcome{Product: saved})
}

func (p *Pool) finishFailure(ctx context.Context, item *queueItem, id model.Identifier, cause error, attempts int) {
	errMessage := "不明なエラー"
	if cause != nil {
		errMessage = cause.Error()
	}

	// 状態記録はctxキャンセル後でも行う必要がある
	recordCtx := context.WithoutCancel(ctx)

	if err := p.taskRepo.UpdateStatus(recordCtx, item.task.ID, model.TaskStatusFailed, errMessage, attempts); err != nil {
		p.logger.Error("タスクのfailed遷移に失敗しました",
			slog.String("task_id", item.task.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := p.productRepo.MarkFailed(recordCtx, id); err != nil {
		p.logger.Error("商品のfailed記録に失敗しました",
			slog.String("identifier", id.String()),
			slog.String("error", err.Error()),
		)
	}

	p.collector.RecordTaskTerminal(string(model.TaskStatusFailed))
	p.logger.Warn("スクレイプタスクが失敗しました",
		slog.String("task_id", item.task.ID),
		slog.String("identifier", id.String()),
		slog.Int("attempts", attempts),
		slog.String("error", errMessage),
	)
	p.scheduler.finish(id, item.handle, Outcome{Err: cause})
}

// sleepContext はctxのキャンセルに反応するスリープ。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
