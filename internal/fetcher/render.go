package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/parser"
)

// RenderOptions はヘッドレスブラウザ取得の設定。
type RenderOptions struct {
	// Timeout は1ページあたりのレンダリング上限時間。
	Timeout time.Duration
	// MaxConcurrent は同時に開くブラウザタブ数の上限。
	MaxConcurrent int
	// WaitSelector は指定時、このセレクタの出現を待ってからHTMLを取得する。
	WaitSelector string
}

// ChromedpFetcher はヘッドレスChromeでページをレンダリングして取得するPageFetcher。
// JavaScriptで構築される商品ページ向けのフォールバック経路として使う。
type ChromedpFetcher struct {
	opts   RenderOptions
	logger *slog.Logger
	sem    chan struct{}
}

// NewChromedpFetcher はChromedpFetcherを生成する。
func NewChromedpFetcher(opts RenderOptions, logger *slog.Logger) *ChromedpFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	return &ChromedpFetcher{
		opts:   opts,
		logger: logger,
		sem:    make(chan struct{}, opts.MaxConcurrent),
	}
}

// Fetch はヘッドレスブラウザで商品ページをレンダリングして取得する。
func (f *ChromedpFetcher) Fetch(ctx context.Context, id model.Identifier) (parser.PageHandle, error) {
	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return nil, model.NewScrapeError(model.ErrKindFetchTimeout, ctx.Err())
	}

	targetURL := id.URL()
	start := time.Now()

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("lang", id.Marketplace.Locale()),
		chromedp.UserAgent(browserUserAgent),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	renderCtx, cancelRender := context.WithTimeout(browserCtx, f.opts.Timeout)
	defer cancelRender()

	actions := []chromedp.Action{
		chromedp.Navigate(targetURL),
	}
	if f.opts.WaitSelector != "" {
		actions = append(actions, chromedp.WaitVisible(f.opts.WaitSelector, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}

	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(renderCtx, actions...); err != nil {
		if isTimeout(err) || renderCtx.Err() != nil {
			f.logger.Warn("レンダリングがタイムアウトしました",
				slog.String("identifier", id.String()),
				slog.String("url", targetURL),
			)
			return nil, model.NewScrapeError(model.ErrKindFetchTimeout, err)
		}
		f.logger.Warn("レンダリングに失敗しました",
			slog.String("identifier", id.String()),
			slog.String("url", targetURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewScrapeError(model.ErrKindNetwork,
			fmt.Errorf("ページのレンダリングに失敗: %w", err))
	}

	page, err := parser.NewPageFromString(html)
	if err != nil {
		return nil, model.NewScrapeError(model.ErrKindNetwork, err)
	}

	if DetectCaptcha(page) {
		return nil, model.NewScrapeError(model.ErrKindCaptchaDetected,
			fmt.Errorf("CAPTCHAページが返されました"))
	}

	f.logger.Debug("レンダリングに成功しました",
		slog.String("identifier", id.String()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return page, nil
}

var _ PageFetcher = (*ChromedpFetcher)(nil)
