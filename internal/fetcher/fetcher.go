// Package fetcher は商品ページの取得とブロック検出を提供する。
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/parser"
)

// browserUserAgent はフェッチ時に名乗るUser-Agent。
const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// PageFetcher は商品ページの取得操作を表す。
// HTTP直接取得とヘッドレスブラウザによるレンダリング取得の両方が実装する。
type PageFetcher interface {
	// Fetch は指定Identifierの商品ページを取得してPageHandleを返す。
	// 失敗は分類付きのScrapeErrorとして返される。
	Fetch(ctx context.Context, id model.Identifier) (parser.PageHandle, error)
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// HTTPFetcher はHTTP GETによるPageFetcherの実装。
type HTTPFetcher struct {
	ssrfGuard   SSRFValidator
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64

	// client はテストから差し替えられる。nilの場合はssrfGuardから生成する。
	client *http.Client
}

// NewHTTPFetcher はHTTPFetcherを生成する。
func NewHTTPFetcher(ssrfGuard SSRFValidator, logger *slog.Logger, timeout time.Duration, maxBodySize int64) *HTTPFetcher {
	return &HTTPFetcher{
		ssrfGuard:   ssrfGuard,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Fetch は商品ページを取得する。
// HTTPステータスとページ内容からエラーを分類する:
//   - 429/503 → rate_limited
//   - 404/410 → not_found
//   - タイムアウト → fetch_timeout
//   - CAPTCHAページ → captcha_detected
//   - その他の失敗 → network_error
func (f *HTTPFetcher) Fetch(ctx context.Context, id model.Identifier) (parser.PageHandle, error) {
	targetURL := id.URL()
	start := time.Now()

	if err := f.ssrfGuard.ValidateURL(targetURL); err != nil {
		return nil, model.NewScrapeError(model.ErrKindNetwork,
			fmt.Errorf("URL検証に失敗: %w", err))
	}

	client := f.client
	if client == nil {
		client = f.ssrfGuard.NewSafeClient(f.timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, model.NewScrapeError(model.ErrKindNetwork,
			fmt.Errorf("リクエスト作成に失敗: %w", err))
	}

	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", fmt.Sprintf("%s,en;q=0.9", id.Marketplace.Locale()))

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			f.logger.Warn("フェッチがタイムアウトしました",
				slog.String("identifier", id.String()),
				slog.String("url", targetURL),
			)
			return nil, model.NewScrapeError(model.ErrKindFetchTimeout, err)
		}
		f.logger.Warn("フェッチに失敗しました",
			slog.String("identifier", id.String()),
			slog.String("url", targetURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewScrapeError(model.ErrKindNetwork, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		f.logger.Warn("レート制限応答を受信しました",
			slog.String("identifier", id.String()),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewScrapeError(model.ErrKindRateLimited,
			fmt.Errorf("HTTPステータス %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, model.NewScrapeError(model.ErrKindNotFound,
			fmt.Errorf("商品ページが存在しません: HTTPステータス %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, model.NewScrapeError(model.ErrKindNetwork,
			fmt.Errorf("予期しないHTTPステータス %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		if isTimeout(err) {
			return nil, model.NewScrapeError(model.ErrKindFetchTimeout, err)
		}
		return nil, model.NewScrapeError(model.ErrKindNetwork,
			fmt.Errorf("レスポンス本文の読み取りに失敗: %w", err))
	}

	page, err := parser.NewPageFromString(string(body))
	if err != nil {
		return nil, model.NewScrapeError(model.ErrKindNetwork, err)
	}

	if DetectCaptcha(page) {
		f.logger.Warn("CAPTCHAページを検出しました",
			slog.String("identifier", id.String()),
			slog.String("url", targetURL),
		)
		return nil, model.NewScrapeError(model.ErrKindCaptchaDetected,
			fmt.Errorf("CAPTCHAページが返されました"))
	}

	f.logger.Debug("フェッチに成功しました",
		slog.String("identifier", id.String()),
		slog.Int("body_bytes", len(body)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return page, nil
}

// captchaSelectors はCAPTCHA/ブロックページを示すセレクタ。
var captchaSelectors = []string{
	`[data-testid="captcha"]`,
	`form[action*="validateCaptcha"]`,
	`input[id="captchacharacters"]`,
}

// captchaPhrases はCAPTCHAページに含まれる定型文。
var captchaPhrases = []string{
	"Enter the characters you see below",
	"To discuss automated access to Amazon data",
}

// DetectCaptcha はページがCAPTCHA/ブロックページかどうかを判定する。
func DetectCaptcha(page parser.PageHandle) bool {
	for _, selector := range captchaSelectors {
		if _, ok := page.Text(selector); ok {
			return true
		}
	}
	if body, ok := page.Text("body"); ok {
		for _, phrase := range captchaPhrases {
			if strings.Contains(body, phrase) {
				return true
			}
		}
	}
	return false
}

// isTimeout はエラーがタイムアウト起因かどうかを判定する。
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Timeout()
	}
	return false
}

// compile-time interface check
var _ PageFetcher = (*HTTPFetcher)(nil)
