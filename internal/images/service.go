package images

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/repository"
)

const (
	// downloadTimeout は1画像あたりのダウンロード上限時間。
	downloadTimeout = 20 * time.Second
	// maxImageSize は1画像あたりのサイズ上限。
	maxImageSize = 10 << 20
)

// SafeClientProvider はSSRF検証付きHTTPクライアントの供給元を表す。
// 画像URLはスクレイプしたHTML由来の外部入力であるため、検証なしの取得は行わない。
type SafeClientProvider interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Downloader はコミット後の商品画像ダウンロードを行う。
// ダウンロードの失敗はタスクの成否に影響しない。失敗した画像は
// storage_pathが空のまま残り、次回コンテンツ変更時に再試行される。
type Downloader struct {
	storage     Storage
	ssrfGuard   SafeClientProvider
	productRepo repository.ProductRepository
	logger      *slog.Logger
}

// NewDownloader はDownloaderを生成する。
func NewDownloader(storage Storage, ssrfGuard SafeClientProvider, productRepo repository.ProductRepository, logger *slog.Logger) *Downloader {
	return &Downloader{
		storage:     storage,
		ssrfGuard:   ssrfGuard,
		productRepo: productRepo,
		logger:      logger,
	}
}

// DownloadProductImages は商品に紐づく未保存の画像をすべてダウンロードする。
// 個々の失敗はログに記録して続行する。
func (d *Downloader) DownloadProductImages(ctx context.Context, p *model.Product) {
	for i := range p.Images {
		img := &p.Images[i]
		if img.StoragePath != "" || img.OriginalURL == "" {
			continue
		}
		if err := d.downloadOne(ctx, p, img); err != nil {
			d.logger.Warn("画像のダウンロードに失敗しました",
				slog.String("product_id", p.ID),
				slog.String("image_id", img.ID),
				slog.String("url", img.OriginalURL),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (d *Downloader) downloadOne(ctx context.Context, p *model.Product, img *model.ProductImage) error {
	if err := d.ssrfGuard.ValidateURL(img.OriginalURL); err != nil {
		return fmt.Errorf("URL検証に失敗: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, img.OriginalURL, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	client := d.ssrfGuard.NewSafeClient(downloadTimeout)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("画像の取得に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("予期しないHTTPステータス %d", resp.StatusCode)
	}

	key := storageKey(p, img)
	storagePath, err := d.storage.Save(key, io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return err
	}

	if err := d.productRepo.UpdateImagePath(ctx, img.ID, storagePath); err != nil {
		return fmt.Errorf("storage_pathの記録に失敗: %w", err)
	}

	img.StoragePath = storagePath
	d.logger.Debug("画像を保存しました",
		slog.String("product_id", p.ID),
		slog.String("image_id", img.ID),
		slog.String("storage_path", storagePath),
	)
	return nil
}

// storageKey は {marketplace}/{asin}/{role}_{position}{ext} 形式のキーを組み立てる。
func storageKey(p *model.Product, img *model.ProductImage) string {
	ext := ".jpg"
	if u, err := url.Parse(img.OriginalURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e == ".jpg" || e == ".jpeg" || e == ".png" || e == ".webp" || e == ".gif" {
			ext = e
		}
	}
	return fmt.Sprintf("%s/%s/%s_%d%s", p.Marketplace, p.ASIN, img.Role, img.Position, ext)
}
