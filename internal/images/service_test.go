package images

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/asinman/internal/model"
)

// openClient は検証なしで素のクライアントを返すSafeClientProvider。
type openClient struct {
	validateErr error
}

func (c *openClient) ValidateURL(rawURL string) error { return c.validateErr }

func (c *openClient) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// pathRecorder はUpdateImagePathの呼び出しを記録するProductRepositoryスタブ。
type pathRecorder struct {
	mu    sync.Mutex
	paths map[string]string
}

func (r *pathRecorder) FindByIdentifier(ctx context.Context, id model.Identifier) (*model.Product, error) {
	return nil, nil
}

func (r *pathRecorder) UpsertBundle(ctx context.Context, bundle *model.ProductBundle, fp string, scrapedAt time.Time) (*model.Product, error) {
	return nil, nil
}

func (r *pathRecorder) TouchFreshness(ctx context.Context, id model.Identifier, scrapedAt time.Time) error {
	return nil
}

func (r *pathRecorder) MarkFailed(ctx context.Context, id model.Identifier) error { return nil }

func (r *pathRecorder) UpdateImagePath(ctx context.Context, imageID, storagePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paths == nil {
		r.paths = make(map[string]string)
	}
	r.paths[imageID] = storagePath
	return nil
}

func (r *pathRecorder) CountByStatus(ctx context.Context) (map[model.ProductStatus]int, error) {
	return nil, nil
}

func testProduct(serverURL string) *model.Product {
	return &model.Product{
		ID:          "product-1",
		ASIN:        "B08N5WRWNW",
		Marketplace: model.MarketplaceUS,
		Images: []model.ProductImage{
			{ID: "img-hero", Role: model.ImageRoleHero, OriginalURL: serverURL + "/hero.jpg", Position: 0},
			{ID: "img-g1", Role: model.ImageRoleGallery, OriginalURL: serverURL + "/g1.png", Position: 1},
		},
	}
}

func TestDownloader_DownloadProductImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("image-bytes-" + r.URL.Path))
	}))
	defer server.Close()

	dir := t.TempDir()
	repo := &pathRecorder{}
	d := NewDownloader(NewFilesystemStorage(dir), &openClient{}, repo, slog.New(slog.NewTextHandler(io.Discard, nil)))

	p := testProduct(server.URL)
	d.DownloadProductImages(context.Background(), p)

	heroPath := repo.paths["img-hero"]
	if heroPath == "" {
		t.Fatal("hero画像のstorage_pathが記録されていません")
	}
	if !strings.HasSuffix(heroPath, filepath.Join("amazon.com", "B08N5WRWNW", "hero_0.jpg")) {
		t.Errorf("heroPath = %q", heroPath)
	}

	data, err := os.ReadFile(heroPath)
	if err != nil {
		t.Fatalf("保存された画像の読み取りに失敗しました: %v", err)
	}
	if string(data) != "image-bytes-/hero.jpg" {
		t.Errorf("保存内容 = %q", data)
	}

	if g1 := repo.paths["img-g1"]; !strings.HasSuffix(g1, "gallery_1.png") {
		t.Errorf("g1Path = %q", g1)
	}

	if p.Images[0].StoragePath == "" || p.Images[1].StoragePath == "" {
		t.Error("ダウンロード後のStoragePathが更新されていません")
	}
}

func TestDownloader_SkipsAlreadyStored(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte("data"))
	}))
	defer server.Close()

	repo := &pathRecorder{}
	d := NewDownloader(NewFilesystemStorage(t.TempDir()), &openClient{}, repo, slog.New(slog.NewTextHandler(io.Discard, nil)))

	p := testProduct(server.URL)
	p.Images[0].StoragePath = "/already/stored/hero.jpg"

	d.DownloadProductImages(context.Background(), p)

	if requests != 1 {
		t.Errorf("リクエスト数 = %d, want 1: 保存済み画像は再取得しないべきです", requests)
	}
}

func TestDownloader_FailuresDoNotAbortRemaining(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "hero") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("data"))
	}))
	defer server.Close()

	repo := &pathRecorder{}
	d := NewDownloader(NewFilesystemStorage(t.TempDir()), &openClient{}, repo, slog.New(slog.NewTextHandler(io.Discard, nil)))

	p := testProduct(server.URL)
	d.DownloadProductImages(context.Background(), p)

	if _, ok := repo.paths["img-hero"]; ok {
		t.Error("失敗した画像のstorage_pathが記録されています")
	}
	if _, ok := repo.paths["img-g1"]; !ok {
		t.Error("後続の画像がダウンロードされていません")
	}
}

func TestFilesystemStorage_Save(t *testing.T) {
	dir := t.TempDir()
	s := NewFilesystemStorage(dir)

	path, err := s.Save("amazon.com/B000/hero_0.jpg", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Saveが失敗しました: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("読み取りに失敗しました: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("内容 = %q", data)
	}

	// 上書き
	if _, err := s.Save("amazon.com/B000/hero_0.jpg", strings.NewReader("updated")); err != nil {
		t.Fatalf("再Saveが失敗しました: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "updated" {
		t.Errorf("上書き後の内容 = %q", data)
	}
}

func TestFilesystemStorage_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	s := NewFilesystemStorage(dir)

	path, err := s.Save("../escape.jpg", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Saveが失敗しました: %v", err)
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		t.Errorf("保存先がbaseDirの外に出ています: %q", path)
	}
}
