package product

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/asinman/internal/fingerprint"
	"github.com/hitoshi/asinman/internal/model"
	"github.com/hitoshi/asinman/internal/security"
)

// mockProductRepo はProductRepositoryのインメモリ実装。
type mockProductRepo struct {
	stored       *model.Product
	upsertCalls  int
	touchCalls   int
	lastScrapedAt time.Time
}

func (m *mockProductRepo) FindByIdentifier(ctx context.Context, id model.Identifier) (*model.Product, error) {
	if m.stored == nil {
		return nil, nil
	}
	return m.stored, nil
}

func (m *mockProductRepo) UpsertBundle(ctx context.Context, bundle *model.ProductBundle, fp string, scrapedAt time.Time) (*model.Product, error) {
	m.upsertCalls++
	m.lastScrapedAt = scrapedAt

	product := &model.Product{
		ID:            "product-1",
		ASIN:          bundle.ASIN,
		Marketplace:   bundle.Marketplace,
		Title:         bundle.Title,
		Rating:        bundle.Rating,
		RatingsCount:  bundle.RatingsCount,
		PriceAmount:   bundle.PriceAmount,
		PriceCurrency: bundle.PriceCurrency,
		Status:        model.ProductStatusFresh,
		Fingerprint:   fp,
		LastScrapedAt: &scrapedAt,
	}
	for i, b := range bundle.Bullets {
		product.Bullets = append(product.Bullets, model.ProductBullet{ProductID: "product-1", Position: i + 1, Text: b})
	}
	m.stored = product
	return product, nil
}

func (m *mockProductRepo) TouchFreshness(ctx context.Context, id model.Identifier, scrapedAt time.Time) error {
	m.touchCalls++
	m.lastScrapedAt = scrapedAt
	if m.stored != nil {
		m.stored.LastScrapedAt = &scrapedAt
		m.stored.Status = model.ProductStatusFresh
	}
	return nil
}

func (m *mockProductRepo) MarkFailed(ctx context.Context, id model.Identifier) error { return nil }

func (m *mockProductRepo) UpdateImagePath(ctx context.Context, imageID, storagePath string) error {
	return nil
}

func (m *mockProductRepo) CountByStatus(ctx context.Context) (map[model.ProductStatus]int, error) {
	return nil, nil
}

func newTestService(repo *mockProductRepo) CommitService {
	return NewCommitService(repo, security.NewTextSanitizer(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testBundle() *model.ProductBundle {
	rating := 4.6
	count := 12345
	price := 29.99
	return &model.ProductBundle{
		ASIN:          "B08N5WRWNW",
		Marketplace:   model.MarketplaceUS,
		Title:         "Echo Dot (4th Gen)",
		Rating:        &rating,
		RatingsCount:  &count,
		PriceAmount:   &price,
		PriceCurrency: "USD",
		Bullets:       []string{"Voice control your music", "Ready to help"},
	}
}

func TestCommitService_FirstCommit(t *testing.T) {
	repo := &mockProductRepo{}
	svc := newTestService(repo)

	result, err := svc.Commit(context.Background(), testBundle())
	if err != nil {
		t.Fatalf("Commitが失敗しました: %v", err)
	}
	if result.Decision != fingerprint.Changed {
		t.Errorf("Decision = %v, want Changed", result.Decision)
	}
	if repo.upsertCalls != 1 {
		t.Errorf("upsertCalls = %d, want 1", repo.upsertCalls)
	}
	if result.Product.Status != model.ProductStatusFresh {
		t.Errorf("Status = %q, want fresh", result.Product.Status)
	}
	if result.Product.Fingerprint == "" {
		t.Error("指紋が設定されていません")
	}
}

func TestCommitService_UnchangedRescrape(t *testing.T) {
	repo := &mockProductRepo{}
	svc := newTestService(repo)

	first, err := svc.Commit(context.Background(), testBundle())
	if err != nil {
		t.Fatalf("初回Commitが失敗しました: %v", err)
	}

	// 同一内容の再スクレイプは子データを書き換えない
	second, err := svc.Commit(context.Background(), testBundle())
	if err != nil {
		t.Fatalf("2回目のCommitが失敗しました: %v", err)
	}
	if second.Decision != fingerprint.Unchanged {
		t.Errorf("Decision = %v, want Unchanged", second.Decision)
	}
	if repo.upsertCalls != 1 {
		t.Errorf("upsertCalls = %d, want 1", repo.upsertCalls)
	}
	if repo.touchCalls != 1 {
		t.Errorf("touchCalls = %d, want 1", repo.touchCalls)
	}
	if second.Product.Fingerprint != first.Product.Fingerprint {
		t.Error("指紋が変化しましたが内容は同一のはずです")
	}
}

func TestCommitService_ChangedContent(t *testing.T) {
	repo := &mockProductRepo{}
	svc := newTestService(repo)

	if _, err := svc.Commit(context.Background(), testBundle()); err != nil {
		t.Fatalf("初回Commitが失敗しました: %v", err)
	}

	updated := testBundle()
	newPrice := 24.99
	updated.PriceAmount = &newPrice

	result, err := svc.Commit(context.Background(), updated)
	if err != nil {
		t.Fatalf("2回目のCommitが失敗しました: %v", err)
	}
	if result.Decision != fingerprint.Changed {
		t.Errorf("Decision = %v, want Changed", result.Decision)
	}
	if repo.upsertCalls != 2 {
		t.Errorf("upsertCalls = %d, want 2", repo.upsertCalls)
	}
}

func TestCommitService_SanitizesText(t *testing.T) {
	repo := &mockProductRepo{}
	svc := newTestService(repo)

	bundle := testBundle()
	bundle.Title = `Echo Dot <script>alert('x')</script>  (4th Gen)`
	bundle.Bullets = []string{"Voice <b>control</b> your music", "<script>evil()</script>"}
	bundle.Attributes = []model.BundleAttribute{
		{Name: "Brand&nbsp;", Value: "<i>Anker</i>", Source: "overview"},
	}

	result, err := svc.Commit(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Commitが失敗しました: %v", err)
	}
	if result.Product.Title != "Echo Dot (4th Gen)" {
		t.Errorf("Title = %q", result.Product.Title)
	}
	if len(bundle.Bullets) != 1 || bundle.Bullets[0] != "Voice control your music" {
		t.Errorf("Bullets = %v", bundle.Bullets)
	}
	if bundle.Attributes[0].Name != "Brand" || bundle.Attributes[0].Value != "Anker" {
		t.Errorf("Attribute = %+v", bundle.Attributes[0])
	}
}

func TestCommitService_SanitizeBeforeFingerprint(t *testing.T) {
	repo := &mockProductRepo{}
	svc := newTestService(repo)

	// マークアップ違いの同一内容は同じ指紋になる
	clean := testBundle()
	if _, err := svc.Commit(context.Background(), clean); err != nil {
		t.Fatalf("初回Commitが失敗しました: %v", err)
	}

	marked := testBundle()
	marked.Title = "Echo   Dot <span>(4th Gen)</span>"
	result, err := svc.Commit(context.Background(), marked)
	if err != nil {
		t.Fatalf("2回目のCommitが失敗しました: %v", err)
	}
	if result.Decision != fingerprint.Unchanged {
		t.Errorf("Decision = %v, want Unchanged", result.Decision)
	}
}
