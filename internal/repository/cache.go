package repository

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hitoshi/asinman/internal/model"
)

// CachedProductRepo はProductRepositoryの読み取りをLRUキャッシュで包むデコレータ。
// 商品の読み取りはAPIのGETとワーカーのTTL判定の両方で発生するため、
// 変更のない商品への問い合わせをDBに往復させない。
// 書き込み系の操作はすべて該当エントリを無効化する。
type CachedProductRepo struct {
	inner ProductRepository
	cache *lru.Cache[model.Identifier, *model.Product]
}

// NewCachedProductRepo は指定サイズのLRUキャッシュ付きリポジトリを生成する。
func NewCachedProductRepo(inner ProductRepository, size int) (*CachedProductRepo, error) {
	cache, err := lru.New[model.Identifier, *model.Product](size)
	if err != nil {
		return nil, fmt.Errorf("商品キャッシュの生成に失敗しました: %w", err)
	}
	return &CachedProductRepo{inner: inner, cache: cache}, nil
}

// FindByIdentifier はキャッシュ経由で商品を取得する。
// 見つからない結果（nil）はキャッシュしない。
func (r *CachedProductRepo) FindByIdentifier(ctx context.Context, id model.Identifier) (*model.Product, error) {
	if product, ok := r.cache.Get(id); ok {
		return product, nil
	}

	product, err := r.inner.FindByIdentifier(ctx, id)
	if err != nil {
		return nil, err
	}
	if product != nil {
		r.cache.Add(id, product)
	}
	return product, nil
}

// UpsertBundle は書き込み後に該当エントリを無効化する。
func (r *CachedProductRepo) UpsertBundle(ctx context.Context, bundle *model.ProductBundle, fingerprint string, scrapedAt time.Time) (*model.Product, error) {
	product, err := r.inner.UpsertBundle(ctx, bundle, fingerprint, scrapedAt)
	if err != nil {
		return nil, err
	}
	r.cache.Remove(bundle.Identifier())
	return product, nil
}

// TouchFreshness は鮮度更新後に該当エントリを無効化する。
func (r *CachedProductRepo) TouchFreshness(ctx context.Context, id model.Identifier, scrapedAt time.Time) error {
	if err := r.inner.TouchFreshness(ctx, id, scrapedAt); err != nil {
		return err
	}
	r.cache.Remove(id)
	return nil
}

// MarkFailed は失敗記録後に該当エントリを無効化する。
func (r *CachedProductRepo) MarkFailed(ctx context.Context, id model.Identifier) error {
	if err := r.inner.MarkFailed(ctx, id); err != nil {
		return err
	}
	r.cache.Remove(id)
	return nil
}

// UpdateImagePath は画像IDからIdentifierを逆引きできないため、全エントリを破棄する。
// 画像ダウンロードはコンテンツ変更時にのみ走るため頻度は低い。
func (r *CachedProductRepo) UpdateImagePath(ctx context.Context, imageID, storagePath string) error {
	if err := r.inner.UpdateImagePath(ctx, imageID, storagePath); err != nil {
		return err
	}
	r.cache.Purge()
	return nil
}

// CountByStatus は集計のためキャッシュを経由しない。
func (r *CachedProductRepo) CountByStatus(ctx context.Context) (map[model.ProductStatus]int, error) {
	return r.inner.CountByStatus(ctx)
}

// compile-time interface check
var _ ProductRepository = (*CachedProductRepo)(nil)
