package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/asinman/internal/model"
)

// PostgresProductRepo はPostgreSQLを使用した商品リポジトリ。
type PostgresProductRepo struct {
	db *sql.DB
}

// NewPostgresProductRepo はPostgresProductRepoを生成する。
func NewPostgresProductRepo(db *sql.DB) *PostgresProductRepo {
	return &PostgresProductRepo{db: db}
}

// FindByIdentifier は (ASIN, marketplace) で商品を取得する。見つからない場合はnilを返す。
func (r *PostgresProductRepo) FindByIdentifier(ctx context.Context, id model.Identifier) (*model.Product, error) {
	product := &model.Product{}
	var title, priceCurrency, fingerprint sql.NullString
	var rating, priceAmount sql.NullFloat64
	var ratingsCount sql.NullInt64
	var lastScrapedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, asin, marketplace, title, rating, ratings_count,
		        price_amount, price_currency, status, fingerprint,
		        last_scraped_at, created_at, updated_at
		 FROM products WHERE asin = $1 AND marketplace = $2`,
		id.ASIN, string(id.Marketplace),
	).Scan(
		&product.ID, &product.ASIN, &product.Marketplace,
		&title, &rating, &ratingsCount,
		&priceAmount, &priceCurrency, &product.Status, &fingerprint,
		&lastScrapedAt, &product.CreatedAt, &product.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("商品の取得に失敗しました: %w", err)
	}

	product.Title = nullStringValue(title)
	product.PriceCurrency = nullStringValue(priceCurrency)
	product.Fingerprint = nullStringValue(fingerprint)
	if rating.Valid {
		v := rating.Float64
		product.Rating = &v
	}
	if ratingsCount.Valid {
		v := int(ratingsCount.Int64)
		product.RatingsCount = &v
	}
	if priceAmount.Valid {
		v := priceAmount.Float64
		product.PriceAmount = &v
	}
	if lastScrapedAt.Valid {
		v := lastScrapedAt.Time
		product.LastScrapedAt = &v
	}

	if err := r.loadChildren(ctx, product); err != nil {
		return nil, err
	}

	return product, nil
}

// loadChildren は商品の子データ（bullets, images, attributes）を読み込む。
func (r *PostgresProductRepo) loadChildren(ctx context.Context, product *model.Product) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, position, text FROM product_bullets
		 WHERE product_id = $1 ORDER BY position ASC`,
		product.ID,
	)
	if err != nil {
		return fmt.Errorf("箇条書きの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b := model.ProductBullet{ProductID: product.ID}
		if err := rows.Scan(&b.ID, &b.Position, &b.Text); err != nil {
			return fmt.Errorf("箇条書きの読み取りに失敗しました: %w", err)
		}
		product.Bullets = append(product.Bullets, b)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("箇条書きの走査に失敗しました: %w", err)
	}

	imgRows, err := r.db.QueryContext(ctx,
		`SELECT id, role, original_url, storage_path, position FROM product_images
		 WHERE product_id = $1 ORDER BY position ASC`,
		product.ID,
	)
	if err != nil {
		return fmt.Errorf("画像の取得に失敗しました: %w", err)
	}
	defer imgRows.Close()

	for imgRows.Next() {
		img := model.ProductImage{ProductID: product.ID}
		var storagePath sql.NullString
		if err := imgRows.Scan(&img.ID, &img.Role, &img.OriginalURL, &storagePath, &img.Position); err != nil {
			return fmt.Errorf("画像の読み取りに失敗しました: %w", err)
		}
		img.StoragePath = nullStringValue(storagePath)
		product.Images = append(product.Images, img)
	}
	if err := imgRows.Err(); err != nil {
		return fmt.Errorf("画像の走査に失敗しました: %w", err)
	}

	attrRows, err := r.db.QueryContext(ctx,
		`SELECT id, name, value, source FROM product_attributes
		 WHERE product_id = $1 ORDER BY name ASC`,
		product.ID,
	)
	if err != nil {
		return fmt.Errorf("属性の取得に失敗しました: %w", err)
	}
	defer attrRows.Close()

	for attrRows.Next() {
		attr := model.ProductAttribute{ProductID: product.ID}
		var source sql.NullString
		if err := attrRows.Scan(&attr.ID, &attr.Name, &attr.Value, &source); err != nil {
			return fmt.Errorf("属性の読み取りに失敗しました: %w", err)
		}
		attr.Source = nullStringValue(source)
		product.Attributes = append(product.Attributes, attr)
	}
	if err := attrRows.Err(); err != nil {
		return fmt.Errorf("属性の走査に失敗しました: %w", err)
	}

	return nil
}

// UpsertBundle はパース結果を永続化する。
// 商品本体のUPSERTと子データのセット置換を同一トランザクションで行う。
func (r *PostgresProductRepo) UpsertBundle(ctx context.Context, bundle *model.ProductBundle, fingerprint string, scrapedAt time.Time) (*model.Product, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var productID string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO products (id, asin, marketplace, title, rating, ratings_count,
		                       price_amount, price_currency, status, fingerprint,
		                       last_scraped_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'fresh', $9, $10, now(), now())
		 ON CONFLICT (asin, marketplace) DO UPDATE SET
		    title = EXCLUDED.title,
		    rating = EXCLUDED.rating,
		    ratings_count = EXCLUDED.ratings_count,
		    price_amount = EXCLUDED.price_amount,
		    price_currency = EXCLUDED.price_currency,
		    status = 'fresh',
		    fingerprint = EXCLUDED.fingerprint,
		    last_scraped_at = EXCLUDED.last_scraped_at,
		    updated_at = now()
		 RETURNING id`,
		uuid.New().String(), bundle.ASIN, string(bundle.Marketplace),
		nullString(bundle.Title), nullFloat64(bundle.Rating), nullIntPtr(bundle.RatingsCount),
		nullFloat64(bundle.PriceAmount), nullString(bundle.PriceCurrency),
		fingerprint, scrapedAt,
	).Scan(&productID)
	if err != nil {
		return nil, fmt.Errorf("商品のUPSERTに失敗しました: %w", err)
	}

	// 子データのセット置換: 全削除してから挿入し直す
	for _, table := range []string{"product_bullets", "product_images", "product_attributes"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE product_id = $1", productID); err != nil {
			return nil, fmt.Errorf("%s の削除に失敗しました: %w", table, err)
		}
	}

	// 箇条書きの位置は1始まり。画像のPositionと揃える
	for i, text := range bundle.Bullets {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO product_bullets (id, product_id, position, text) VALUES ($1, $2, $3, $4)`,
			uuid.New().String(), productID, i+1, text,
		)
		if err != nil {
			return nil, fmt.Errorf("箇条書きの挿入に失敗しました: %w", err)
		}
	}

	for _, img := range bundle.Images {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO product_images (id, product_id, role, original_url, position)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.New().String(), productID, string(img.Role), img.URL, img.Position,
		)
		if err != nil {
			return nil, fmt.Errorf("画像の挿入に失敗しました: %w", err)
		}
	}

	for _, attr := range bundle.Attributes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO product_attributes (id, product_id, name, value, source)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.New().String(), productID, attr.Name, attr.Value, nullString(attr.Source),
		)
		if err != nil {
			return nil, fmt.Errorf("属性の挿入に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return r.FindByIdentifier(ctx, bundle.Identifier())
}

// TouchFreshness はコンテンツ変更なしの再スクレイプ時に鮮度情報のみを更新する。
func (r *PostgresProductRepo) TouchFreshness(ctx context.Context, id model.Identifier, scrapedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products SET status = 'fresh', last_scraped_at = $3, updated_at = now()
		 WHERE asin = $1 AND marketplace = $2`,
		id.ASIN, string(id.Marketplace), scrapedAt,
	)
	if err != nil {
		return fmt.Errorf("鮮度の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkFailed はスクレイプに失敗した商品のstatusをfailedにする。
func (r *PostgresProductRepo) MarkFailed(ctx context.Context, id model.Identifier) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products SET status = 'failed', updated_at = now()
		 WHERE asin = $1 AND marketplace = $2`,
		id.ASIN, string(id.Marketplace),
	)
	if err != nil {
		return fmt.Errorf("失敗状態の記録に失敗しました: %w", err)
	}
	return nil
}

// UpdateImagePath はダウンロード済み画像のstorage_pathを記録する。
func (r *PostgresProductRepo) UpdateImagePath(ctx context.Context, imageID, storagePath string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE product_images SET storage_path = $2 WHERE id = $1`,
		imageID, nullString(storagePath),
	)
	if err != nil {
		return fmt.Errorf("画像パスの更新に失敗しました: %w", err)
	}
	return nil
}

// CountByStatus は商品数をstatusごとに集計して返す。
func (r *PostgresProductRepo) CountByStatus(ctx context.Context) (map[model.ProductStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, count(*) FROM products GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("商品数の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.ProductStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("集計結果の読み取りに失敗しました: %w", err)
		}
		counts[model.ProductStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("集計結果の走査に失敗しました: %w", err)
	}

	return counts, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullFloat64 はnilポインタをsql.NullFloat64に変換する。
func nullFloat64(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullIntPtr はnilポインタをsql.NullInt64に変換する。
func nullIntPtr(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

// compile-time interface check
var _ ProductRepository = (*PostgresProductRepo)(nil)
