// Package model はドメインモデルを定義する。
package model

import (
	"regexp"
	"time"
)

// Marketplace はスクレイプ対象のマーケットプレイスを表す。
type Marketplace string

const (
	// MarketplaceUS は amazon.com。
	MarketplaceUS Marketplace = "amazon.com"
	// MarketplaceJP は amazon.co.jp。
	MarketplaceJP Marketplace = "amazon.co.jp"
	// MarketplaceDE は amazon.de。
	MarketplaceDE Marketplace = "amazon.de"
	// MarketplaceUK は amazon.co.uk。
	MarketplaceUK Marketplace = "amazon.co.uk"
	// MarketplaceFR は amazon.fr。
	MarketplaceFR Marketplace = "amazon.fr"
)

// DefaultMarketplace はmarketplace未指定時のデフォルト値。
const DefaultMarketplace = MarketplaceUS

// marketplaceLocales はマーケットプレイスごとのロケール。
// Accept-Languageヘッダと通貨推定に使用される。
var marketplaceLocales = map[Marketplace]string{
	MarketplaceUS: "en-US",
	MarketplaceJP: "ja-JP",
	MarketplaceDE: "de-DE",
	MarketplaceUK: "en-GB",
	MarketplaceFR: "fr-FR",
}

// marketplaceCurrencies はマーケットプレイスごとのデフォルト通貨コード。
// 価格文字列から通貨を特定できない場合のフォールバックとして使用される。
var marketplaceCurrencies = map[Marketplace]string{
	MarketplaceUS: "USD",
	MarketplaceJP: "JPY",
	MarketplaceDE: "EUR",
	MarketplaceUK: "GBP",
	MarketplaceFR: "EUR",
}

// Valid はサポート対象のマーケットプレイスかどうかを返す。
func (m Marketplace) Valid() bool {
	_, ok := marketplaceLocales[m]
	return ok
}

// Locale はマーケットプレイスのロケールを返す。未知の場合はen-USを返す。
func (m Marketplace) Locale() string {
	if l, ok := marketplaceLocales[m]; ok {
		return l
	}
	return "en-US"
}

// Currency はマーケットプレイスのデフォルト通貨コードを返す。
// 未知の場合は空文字列を返す（通貨不明として扱われる）。
func (m Marketplace) Currency() string {
	return marketplaceCurrencies[m]
}

// asinPattern はASINの形式（10文字の英数字）。
var asinPattern = regexp.MustCompile(`^[A-Z0-9]{10}$`)

// ValidASIN はASINの形式が正しいかどうかを返す。
func ValidASIN(asin string) bool {
	return asinPattern.MatchString(asin)
}

// Identifier は (ASIN, marketplace) の自然キーを表す。
// タスクと商品の両方がこのキーで一意に特定される。生成後は不変。
type Identifier struct {
	ASIN        string
	Marketplace Marketplace
}

// String はログ出力用の "ASIN@marketplace" 形式を返す。
func (id Identifier) String() string {
	return id.ASIN + "@" + string(id.Marketplace)
}

// URL はスクレイプ対象の正規URLを返す。
func (id Identifier) URL() string {
	return "https://" + string(id.Marketplace) + "/dp/" + id.ASIN
}

// ProductStatus は商品レコードの鮮度状態を表す。
type ProductStatus string

const (
	// ProductStatusFresh はTTL内の新鮮なデータ。
	ProductStatusFresh ProductStatus = "fresh"
	// ProductStatusStale はTTLを超過したデータ。
	ProductStatusStale ProductStatus = "stale"
	// ProductStatusFailed はスクレイプ失敗により更新できなかったデータ。
	ProductStatusFailed ProductStatus = "failed"
	// ProductStatusPending は初回スクレイプが未完了のデータ。
	ProductStatusPending ProductStatus = "pending"
)

// ImageRole は商品画像の役割を表す。
type ImageRole string

const (
	// ImageRoleHero はメイン画像。
	ImageRoleHero ImageRole = "hero"
	// ImageRoleGallery はギャラリー画像。
	ImageRoleGallery ImageRole = "gallery"
)

// ProductImage は商品に紐づく画像を表す。
// position順で保持され、コミットのたびにセット全体が置き換えられる。
type ProductImage struct {
	ID          string
	ProductID   string
	Role        ImageRole
	OriginalURL string
	StoragePath string
	Position    int
}

// ProductBullet は商品の箇条書きテキストを表す。
type ProductBullet struct {
	ID        string
	ProductID string
	Position  int
	Text      string
}

// ProductAttribute は商品の属性（名前/値ペア）を表す。
type ProductAttribute struct {
	ID        string
	ProductID string
	Name      string
	Value     string
	Source    string
}

// Product は永続化された商品レコードを表す。
// (ASIN, marketplace) キーで一意。子データ（bullets, images, attributes）は
// コミットごとにセット置換され、スクレイプをまたいで蓄積されることはない。
type Product struct {
	ID            string
	ASIN          string
	Marketplace   Marketplace
	Title         string
	Rating        *float64
	RatingsCount  *int
	PriceAmount   *float64
	PriceCurrency string
	Status        ProductStatus
	Fingerprint   string
	LastScrapedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Bullets    []ProductBullet
	Images     []ProductImage
	Attributes []ProductAttribute
}

// Identifier は商品の自然キーを返す。
func (p *Product) Identifier() Identifier {
	return Identifier{ASIN: p.ASIN, Marketplace: p.Marketplace}
}

// HeroImage はrole=heroの画像を返す。存在しない場合はnilを返す。
func (p *Product) HeroImage() *ProductImage {
	for i := range p.Images {
		if p.Images[i].Role == ImageRoleHero {
			return &p.Images[i]
		}
	}
	return nil
}

// GalleryImages はrole=galleryの画像をposition順で返す。
func (p *Product) GalleryImages() []ProductImage {
	var gallery []ProductImage
	for _, img := range p.Images {
		if img.Role == ImageRoleGallery {
			gallery = append(gallery, img)
		}
	}
	return gallery
}
