package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hitoshi/asinman/internal/model"
)

// selectorSet はAmazon商品ページのフィールドごとのCSSセレクタ。
type selectorSet struct {
	title         string
	rating        string
	ratingsCount  string
	price         string
	priceSymbol   string
	priceWhole    string
	priceFraction string
	heroImage     string
	galleryImages string
	bullets       string
	overviewRows  string
}

// baseSelectors はamazon.com向けの基本セレクタ。
var baseSelectors = selectorSet{
	title:         "#productTitle, #titleSection",
	rating:        "#acrPopover, span.a-icon-alt",
	ratingsCount:  "#acrCustomerReviewText",
	price:         ".a-price .a-offscreen",
	priceSymbol:   ".a-price .a-price-symbol",
	priceWhole:    ".a-price .a-price-whole",
	priceFraction: ".a-price .a-price-fraction",
	heroImage:     "#imgTagWrapperId img",
	galleryImages: "#altImages img",
	bullets:       "#feature-bullets ul li span",
	overviewRows:  "#productOverview_feature_div tr",
}

const (
	// maxBullets は保持する箇条書きの上限。
	maxBullets = 5
	// maxGalleryImages は保持するギャラリー画像の上限。
	maxGalleryImages = 10
	// minBulletLength はノイズ除去のための箇条書きの最小文字数。
	minBulletLength = 10
)

// AmazonExtractor はAmazon商品ページのExtractor実装。
// セレクタはマーケットプレイスごとに差し替え可能で、
// 抽出はフィールドごとに独立して行われる。
type AmazonExtractor struct {
	marketplace model.Marketplace
	selectors   selectorSet
}

// NewAmazonExtractor は指定マーケットプレイス用のAmazonExtractorを生成する。
func NewAmazonExtractor(marketplace model.Marketplace) *AmazonExtractor {
	selectors := baseSelectors
	if marketplace == model.MarketplaceJP {
		selectors.price = ".a-price .a-offscreen, #corePrice_desktop .a-offscreen"
	}
	return &AmazonExtractor{
		marketplace: marketplace,
		selectors:   selectors,
	}
}

// Extract はページからProductBundleを組み立てる。
// 各フィールドは独立して抽出され、個々の欠落は診断情報として記録される。
// タイトルが抽出できない場合のみParseFailureを返す。
func (e *AmazonExtractor) Extract(page PageHandle, id model.Identifier) (*model.ProductBundle, error) {
	bundle := &model.ProductBundle{
		ASIN:        id.ASIN,
		Marketplace: id.Marketplace,
	}

	title := e.extractTitle(page)
	if title == "" {
		return nil, model.NewScrapeError(model.ErrKindParseFailure,
			fmt.Errorf("タイトルを抽出できません: ページ構造が認識できない形に変わった可能性があります"))
	}
	bundle.Title = title

	e.extractRating(page, bundle)
	e.extractRatingsCount(page, bundle)
	e.extractPrice(page, bundle)
	e.extractHeroImage(page, bundle)
	e.extractGalleryImages(page, bundle)
	e.extractBullets(page, bundle)
	e.extractAttributes(page, bundle)

	return bundle, nil
}

func (e *AmazonExtractor) extractTitle(page PageHandle) string {
	text, ok := page.Text(e.selectors.title)
	if !ok {
		return ""
	}
	return normalizeSpace(text)
}

// ratingPattern は小数点付きの評価値（4.6 / 4,6）にマッチする。
// 「5つ星のうち4.6」のような整数が先行する表記でも最初の小数にマッチするため、
// ロケールを問わず評価値を取り出せる。
var ratingPattern = regexp.MustCompile(`\d[.,]\d`)

// integerPattern は整数のみの評価値（5 out of 5 等）のフォールバック用。
var integerPattern = regexp.MustCompile(`\d+`)

func (e *AmazonExtractor) extractRating(page PageHandle, bundle *model.ProductBundle) {
	var candidates []string
	if text, ok := page.Text(e.selectors.rating); ok {
		candidates = append(candidates, text)
	}
	// ホバー要素のtitle属性に入っている場合がある
	if title, ok := page.Attr(e.selectors.rating, "title"); ok {
		candidates = append(candidates, title)
	}
	if len(candidates) == 0 {
		bundle.AddDiagnostic("rating", "要素が見つかりません")
		return
	}

	var match string
	for _, text := range candidates {
		if match = ratingPattern.FindString(text); match != "" {
			break
		}
		if match = integerPattern.FindString(text); match != "" {
			break
		}
	}
	if match == "" {
		bundle.AddDiagnostic("rating", fmt.Sprintf("数値を抽出できません: %q", normalizeSpace(candidates[0])))
		return
	}

	value, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", "."), 64)
	if err != nil {
		bundle.AddDiagnostic("rating", fmt.Sprintf("数値の解析に失敗: %q", match))
		return
	}
	if value < 0 || value > 5 {
		// 範囲外の評価値は破棄する。致命的ではない
		bundle.AddDiagnostic("rating", fmt.Sprintf("範囲外の評価値: %v", value))
		return
	}
	bundle.Rating = &value
}

// countPattern は区切り文字入りの件数（1,234 / 1.234）にマッチする。
var countPattern = regexp.MustCompile(`[\d,.]+`)

func (e *AmazonExtractor) extractRatingsCount(page PageHandle, bundle *model.ProductBundle) {
	text, ok := page.Text(e.selectors.ratingsCount)
	if !ok {
		bundle.AddDiagnostic("ratings_count", "要素が見つかりません")
		return
	}

	match := countPattern.FindString(text)
	if match == "" {
		bundle.AddDiagnostic("ratings_count", fmt.Sprintf("件数を抽出できません: %q", normalizeSpace(text)))
		return
	}

	digits := strings.NewReplacer(",", "", ".", "").Replace(match)
	count, err := strconv.Atoi(digits)
	if err != nil {
		bundle.AddDiagnostic("ratings_count", fmt.Sprintf("件数の解析に失敗: %q", match))
		return
	}
	bundle.RatingsCount = &count
}

// currencySymbols は通貨記号から通貨コードへの対応表。長い記号を先に照合する。
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"S$", "SGD"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"￥", "JPY"},
	{"¥", "JPY"},
}

// pricePattern は数値部分（1,234.56 / 1.234,56 / 3,980）にマッチする。
var pricePattern = regexp.MustCompile(`\d[\d,.]*`)

// currencyCodePattern は末尾に明示された通貨コード（USD等）にマッチする。
var currencyCodePattern = regexp.MustCompile(`\b[A-Z]{3}\b`)

func (e *AmazonExtractor) extractPrice(page PageHandle, bundle *model.ProductBundle) {
	if text, ok := page.Text(e.selectors.price); ok {
		if e.parsePriceText(normalizeSpace(text), bundle) {
			return
		}
	}

	// 一体表記が取れない場合は記号+整数部+小数部の分割表記から組み立てる
	whole, ok := page.Text(e.selectors.priceWhole)
	if !ok {
		bundle.AddDiagnostic("price", "要素が見つかりません")
		return
	}

	num := strings.TrimSuffix(strings.ReplaceAll(normalizeSpace(whole), ",", ""), ".")
	if fraction, ok := page.Text(e.selectors.priceFraction); ok {
		num = num + "." + normalizeSpace(fraction)
	}

	amount, err := strconv.ParseFloat(num, 64)
	if err != nil {
		bundle.AddDiagnostic("price", fmt.Sprintf("分割表記の解析に失敗: %q", num))
		return
	}

	currency := ""
	if symbol, ok := page.Text(e.selectors.priceSymbol); ok {
		currency = symbolToCurrency(normalizeSpace(symbol))
	}
	if currency == "" {
		currency = e.marketplace.Currency()
	}
	if currency == "" {
		// 通貨が特定できない価格は曖昧なため破棄する
		bundle.AddDiagnostic("price", "通貨を特定できません")
		return
	}

	bundle.PriceAmount = &amount
	bundle.PriceCurrency = currency
}

// parsePriceText は「$29.99」「3.980円」「29,99 €」等の一体表記を解析する。
// 解析できた場合はtrueを返す。
func (e *AmazonExtractor) parsePriceText(text string, bundle *model.ProductBundle) bool {
	if text == "" {
		return false
	}

	match := pricePattern.FindString(text)
	if match == "" {
		return false
	}

	amount, err := strconv.ParseFloat(normalizeDecimal(match), 64)
	if err != nil {
		return false
	}

	currency := ""
	if code := currencyCodePattern.FindString(text); code != "" {
		currency = code
	} else if symbol := findCurrencySymbol(text); symbol != "" {
		currency = symbolToCurrency(symbol)
	}
	if currency == "" {
		currency = e.marketplace.Currency()
	}
	if currency == "" {
		return false
	}

	bundle.PriceAmount = &amount
	bundle.PriceCurrency = currency
	return true
}

// findCurrencySymbol は価格文字列に含まれる既知の通貨記号を返す。
func findCurrencySymbol(text string) string {
	for _, entry := range currencySymbols {
		if strings.Contains(text, entry.symbol) {
			return entry.symbol
		}
	}
	return ""
}

// symbolToCurrency は通貨記号を通貨コードに変換する。未知の記号は空文字列。
func symbolToCurrency(symbol string) string {
	for _, entry := range currencySymbols {
		if entry.symbol == symbol {
			return entry.code
		}
	}
	return ""
}

// normalizeDecimal は区切り文字の混在した数値文字列を
// 小数点にドットを使う標準形に正規化する。
// 「1,234.56」→「1234.56」、「1.234,56」→「1234.56」、「3,980」→「3980」。
func normalizeDecimal(s string) string {
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// 両方ある場合: 後ろにある方が小数点
		if lastDot > lastComma {
			return strings.ReplaceAll(s, ",", "")
		}
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1)
	case lastComma >= 0:
		// カンマのみ: 小数部が2桁ならEU式の小数点、それ以外は桁区切り
		if len(s)-lastComma-1 == 2 {
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	default:
		return s
	}
}

// highResPattern はサムネイルサイズ指定（_SX466_等）にマッチする。
var highResPattern = regexp.MustCompile(`_S[SXY]\d+_`)

// rewriteHighRes はサムネイルURLを高解像度版（_SL1500_）に書き換える。
func rewriteHighRes(url string) string {
	return highResPattern.ReplaceAllString(url, "_SL1500_")
}

func (e *AmazonExtractor) extractHeroImage(page PageHandle, bundle *model.ProductBundle) {
	// 高解像度版の属性を優先する
	url, ok := page.Attr(e.selectors.heroImage, "data-old-hires")
	if !ok || url == "" {
		url, ok = page.Attr(e.selectors.heroImage, "src")
	}
	if !ok || url == "" {
		bundle.AddDiagnostic("hero_image", "要素が見つかりません")
		return
	}

	bundle.Images = append(bundle.Images, model.BundleImage{
		URL:      rewriteHighRes(url),
		Role:     model.ImageRoleHero,
		Position: 0,
	})
}

func (e *AmazonExtractor) extractGalleryImages(page PageHandle, bundle *model.ProductBundle) {
	position := 1
	page.Each(e.selectors.galleryImages, func(i int, n Node) {
		if position > maxGalleryImages {
			return
		}
		src, ok := n.Attr("src")
		if !ok || src == "" {
			return
		}
		bundle.Images = append(bundle.Images, model.BundleImage{
			URL:      rewriteHighRes(src),
			Role:     model.ImageRoleGallery,
			Position: position,
		})
		position++
	})

	if position == 1 {
		bundle.AddDiagnostic("gallery", "画像が見つかりません")
	}
}

func (e *AmazonExtractor) extractBullets(page PageHandle, bundle *model.ProductBundle) {
	page.Each(e.selectors.bullets, func(i int, n Node) {
		if len(bundle.Bullets) >= maxBullets {
			return
		}
		text := normalizeSpace(n.Text())
		// 短すぎるテキストはUI断片のノイズとして除外する
		if len([]rune(text)) < minBulletLength {
			return
		}
		bundle.Bullets = append(bundle.Bullets, text)
	})

	if len(bundle.Bullets) == 0 {
		bundle.AddDiagnostic("bullets", "箇条書きが見つかりません")
	}
}

func (e *AmazonExtractor) extractAttributes(page PageHandle, bundle *model.ProductBundle) {
	// 概要テーブルは tr > td(名前), td(値) の2列構造
	type pair struct {
		name  string
		value string
	}
	var pairs []pair
	page.Each(e.selectors.overviewRows+" td", func(i int, n Node) {
		text := normalizeSpace(n.Text())
		if i%2 == 0 {
			pairs = append(pairs, pair{name: text})
		} else if len(pairs) > 0 {
			pairs[len(pairs)-1].value = text
		}
	})

	for _, p := range pairs {
		if p.name == "" || p.value == "" {
			continue
		}
		bundle.Attributes = append(bundle.Attributes, model.BundleAttribute{
			Name:   p.name,
			Value:  p.value,
			Source: "overview",
		})
	}
}

// normalizeSpace は連続する空白を1つのスペースに畳み込み、前後の空白を除去する。
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// compile-time interface check
var _ Extractor = (*AmazonExtractor)(nil)
