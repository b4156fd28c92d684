package parser

import (
	"fmt"
	"sync"

	"github.com/hitoshi/asinman/internal/model"
)

// Extractor はマーケットプレイス固有のページ解析の実装を表す。
// 個々のフィールドの欠落や解析不能はパース全体を失敗させず、
// 診断情報としてBundleに記録する設計規約に従うこと。
type Extractor interface {
	// Extract はページからProductBundleを組み立てる。
	// 最低限タイトルが抽出できない場合のみParseFailureを返す。
	Extract(page PageHandle, id model.Identifier) (*model.ProductBundle, error)
}

// Registry はマーケットプレイスキーからExtractorへのディスパッチテーブル。
// 共有ロジック内でのマーケットプレイス文字列の分岐は行わず、
// 新しいマーケットプレイスの追加はRegisterのみで完結する。
type Registry struct {
	mu         sync.RWMutex
	extractors map[model.Marketplace]Extractor
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		extractors: make(map[model.Marketplace]Extractor),
	}
}

// NewDefaultRegistry はサポート対象の全マーケットプレイスに
// Amazon用Extractorを登録したRegistryを生成する。
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, m := range []model.Marketplace{
		model.MarketplaceUS,
		model.MarketplaceJP,
		model.MarketplaceDE,
		model.MarketplaceUK,
		model.MarketplaceFR,
	} {
		r.Register(m, NewAmazonExtractor(m))
	}
	return r
}

// Register はマーケットプレイスにExtractorを登録する。
// 同一キーへの再登録は上書きとなる。
func (r *Registry) Register(marketplace model.Marketplace, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[marketplace] = e
}

// Parse は指定マーケットプレイスのExtractorでページを解析する。
// 未登録のマーケットプレイスの場合はUnsupportedMarketplaceエラーを返す。
func (r *Registry) Parse(page PageHandle, id model.Identifier) (*model.ProductBundle, error) {
	r.mu.RLock()
	extractor, ok := r.extractors[id.Marketplace]
	r.mu.RUnlock()

	if !ok {
		return nil, model.NewScrapeError(model.ErrKindUnsupportedMarketplace,
			fmt.Errorf("マーケットプレイス %q に対応するExtractorが登録されていません", id.Marketplace))
	}

	return extractor.Extract(page, id)
}
