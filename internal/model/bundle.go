package model

// BundleImage はパース結果に含まれる画像参照を表す。
// storage_pathはコミット後の画像ダウンロード処理で付与される。
type BundleImage struct {
	URL      string
	Role     ImageRole
	Position int
}

// BundleAttribute はパース結果に含まれる属性（名前/値ペア）を表す。
type BundleAttribute struct {
	Name   string
	Value  string
	Source string
}

// FieldError はパース中に発生したフィールド単位の非致命的な失敗を表す。
// 個々のフィールドの欠落や解析不能はパース全体を失敗させず、
// 診断情報としてBundleに添付される。
type FieldError struct {
	Field  string
	Reason string
}

// ProductBundle は1回のfetch+parseのインメモリ結果を表す。未コミット。
// 各フィールドは独立してnil（欠落）になり得る。欠落は正常な結果であり
// エラーではない。最低限タイトルが存在しない場合のみパース自体が失敗する。
type ProductBundle struct {
	ASIN        string
	Marketplace Marketplace

	Title         string
	Rating        *float64
	RatingsCount  *int
	PriceAmount   *float64
	PriceCurrency string
	Bullets       []string
	Images        []BundleImage
	Attributes    []BundleAttribute

	// Diagnostics はフィールド単位の抽出失敗の記録。致命的ではない。
	Diagnostics []FieldError
}

// Identifier はバンドルの対象となる自然キーを返す。
func (b *ProductBundle) Identifier() Identifier {
	return Identifier{ASIN: b.ASIN, Marketplace: b.Marketplace}
}

// HeroImageURL はrole=heroの画像URLを返す。存在しない場合は空文字列を返す。
func (b *ProductBundle) HeroImageURL() string {
	for _, img := range b.Images {
		if img.Role == ImageRoleHero {
			return img.URL
		}
	}
	return ""
}

// AddDiagnostic はフィールド抽出失敗の診断情報を追記する。
func (b *ProductBundle) AddDiagnostic(field, reason string) {
	b.Diagnostics = append(b.Diagnostics, FieldError{Field: field, Reason: reason})
}
