// Package fingerprint はコンテンツ指紋と鮮度判定を提供する。
// 指紋はバンドルのコンテンツ関連フィールドの正規化シリアライズに対する
// SHA-256ハッシュで、変更のない再スクレイプを検出するために使用される。
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/asinman/internal/model"
)

// Decision は新旧の指紋比較の結果を表す。
type Decision int

const (
	// Unchanged はコンテンツに変更がないことを示す。
	// コミット時は鮮度タイムスタンプのみ更新され、子データの書き換えは行われない。
	Unchanged Decision = iota
	// Changed はコンテンツが変更されたことを示す。
	Changed
)

// Compute はバンドルのコンテンツ指紋を計算する。
// 対象はタイトル、価格、評価、箇条書き、画像URL（いずれも順序込み）。
// ギャラリー画像の並び替えもコンテンツ変更として扱うため、順序に敏感な
// シリアライズを使用する。タイムスタンプ等の揮発フィールドは含まれない。
// 同一入力に対して常に同一の指紋を返す（決定的）。
func Compute(bundle *model.ProductBundle) string {
	var sb strings.Builder

	writeField(&sb, "title", bundle.Title)

	if bundle.Rating != nil {
		writeField(&sb, "rating", strconv.FormatFloat(*bundle.Rating, 'f', -1, 64))
	} else {
		writeField(&sb, "rating", "")
	}

	if bundle.PriceAmount != nil {
		writeField(&sb, "price", strconv.FormatFloat(*bundle.PriceAmount, 'f', -1, 64)+" "+bundle.PriceCurrency)
	} else {
		writeField(&sb, "price", "")
	}

	for i, bullet := range bundle.Bullets {
		writeField(&sb, "bullet."+strconv.Itoa(i), bullet)
	}

	for i, img := range bundle.Images {
		writeField(&sb, "image."+strconv.Itoa(i), string(img.Role)+"|"+img.URL)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// writeField は長さプレフィックス付きでフィールドを書き込む。
// 区切り文字を含む値同士の衝突を防ぎ、シリアライズを一意にする。
func writeField(sb *strings.Builder, name, value string) {
	fmt.Fprintf(sb, "%s:%d:%s;", name, len(value), value)
}

// Decide は新旧の指紋を比較してコミット方針を決定する。
// 旧指紋が空（初回コミット）の場合は常にChangedを返す。
func Decide(oldDigest, newDigest string) Decision {
	if oldDigest == "" || oldDigest != newDigest {
		return Changed
	}
	return Unchanged
}

// IsFresh は商品レコードがTTL内かどうかを返す。
// last_scraped_atが未設定の場合は常にfalseを返す。
func IsFresh(product *model.Product, ttl time.Duration, now time.Time) bool {
	if product == nil || product.LastScrapedAt == nil {
		return false
	}
	return now.Sub(*product.LastScrapedAt) < ttl
}
