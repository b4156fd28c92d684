package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は抽出テキストのサニタイズ機能のインターフェースを定義する。
// スクレイプした商品ページから取り出したタイトル・箇条書き・属性値は
// 外部入力であり、タグの断片やスクリプトが混入し得るため、
// 永続化の前に必ずこのサニタイザを通す。
type TextSanitizerService interface {
	// SanitizeText はHTMLタグを一切持たないプレーンテキストを返す。
	// タグはすべて除去され、HTMLエンティティは復号され、
	// 連続する空白は1つのスペースに畳み込まれる。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyはタグを1つも許可しないポリシーで、
// scriptやstyleを含むすべての要素が除去される。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText はHTMLタグを除去したプレーンテキストを返す。
func (s *textSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}

	stripped := s.policy.Sanitize(raw)
	// StrictPolicyは残ったテキストをエンティティとしてエスケープするため復号する
	decoded := html.UnescapeString(stripped)

	return collapseWhitespace(decoded)
}

// collapseWhitespace は連続する空白（改行・タブを含む）を1つのスペースに畳み込み、
// 前後の空白を取り除く。
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
