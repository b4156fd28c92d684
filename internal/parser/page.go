// Package parser はマーケットプレイスごとの商品ページ解析を提供する。
package parser

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Node はページ内の単一要素への読み取りアクセスを表す。
type Node interface {
	// Text は要素のテキストを返す。
	Text() string
	// Attr は指定属性の値を返す。属性が存在しない場合はok=false。
	Attr(name string) (string, bool)
}

// PageHandle はフェッチ済みページへのフィールド単位の問い合わせ操作を表す。
// Extractorが必要とする能力はこの3操作のみであり、
// HTML以外のページ表現（レンダリング済みDOM等）でも実装できる。
type PageHandle interface {
	// Text は最初にマッチした要素のテキストを返す。
	// マッチしない場合はok=false。
	Text(selector string) (string, bool)

	// Attr は最初にマッチした要素の指定属性の値を返す。
	// 要素または属性が存在しない場合はok=false。
	Attr(selector, name string) (string, bool)

	// Each はマッチした全要素を文書順に走査する。
	Each(selector string, fn func(i int, n Node))
}

// documentHandle はgoqueryを使用したPageHandleの実装。
type documentHandle struct {
	doc *goquery.Document
}

// NewPage はHTMLを読み込んでPageHandleを生成する。
func NewPage(r io.Reader) (PageHandle, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("HTMLの解析に失敗しました: %w", err)
	}
	return &documentHandle{doc: doc}, nil
}

// NewPageFromString はHTML文字列からPageHandleを生成する。主にテスト用。
func NewPageFromString(html string) (PageHandle, error) {
	return NewPage(strings.NewReader(html))
}

func (h *documentHandle) Text(selector string) (string, bool) {
	sel := h.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	return sel.Text(), true
}

func (h *documentHandle) Attr(selector, name string) (string, bool) {
	sel := h.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	return sel.Attr(name)
}

func (h *documentHandle) Each(selector string, fn func(i int, n Node)) {
	h.doc.Find(selector).Each(func(i int, s *goquery.Selection) {
		fn(i, selectionNode{s: s})
	})
}

// selectionNode はgoquery.Selectionを単一要素ノードとして包む。
type selectionNode struct {
	s *goquery.Selection
}

func (n selectionNode) Text() string {
	return n.s.Text()
}

func (n selectionNode) Attr(name string) (string, bool) {
	return n.s.Attr(name)
}
