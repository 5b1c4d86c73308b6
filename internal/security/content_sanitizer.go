// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は投稿のタイトルと本文をサニタイズし、
// 他のクライアントに配信されるHTMLからXSSのリスクを取り除く。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は投稿テキストのサニタイズ機能のインターフェースを定義する。
// 投稿の保存前に使用される。
type ContentSanitizerService interface {
	// SanitizeContent は本文HTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, blockquote, pre, code, strong, em）のみを通過させ、
	// script, iframe, style, imgタグおよびon*イベント属性を除去する。
	// aタグにはtarget="_blank"とrel="noopener noreferrer"が自動付与される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeContent(rawHTML string) string

	// StripTags は全てのタグを取り除いたプレーンテキストを返す。タイトルの保存と本文の文字数計測に使う。
	// 前後の空白は除去される。
	StripTags(raw string) string
}

var _ ContentSanitizerService = (*contentSanitizer)(nil)

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type contentSanitizer struct {
	contentPolicy *bluemonday.Policy
	titlePolicy   *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// 初期化時にbluemondayのカスタムポリシーを構築する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em
//   - 禁止タグ: script, iframe, style, img および全てのon*イベント属性
//   - aタグ: http/httpsの絶対URLのみ。target="_blank" と rel="noopener noreferrer" を自動付与
//
// 投稿画像は本文とは別にアップロードするため、本文中のimgは許可しない。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style等は許可リストに含めないことで自動的に除去される
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		contentPolicy: p,
		titlePolicy:   bluemonday.StrictPolicy(),
	}
}

// SanitizeContent は本文HTMLをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) SanitizeContent(rawHTML string) string {
	return strings.TrimSpace(s.contentPolicy.Sanitize(rawHTML))
}

// StripTags は入力をプレーンテキストに変換する。
// StrictPolicyが出力するエンティティはJSON応答で二重エスケープされないよう元に戻す。
func (s *contentSanitizer) StripTags(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.titlePolicy.Sanitize(raw)))
}
