// Package security はスクレイプしたデータの安全な正規化を提供する。
//
// 対象の金融WebアプリのAPI応答には、表示用にエスケープされたHTMLエンティティ
// （&amp; など）やマークアップ片が混入することがある。リモートテーブルストアへ
// 書き込む前に、bluemondayの全タグ除去ポリシーでマークアップを剥がし、
// エンティティを復元する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はフリーテキストフィールドの正規化インターフェース。
// 口座名・取引摘要・加盟店名・口座種別の保存前に使用される。
type TextSanitizerService interface {
	// Sanitize はマークアップを除去しHTMLエンティティを復元した
	// プレーンテキストを返す。同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicy（全タグ除去）を保持し、スレッドセーフに動作する。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はマークアップを除去しエンティティを復元したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
