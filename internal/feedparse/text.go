package feedparse

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// summaryMaxRunes は要約の最大文字数。
const summaryMaxRunes = 200

// strictPolicy は全てのタグを除去しテキストのみを残すポリシー。
// Policyは構築後であれば並行利用できる。
var strictPolicy = bluemonday.StrictPolicy()

// entityDecoder は少数の固定エンティティのみを復号する。
// bluemondayが出力する&#34;と&#39;も含む。
var entityDecoder = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#34;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
	"&amp;", "&",
)

var cdataMarkers = strings.NewReplacer("<![CDATA[", "", "]]>", "")

// decodeEntities は固定テーブルのエンティティを1パスで復号する。
func decodeEntities(s string) string {
	return entityDecoder.Replace(s)
}

// cleanText はフィード項目の文字列からCDATAマーカーと埋め込みマークアップを除去し、
// 空白を1つにまとめたプレーンテキストを返す。
func cleanText(s string) string {
	if s == "" {
		return ""
	}
	s = cdataMarkers.Replace(s)
	s = decodeEntities(s)
	s = strictPolicy.Sanitize(s)
	s = decodeEntities(s)
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes は文字列を最大n文字（rune単位）に切り詰める。
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}
