package feedparse

import (
	"net/url"
	"strings"
	"unicode"
)

// 抽出器ごとの最大件数
const (
	feedLimit      = 10
	heuristicLimit = 5
)

// document は1回のパースで抽出器間に共有される本文と解析結果。
type document struct {
	raw       string
	markup    string
	sourceURL string
	source    *url.URL
	root      *node
}

func newDocument(body []byte, sourceURL string) *document {
	raw, markup := normalize(body)
	d := &document{raw: raw, markup: markup, sourceURL: sourceURL}
	if u, err := url.Parse(sourceURL); err == nil && u.Host != "" {
		d.source = u
	}
	return d
}

// tree はマークアップ木を初回アクセス時に構築して返す。
func (d *document) tree() *node {
	if d.root == nil {
		d.root = parseMarkup(d.markup, d.looksLikeHTML())
	}
	return d.root
}

// host はソースURLのホスト名（小文字）を返す。
func (d *document) host() string {
	if d.source == nil {
		return ""
	}
	return strings.ToLower(d.source.Hostname())
}

// sourceContains はソースURLに部分文字列のいずれかが含まれるかを返す。
func (d *document) sourceContains(subs ...string) bool {
	lower := strings.ToLower(d.sourceURL)
	for _, s := range subs {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// startsWithJSONObject は本文の最初の非空白文字が{かを返す。
func (d *document) startsWithJSONObject() bool {
	for _, r := range d.raw {
		if unicode.IsSpace(r) {
			continue
		}
		return r == '{'
	}
	return false
}

// looksLikeHTML は本文がHTMLページらしいかを返す。
func (d *document) looksLikeHTML() bool {
	lower := strings.ToLower(d.raw)
	for _, marker := range []string{"<html", "<body", "<article", "<div", "<tbody"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// extractor はカスケードを構成する1つの抽出戦略。
type extractor interface {
	// name はログとメトリクスに使う抽出器名。
	name() string
	// applies はこの本文・ソースに対して抽出を試みるべきかを返す。
	applies(d *document) bool
	// extract は記事を抽出する。抽出できない場合は空を返す。
	extract(d *document) []rawEntry
	// limit は返却する最大件数。
	limit() int
}
