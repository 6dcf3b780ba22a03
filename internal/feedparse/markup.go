package feedparse

import (
	"strings"

	"golang.org/x/net/html"
)

// node は寛容なマークアップ木のノード。
// nameが空のノードはテキストノードを表す。
type node struct {
	name     string
	attrs    map[string]string
	text     string
	children []*node
}

// leafElements はテキストのみを持つ記事フィールド。
// 閉じタグが欠落していても、次の構造要素の開始で暗黙に閉じる。
var leafElements = map[string]bool{
	"title":           true,
	"link":            true,
	"guid":            true,
	"id":              true,
	"pubdate":         true,
	"dc:date":         true,
	"published":       true,
	"updated":         true,
	"description":     true,
	"summary":         true,
	"content:encoded": true,
}

// structuralElements は開いたままの葉要素を閉じる契機になる要素。
// b、a、pなどのインライン要素は葉要素の内側に入れ子にする。
var structuralElements = map[string]bool{
	"channel":   true,
	"item":      true,
	"entry":     true,
	"content":   true,
	"author":    true,
	"category":  true,
	"comments":  true,
	"enclosure": true,
}

// parseMarkup はXML/HTMLの本文を寛容に木構造へ変換する。
// 閉じタグの欠落や不整合があっても途中で失敗せず、得られた範囲の木を返す。
// タグ名はトークナイザによって小文字化される（pubDate → pubdate）。
//
// title、textarea、styleなどのraw text要素は通常の要素として扱う。閉じタグが
// 欠落した1要素が後続の記事を飲み込まないようにするため。scriptはhtmlPageの
// 場合に限りraw textのまま読む。
func parseMarkup(s string, htmlPage bool) *node {
	z := html.NewTokenizer(strings.NewReader(s))
	z.AllowCDATA(true)

	root := &node{name: "#document"}
	stack := []*node{root}

	for {
		tt := z.Next()

		switch tt {
		case html.ErrorToken:
			return root

		case html.TextToken:
			top := stack[len(stack)-1]
			top.children = append(top.children, &node{text: string(z.Text())})

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			n := &node{name: string(name)}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if n.attrs == nil {
					n.attrs = make(map[string]string)
				}
				n.attrs[strings.ToLower(string(key))] = string(val)
			}
			if tt == html.StartTagToken && !(htmlPage && n.name == "script") {
				z.NextIsNotRawText()
			}

			if leafElements[n.name] || structuralElements[n.name] {
				for len(stack) > 1 && closesImplicitly(stack[len(stack)-1]) {
					stack = stack[:len(stack)-1]
				}
			}

			top := stack[len(stack)-1]
			top.children = append(top.children, n)
			if tt == html.StartTagToken {
				stack = append(stack, n)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			for i := len(stack) - 1; i > 0; i-- {
				if stack[i].name == string(name) {
					stack = stack[:i]
					break
				}
			}
		}
	}
}

// closesImplicitly は開いたままのnを次の構造要素の開始で閉じてよいかを返す。
// type="xhtml"のAtom要素は子要素を持つため対象外。
func closesImplicitly(n *node) bool {
	return leafElements[n.name] && n.attr("type") != "xhtml"
}

// findAll は名前がいずれかに一致する要素を文書順に返す。
// 一致した要素の内側は探索しない。
func (n *node) findAll(names ...string) []*node {
	var out []*node
	var walk func(*node)
	walk = func(cur *node) {
		for _, c := range cur.children {
			if c.name == "" {
				continue
			}
			if matchName(c.name, names) {
				out = append(out, c)
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

// findAllDeep は一致した要素の内側も含めて全ての一致要素を文書順に返す。
func (n *node) findAllDeep(name string) []*node {
	var out []*node
	var walk func(*node)
	walk = func(cur *node) {
		for _, c := range cur.children {
			if c.name == "" {
				continue
			}
			if c.name == name {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

// child は名前が一致する最初の子要素を返す。
// 直接の子に見つからない場合は子孫を文書順に探す。閉じタグが欠落した
// 兄弟要素が入れ子になって見えるケースに対応するため。
func (n *node) child(names ...string) *node {
	for _, name := range names {
		for _, c := range n.children {
			if c.name == name {
				return c
			}
		}
	}
	for _, name := range names {
		if found := n.findAll(name); len(found) > 0 {
			return found[0]
		}
	}
	return nil
}

// childText は最初に見つかった子要素のテキストを返す。
// 候補名は優先順に評価し、空でない最初の値を採用する。
func (n *node) childText(names ...string) string {
	for _, name := range names {
		if c := n.child(name); c != nil {
			if t := strings.TrimSpace(c.innerText()); t != "" {
				return t
			}
		}
	}
	return ""
}

// innerText は子孫のテキストを連結して返す。
func (n *node) innerText() string {
	if n.name == "" {
		return n.text
	}
	var b strings.Builder
	var walk func(*node)
	walk = func(cur *node) {
		for _, c := range cur.children {
			if c.name == "" {
				b.WriteString(c.text)
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// hasElementChildren はテキスト以外の子要素を持つかを返す。
func (n *node) hasElementChildren() bool {
	for _, c := range n.children {
		if c.name != "" {
			return true
		}
	}
	return false
}

// attr は属性値を返す。存在しない場合は空文字を返す。
func (n *node) attr(key string) string {
	if n == nil || n.attrs == nil {
		return ""
	}
	return strings.TrimSpace(n.attrs[key])
}

func matchName(name string, names []string) bool {
	for _, want := range names {
		if name == want {
			return true
		}
	}
	return false
}
