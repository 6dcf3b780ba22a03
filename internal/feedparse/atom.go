package feedparse

import "strings"

// atomExtractor はentry要素を記事として扱うAtom抽出器。
// リンクは本文ではなくhref属性から取り出す。
type atomExtractor struct{}

func (atomExtractor) name() string           { return "atom" }
func (atomExtractor) applies(*document) bool { return true }
func (atomExtractor) limit() int             { return feedLimit }

func (atomExtractor) extract(d *document) []rawEntry {
	entries := d.tree().findAll("entry")
	raws := make([]rawEntry, 0, len(entries))
	for _, e := range entries {
		raws = append(raws, atomEntry(e))
	}
	return raws
}

// atomEntry はentry要素からフィールドを取り出す。
func atomEntry(e *node) rawEntry {
	return rawEntry{
		title:   e.childText("title"),
		link:    atomLink(e),
		summary: e.childText("content", "summary"),
		date:    e.childText("published", "updated"),
		guid:    e.childText("id"),
	}
}

// atomLink はrelがalternateまたは未指定のlinkのhrefを優先して返す。
// 該当が無ければ最初のhref、それも無ければlink要素の本文を返す。
func atomLink(e *node) string {
	var fallback string
	for _, l := range e.findAllDeep("link") {
		href := l.attr("href")
		if href == "" {
			continue
		}
		rel := strings.ToLower(l.attr("rel"))
		if rel == "" || rel == "alternate" {
			return href
		}
		if fallback == "" {
			fallback = href
		}
	}
	if fallback != "" {
		return fallback
	}
	return e.childText("link")
}
