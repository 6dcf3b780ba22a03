package feedparse

// rssExtractor はitem要素を記事として扱う標準フィード抽出器。
// RSS 2.0とRSS 1.0（RDF）に対応する。
type rssExtractor struct{}

func (rssExtractor) name() string           { return "rss" }
func (rssExtractor) applies(*document) bool { return true }
func (rssExtractor) limit() int             { return feedLimit }

func (rssExtractor) extract(d *document) []rawEntry {
	items := d.tree().findAll("item")
	raws := make([]rawEntry, 0, len(items))
	for _, it := range items {
		raws = append(raws, rssItem(it))
	}
	return raws
}

// rssItem はitem要素からフィールドを取り出す。
func rssItem(it *node) rawEntry {
	link := it.childText("link")
	if link == "" {
		if l := it.child("link"); l != nil {
			link = l.attr("href")
		}
	}
	if link == "" {
		link = it.attr("rdf:about")
	}

	return rawEntry{
		title:   it.childText("title"),
		link:    link,
		summary: it.childText("description", "content:encoded", "summary"),
		date:    it.childText("pubdate", "dc:date", "published", "updated"),
		guid:    it.childText("guid"),
	}
}
