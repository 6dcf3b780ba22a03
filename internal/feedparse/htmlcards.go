package feedparse

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// cardSelectors は記事カードとみなすブロックのセレクタ。先に一致した組を採用する。
var cardSelectors = []string{
	"article, post, message",
	`div[class*="item"], div[class*="entry"], div[class*="article"], ` +
		`section[class*="item"], section[class*="entry"], section[class*="article"]`,
}

// htmlCardsExtractor はHTMLページ上の記事カードから記事を取り出す。
// タイトルとリンクの両方が取れたカードのみを採用する。
type htmlCardsExtractor struct{}

func (htmlCardsExtractor) name() string             { return "htmlcards" }
func (htmlCardsExtractor) applies(d *document) bool { return d.looksLikeHTML() }
func (htmlCardsExtractor) limit() int               { return heuristicLimit }

func (htmlCardsExtractor) extract(d *document) []rawEntry {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.raw))
	if err != nil {
		return nil
	}

	for _, sel := range cardSelectors {
		var raws []rawEntry
		doc.Find(sel).Each(func(_ int, card *goquery.Selection) {
			// 内側にさらにカードを含むラッパーは除外する
			if card.Find(sel).Length() > 0 {
				return
			}
			r := cardEntry(card)
			if strings.TrimSpace(r.title) == "" || strings.TrimSpace(r.link) == "" {
				return
			}
			raws = append(raws, r)
		})
		if len(raws) > 0 {
			return raws
		}
	}
	return nil
}

func cardEntry(card *goquery.Selection) rawEntry {
	var r rawEntry

	heading := card.Find(`h1, h2, h3, h4, .title, [class*="title"]`).First()
	r.title = heading.Text()

	anchor := heading.Find("a[href]").First()
	if anchor.Length() == 0 {
		anchor = card.Find("a[href]").First()
	}
	r.link, _ = anchor.Attr("href")
	if strings.TrimSpace(r.title) == "" {
		r.title = anchor.Text()
	}

	r.summary = card.Find(`p, .summary, .description, [class*="excerpt"]`).First().Text()

	if t := card.Find("time").First(); t.Length() > 0 {
		r.date = t.AttrOr("datetime", t.Text())
	}
	return r
}
