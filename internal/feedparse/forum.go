package feedparse

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// forumExtractor はDiscuz!系フォーラム（hostloc等）のスレッド一覧ページ
// （forum.php?mod=forumdisplay）から記事を取り出す。
// 一覧の tbody#normalthread_<tid> を1スレッドとして読み、固定スレッド（stickthread_）は対象外。
type forumExtractor struct{}

func (forumExtractor) name() string { return "forum" }
func (forumExtractor) limit() int   { return feedLimit }

func (forumExtractor) applies(d *document) bool {
	return d.sourceContains("hostloc", "forum.php") && d.looksLikeHTML()
}

func (forumExtractor) extract(d *document) []rawEntry {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.raw))
	if err != nil {
		return nil
	}

	var raws []rawEntry
	doc.Find(`tbody[id^="normalthread_"]`).Each(func(_ int, s *goquery.Selection) {
		a := s.Find("a.xst").First()
		if a.Length() == 0 {
			a = s.Find("th a[href]").First()
		}
		href, ok := a.Attr("href")
		if !ok {
			return
		}

		date := ""
		if span := s.Find("td.by em span").First(); span.Length() > 0 {
			date = span.AttrOr("title", span.Text())
		}

		raws = append(raws, rawEntry{
			title: a.Text(),
			link:  href,
			date:  date,
		})
	})
	return raws
}
