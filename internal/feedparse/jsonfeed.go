package feedparse

import (
	"strings"

	jsonfeed "github.com/mmcdole/gofeed/json"
)

// jsonFeedExtractor はJSON Feed形式の本文からitemsを取り出す。
// 本文の最初の非空白文字が{の場合のみ試行する。
type jsonFeedExtractor struct{}

func (jsonFeedExtractor) name() string             { return "jsonfeed" }
func (jsonFeedExtractor) applies(d *document) bool { return d.startsWithJSONObject() }
func (jsonFeedExtractor) limit() int               { return feedLimit }

func (jsonFeedExtractor) extract(d *document) []rawEntry {
	fp := &jsonfeed.Parser{}
	feed, err := fp.Parse(strings.NewReader(d.raw))
	if err != nil || feed == nil {
		return nil
	}

	raws := make([]rawEntry, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		raws = append(raws, rawEntry{
			title:   it.Title,
			link:    firstNonEmpty(it.URL, it.ExternalURL),
			summary: firstNonEmpty(it.ContentText, it.ContentHTML, it.Summary),
			date:    firstNonEmpty(it.DatePublished, it.DateModified),
			guid:    it.ID,
		})
	}
	return raws
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
