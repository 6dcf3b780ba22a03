package feedparse

import (
	"encoding/json"
	"fmt"
	"strings"
)

// discourseExtractor はDiscourseフォーラム（linux.do等）のトピック一覧JSON
// （/latest.json, /top.json 等）から記事を取り出す。
// guidはDiscourseのRSSと同じ <host>-topic-<id> 形式にそろえ、
// RSSとJSONのどちらで購読していても同じ記事として重複判定されるようにする。
type discourseExtractor struct{}

func (discourseExtractor) name() string { return "discourse" }
func (discourseExtractor) limit() int   { return feedLimit }

func (discourseExtractor) applies(d *document) bool {
	return d.source != nil && d.sourceContains("linux.do", "discourse") && d.startsWithJSONObject()
}

type discourseTopicList struct {
	TopicList struct {
		Topics []struct {
			ID        int64  `json:"id"`
			Title     string `json:"title"`
			Slug      string `json:"slug"`
			Excerpt   string `json:"excerpt"`
			CreatedAt string `json:"created_at"`
			Pinned    bool   `json:"pinned"`
		} `json:"topics"`
	} `json:"topic_list"`
}

// extract は固定表示以外のトピックを一覧の順に返す。
func (discourseExtractor) extract(d *document) []rawEntry {
	var list discourseTopicList
	if err := json.Unmarshal([]byte(d.raw), &list); err != nil {
		return nil
	}

	raws := make([]rawEntry, 0, len(list.TopicList.Topics))
	for _, t := range list.TopicList.Topics {
		if t.Pinned || t.ID == 0 || strings.TrimSpace(t.Title) == "" {
			continue
		}
		slug := t.Slug
		if slug == "" {
			slug = "topic"
		}
		raws = append(raws, rawEntry{
			title:   t.Title,
			link:    fmt.Sprintf("%s://%s/t/%s/%d", d.source.Scheme, d.source.Host, slug, t.ID),
			summary: t.Excerpt,
			date:    t.CreatedAt,
			guid:    fmt.Sprintf("%s-topic-%d", d.host(), t.ID),
		})
	}
	return raws
}
