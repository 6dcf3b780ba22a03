package feedparse

import (
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/hitoshi/feedrelay/internal/model"
)

// rawEntry は抽出器が取り出した未加工のフィールド。
type rawEntry struct {
	title   string
	link    string
	summary string
	date    string
	guid    string
}

// toEntry は未加工フィールドを正規化してFeedEntryに変換する。
// GUIDとリンクの両方が無い記事は破棄する（falseを返す）。
func (r rawEntry) toEntry(base *url.URL) (model.FeedEntry, bool) {
	link := resolveLink(base, decodeEntities(strings.TrimSpace(cdataMarkers.Replace(r.link))))
	guid := strings.TrimSpace(cdataMarkers.Replace(r.guid))
	if guid == "" && link == "" {
		return model.FeedEntry{}, false
	}

	title := cleanText(r.title)
	if title == "" {
		title = link
	}
	if guid == "" {
		guid = link
	}

	return model.FeedEntry{
		Title:       title,
		Link:        link,
		Summary:     truncateRunes(cleanText(r.summary), summaryMaxRunes),
		PublishedAt: parseDate(r.date),
		GUID:        guid,
	}, true
}

// collect は未加工エントリを正規化し、最大limit件を返す。
func collect(raws []rawEntry, base *url.URL, limit int) []model.FeedEntry {
	entries := make([]model.FeedEntry, 0, min(len(raws), limit))
	for _, r := range raws {
		if len(entries) >= limit {
			break
		}
		e, ok := r.toEntry(base)
		if !ok {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// parseDate は様々な書式の日時文字列を解釈する。解釈できない場合はゼロ値を返す。
func parseDate(s string) time.Time {
	s = strings.TrimSpace(cdataMarkers.Replace(s))
	if s == "" {
		return time.Time{}
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// resolveLink は相対URLをソースURL基準で絶対URLに解決する。
func resolveLink(base *url.URL, raw string) string {
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") || base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
