package notify

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/feedrelay/internal/model"
)

const (
	// summaryLimit はメッセージに含める要約の最大文字数。
	summaryLimit = 200
	// titleLimit はメッセージに含めるタイトルの最大文字数。
	titleLimit = 256
)

// Format は記事をTelegramのHTMLメッセージに整形する。
// タイトルはリンク付きで256文字まで、要約は200文字までに切り詰める。
// 切り詰めはエスケープ前の文字列に対して行う。
func Format(entry model.FeedEntry, siteName string) string {
	var b strings.Builder

	title := entry.Title
	if title == "" {
		title = entry.Link
	}
	if utf8.RuneCountInString(title) > titleLimit {
		title = truncateRunes(title, titleLimit) + "..."
	}
	if entry.Link != "" {
		fmt.Fprintf(&b, "🔗 <a href=\"%s\">%s</a>\n", html.EscapeString(entry.Link), html.EscapeString(title))
	} else {
		fmt.Fprintf(&b, "🔗 %s\n", html.EscapeString(title))
	}

	if summary := strings.TrimSpace(entry.Summary); summary != "" {
		if utf8.RuneCountInString(summary) > summaryLimit {
			summary = truncateRunes(summary, summaryLimit) + "..."
		}
		fmt.Fprintf(&b, "📝 %s\n", html.EscapeString(summary))
	}

	published := "不明"
	if !entry.PublishedAt.IsZero() {
		published = entry.PublishedAt.Format("2006-01-02 15:04")
	}
	fmt.Fprintf(&b, "📰 配信元 · %s | ⏰ %s", html.EscapeString(siteName), published)

	return b.String()
}
