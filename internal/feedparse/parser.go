// Package feedparse は形式の異なるフィード本文から記事一覧を取り出す。
//
// 抽出器を順に試すカスケード構成で、最初に1件以上を返した抽出器の結果を採用する。
// 順序は rss → atom → jsonfeed → サイト別（discourse, forum）→ htmlcards → flexible。
// サイト別の抽出器はソースURLのホストと本文の形から適用可否を判断する。
// XMLとして不正な本文でも寛容なトークナイザで木を構築するため、途中で失敗しない。
package feedparse

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/hitoshi/feedrelay/internal/model"
)

// Result はパース結果。Formatは記事を返した抽出器名で、何も取れなかった場合は空。
type Result struct {
	Entries []model.FeedEntry
	Format  string
}

// Parser はフィード本文を記事一覧に変換する。並行利用できる。
type Parser struct {
	logger     *slog.Logger
	extractors []extractor
}

// NewParser はParserの新しいインスタンスを生成する。
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger,
		extractors: []extractor{
			rssExtractor{},
			atomExtractor{},
			jsonFeedExtractor{},
			discourseExtractor{},
			forumExtractor{},
			htmlCardsExtractor{},
			flexibleExtractor{},
		},
	}
}

// Parse は本文から記事を抽出する。エラーは返さず、抽出できない場合は空のResultを返す。
func (p *Parser) Parse(body []byte, sourceURL string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("フィードのパース中にパニックが発生しました",
				slog.String("source_url", sourceURL),
				slog.String("panic", fmt.Sprint(r)),
			)
			result = Result{}
		}
	}()

	if len(bytes.TrimSpace(body)) == 0 {
		return Result{}
	}

	doc := newDocument(body, sourceURL)
	for _, x := range p.extractors {
		if !x.applies(doc) {
			continue
		}
		entries := collect(x.extract(doc), doc.source, x.limit())
		if len(entries) == 0 {
			continue
		}
		p.logger.Debug("フィードを解析しました",
			slog.String("source_url", sourceURL),
			slog.String("format", x.name()),
			slog.Int("entries", len(entries)),
		)
		return Result{Entries: entries, Format: x.name()}
	}

	return Result{}
}

// LooksLikeFeed は本文が（空であっても）フィードとして妥当な形をしているかを判定する。
// 記事0件の正常なフィードと、解析できないゴミを区別するために使う。
func LooksLikeFeed(body []byte) bool {
	checkSize := 4096
	if len(body) < checkSize {
		checkSize = len(body)
	}
	prefix := bytes.ToLower(body[:checkSize])

	switch {
	case bytes.Contains(prefix, []byte("<rss")),
		bytes.Contains(prefix, []byte("<feed")),
		bytes.Contains(prefix, []byte("<rdf:rdf")):
		return true
	case bytes.Contains(prefix, []byte("<?xml")) &&
		(bytes.Contains(prefix, []byte("rss")) || bytes.Contains(prefix, []byte("atom"))):
		return true
	case bytes.Contains(prefix, []byte("jsonfeed.org/version")):
		return true
	}
	return false
}
