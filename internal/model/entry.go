package model

import "time"

// FeedEntry はフィードから抽出した1件の記事を表す。
// パース後は不変として扱う。Source内での同一性はGUIDで判定する。
type FeedEntry struct {
	Title       string
	Link        string
	Summary     string
	PublishedAt time.Time
	GUID        string
}

// Key は重複判定に使うキーを返す。
// GUIDが空の場合はLink、さらに空の場合はTitleを使う。
func (e FeedEntry) Key() string {
	switch {
	case e.GUID != "":
		return e.GUID
	case e.Link != "":
		return e.Link
	default:
		return e.Title
	}
}

// AccessHealthRecord はSourceごとのアクセス健全性カウンタ。
type AccessHealthRecord struct {
	LastAccessTime time.Time `json:"last_access_time"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	RateLimitCount int       `json:"rate_limit_count"`
}
