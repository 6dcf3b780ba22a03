// Package dedup は記事の新着判定（既読ウィンドウ）と配信レシートによる重複配信防止を提供する。
package dedup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hitoshi/feedrelay/internal/kv"
	"github.com/hitoshi/feedrelay/internal/model"
)

const (
	// DefaultWindowSize は既読ウィンドウに保持するGUID数の既定値。
	DefaultWindowSize = 20
	// seenWindowTTL は既読ウィンドウの保持期間。購読が消えたSourceのキーを掃除するために設定する。
	seenWindowTTL = 30 * 24 * time.Hour
)

// ReceiptStore は配信レシートの読み書きインターフェース。
// repository.ReceiptRepositoryが満たす。
type ReceiptStore interface {
	Exists(ctx context.Context, sourceURL, entryGUID, destinationID string) (bool, error)
	Create(ctx context.Context, receipt *model.DeliveryReceipt) (bool, error)
}

// Store は既読ウィンドウ（KV）と配信レシート（ReceiptStore）をまとめて扱う。
// 新着判定はSource単位、配信済み判定は (Source, GUID, 配信先) 単位で独立している。
type Store struct {
	kv         kv.Store
	receipts   ReceiptStore
	windowSize int
	logger     *slog.Logger
}

// NewStore はStoreを生成する。windowSizeが0以下の場合はDefaultWindowSizeを使う。
func NewStore(store kv.Store, receipts ReceiptStore, windowSize int, logger *slog.Logger) *Store {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Store{
		kv:         store,
		receipts:   receipts,
		windowSize: windowSize,
		logger:     logger,
	}
}

// Window はSourceの既読ウィンドウを新しい順で返す。
func (s *Store) Window(ctx context.Context, sourceURL string) ([]string, error) {
	raw, ok, err := s.kv.Get(ctx, kv.SourceKey(kv.PrefixSeen, sourceURL))
	if err != nil {
		return nil, model.NewPersistenceError("既読ウィンドウの読み込みに失敗しました", err)
	}
	if !ok {
		return nil, nil
	}
	return s.decode(sourceURL, raw), nil
}

// FilterNew はentriesのうち既読ウィンドウに含まれない記事を元の順序のまま返す。
// 同じキーの記事が複数含まれる場合は最初の1件だけを残す。
func (s *Store) FilterNew(ctx context.Context, sourceURL string, entries []model.FeedEntry) ([]model.FeedEntry, error) {
	window, err := s.Window(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(window)+len(entries))
	for _, guid := range window {
		seen[guid] = struct{}{}
	}

	var fresh []model.FeedEntry
	for _, e := range entries {
		key := e.Key()
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, e)
	}
	return fresh, nil
}

// RecordSeen はentriesのGUIDを既読ウィンドウの先頭に追加し、windowSize件に切り詰める。
// entriesはパーサーの出力順（新しい順）で渡すこと。
func (s *Store) RecordSeen(ctx context.Context, sourceURL string, entries []model.FeedEntry) error {
	if len(entries) == 0 {
		return nil
	}

	key := kv.SourceKey(kv.PrefixSeen, sourceURL)
	err := kv.Update(ctx, s.kv, key, seenWindowTTL, func(old []byte) ([]byte, error) {
		var window []string
		if old != nil {
			window = s.decode(sourceURL, old)
		}
		return json.Marshal(prepend(window, entries, s.windowSize))
	})
	if err != nil {
		return model.NewPersistenceError("既読ウィンドウの更新に失敗しました", err)
	}
	return nil
}

// HasDelivered は (Source, GUID, 配信先) のレシートが存在するかを返す。
func (s *Store) HasDelivered(ctx context.Context, sourceURL, guid, destinationID string) (bool, error) {
	ok, err := s.receipts.Exists(ctx, sourceURL, guid, destinationID)
	if err != nil {
		return false, model.NewPersistenceError("配信レシートの確認に失敗しました", err)
	}
	return ok, nil
}

// RecordDelivered は配信レシートを記録する。既に記録済みの場合もエラーにはしない。
func (s *Store) RecordDelivered(ctx context.Context, sourceURL, guid, destinationID string) error {
	inserted, err := s.receipts.Create(ctx, &model.DeliveryReceipt{
		SourceURL:     sourceURL,
		EntryGUID:     guid,
		DestinationID: destinationID,
	})
	if err != nil {
		return model.NewPersistenceError("配信レシートの記録に失敗しました", err)
	}
	if !inserted {
		s.logger.Warn("配信レシートは既に記録されています",
			slog.String("source_url", sourceURL),
			slog.String("entry_guid", guid),
			slog.String("destination_id", destinationID),
		)
	}
	return nil
}

func (s *Store) decode(sourceURL string, raw []byte) []string {
	var window []string
	if err := json.Unmarshal(raw, &window); err != nil {
		s.logger.Warn("既読ウィンドウを読み取れないため初期化します",
			slog.String("source_url", sourceURL),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return window
}

// prepend はentriesのキーをwindowの先頭に並べ、重複を除いてlimit件に切り詰める。
func prepend(window []string, entries []model.FeedEntry, limit int) []string {
	next := make([]string, 0, min(limit, len(window)+len(entries)))
	added := make(map[string]struct{}, limit)
	add := func(key string) {
		if key == "" || len(next) >= limit {
			return
		}
		if _, ok := added[key]; ok {
			return
		}
		added[key] = struct{}{}
		next = append(next, key)
	}
	for _, e := range entries {
		add(e.Key())
	}
	for _, guid := range window {
		add(guid)
	}
	return next
}
