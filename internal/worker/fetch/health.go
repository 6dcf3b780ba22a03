package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedrelay/internal/kv"
	"github.com/hitoshi/feedrelay/internal/model"
)

// healthRecordTTL は購読が外れたSourceのレコードを自然消滅させるための保持期間。
const healthRecordTTL = 14 * 24 * time.Hour

// HealthTracker はSourceごとのアクセス健全性をKVストアに記録し、
// クールダウン中のSourceへのアクセスを抑止する。
type HealthTracker struct {
	store  kv.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewHealthTracker はHealthTrackerの新しいインスタンスを生成する。
func NewHealthTracker(store kv.Store, logger *slog.Logger) *HealthTracker {
	return &HealthTracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Record はSourceの現在のレコードを返す。未記録の場合はゼロ値を返す。
func (h *HealthTracker) Record(ctx context.Context, sourceURL string) (model.AccessHealthRecord, error) {
	var rec model.AccessHealthRecord
	data, ok, err := h.store.Get(ctx, kv.SourceKey(kv.PrefixHealth, sourceURL))
	if err != nil {
		return rec, model.NewPersistenceError("アクセス健全性レコードの読み取り", err)
	}
	if !ok {
		return rec, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, model.NewPersistenceError("アクセス健全性レコードのデコード", err)
	}
	return rec, nil
}

// ShouldSkip はSourceがクールダウン中かを返す。
// レコードを読めない場合はアクセスを止めずにfalseを返す。
func (h *HealthTracker) ShouldSkip(ctx context.Context, sourceURL string) bool {
	rec, err := h.Record(ctx, sourceURL)
	if err != nil {
		h.logger.Warn("アクセス健全性レコードの取得に失敗しました",
			slog.String("source_url", sourceURL),
			slog.String("error", err.Error()),
		)
		return false
	}

	cooldown := Cooldown(rec)
	if cooldown == 0 {
		return false
	}
	elapsed := h.now().Sub(rec.LastAccessTime)
	if elapsed >= cooldown {
		return false
	}

	h.logger.Debug("クールダウン中のためスキップします",
		slog.String("source_url", sourceURL),
		slog.Duration("remaining", cooldown-elapsed),
		slog.Int("failure_count", rec.FailureCount),
		slog.Int("rate_limit_count", rec.RateLimitCount),
	)
	return true
}

// RecordSuccess は失敗・レート制限カウンタをリセットし、成功回数を加算する。
func (h *HealthTracker) RecordSuccess(ctx context.Context, sourceURL string) error {
	return h.update(ctx, sourceURL, func(rec *model.AccessHealthRecord) {
		rec.SuccessCount++
		rec.FailureCount = 0
		rec.RateLimitCount = 0
	})
}

// RecordFailure は失敗回数を加算する。
func (h *HealthTracker) RecordFailure(ctx context.Context, sourceURL string) error {
	return h.update(ctx, sourceURL, func(rec *model.AccessHealthRecord) {
		rec.FailureCount++
	})
}

// RecordRateLimit はレート制限回数を加算する。
func (h *HealthTracker) RecordRateLimit(ctx context.Context, sourceURL string) error {
	return h.update(ctx, sourceURL, func(rec *model.AccessHealthRecord) {
		rec.RateLimitCount++
	})
}

func (h *HealthTracker) update(ctx context.Context, sourceURL string, mutate func(rec *model.AccessHealthRecord)) error {
	key := kv.SourceKey(kv.PrefixHealth, sourceURL)
	err := kv.Update(ctx, h.store, key, healthRecordTTL, func(old []byte) ([]byte, error) {
		var rec model.AccessHealthRecord
		if old != nil {
			if err := json.Unmarshal(old, &rec); err != nil {
				h.logger.Warn("破損したアクセス健全性レコードを初期化します",
					slog.String("source_url", sourceURL),
					slog.String("error", err.Error()),
				)
				rec = model.AccessHealthRecord{}
			}
		}
		mutate(&rec)
		rec.LastAccessTime = h.now()
		return json.Marshal(rec)
	})
	if err != nil {
		return model.NewPersistenceError(fmt.Sprintf("アクセス健全性レコードの更新 (%s)", sourceURL), err)
	}
	return nil
}
