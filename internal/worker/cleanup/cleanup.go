// Package cleanup は配信レシートの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過したレシートを取り込みサイクルの最後に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReceiptPruner は指定時刻より古い配信レシートを削除するインターフェース。
// repository.ReceiptRepositoryが満たす。
type ReceiptPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// DefaultRetentionDays は配信レシートの保持日数の既定値。
const DefaultRetentionDays = 30

// CleanupJob は保持期間を超過した配信レシートの削除ジョブ。
// 削除対象がなくてもエラーにならないため、サイクルごとに実行してよい。
type CleanupJob struct {
	receipts      ReceiptPruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // レシートの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。retentionDaysが0以下の場合は30日。
func NewCleanupJob(receipts ReceiptPruner, retentionDays int, logger *slog.Logger) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		receipts:      receipts,
		logger:        logger,
		now:           time.Now,
		RetentionDays: retentionDays,
	}
}

// Run は保持期間を超過した配信レシートを削除し、削除件数を返す。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deleted, err := j.receipts.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("配信レシートのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("配信レシートのクリーンアップに失敗: %w", err)
	}

	j.logger.Info("配信レシートのクリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}
