package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feedrelay/internal/model"
)

// PostgresReceiptRepo はPostgreSQLを使用した配信レシートリポジトリ。
// (source_url, entry_guid, destination_id) の主キーで同一記事の再配信を防ぐ。
type PostgresReceiptRepo struct {
	db *sql.DB
}

// NewPostgresReceiptRepo はPostgresReceiptRepoを生成する。
func NewPostgresReceiptRepo(db *sql.DB) *PostgresReceiptRepo {
	return &PostgresReceiptRepo{db: db}
}

// Exists はレシートが存在するかを返す。
func (r *PostgresReceiptRepo) Exists(ctx context.Context, sourceURL, entryGUID, destinationID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM delivery_receipts
			WHERE source_url = $1 AND entry_guid = $2 AND destination_id = $3
		 )`,
		sourceURL, entryGUID, destinationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("配信レシートの確認に失敗しました: %w", err)
	}
	return exists, nil
}

// Create はレシートを作成する。並行して同じレシートが作られた場合はfalseを返す。
func (r *PostgresReceiptRepo) Create(ctx context.Context, receipt *model.DeliveryReceipt) (bool, error) {
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO delivery_receipts (source_url, entry_guid, destination_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source_url, entry_guid, destination_id) DO NOTHING`,
		receipt.SourceURL, receipt.EntryGUID, receipt.DestinationID, receipt.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("配信レシートの作成に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("挿入件数の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// DeleteOlderThan はcutoffより古いレシートを削除する。
func (r *PostgresReceiptRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM delivery_receipts WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古い配信レシートの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

var _ ReceiptRepository = (*PostgresReceiptRepo)(nil)
