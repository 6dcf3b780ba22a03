package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedrelay/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// ListAll は全オーナーの購読をSourceURL順に返す。
func (r *PostgresSubscriptionRepo) ListAll(ctx context.Context) ([]model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT owner_id, source_url, display_name, created_at
		 FROM subscriptions
		 ORDER BY source_url, created_at, owner_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		if err := rows.Scan(&sub.OwnerID, &sub.SourceURL, &sub.DisplayName, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("購読のスキャンに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧の読み取り中にエラーが発生しました: %w", err)
	}
	return subs, nil
}

var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
