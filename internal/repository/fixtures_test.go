package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/feedrelay/internal/model"
)

// 購読、配信先、設定はボットの管理コマンド側が書き込む。
// ここの書き込みメソッドはテストデータの投入にだけ使う。

// Create は購読を作成する。既に存在する場合は表示名を更新する。
func (r *PostgresSubscriptionRepo) Create(ctx context.Context, sub *model.Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (owner_id, source_url, display_name, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner_id, source_url) DO UPDATE SET display_name = EXCLUDED.display_name`,
		sub.OwnerID, sub.SourceURL, sub.DisplayName, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// Delete は購読を削除する。
func (r *PostgresSubscriptionRepo) Delete(ctx context.Context, ownerID, sourceURL string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE owner_id = $1 AND source_url = $2`,
		ownerID, sourceURL,
	)
	if err != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	return nil
}

// Create は配信先を作成する。
func (r *PostgresDestinationRepo) Create(ctx context.Context, dest *model.Destination) error {
	kind := dest.Kind
	if kind == "" {
		kind = model.DestinationKindGroup
	}
	status := dest.Status
	if status == "" {
		status = model.DestinationStatusActive
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO destinations (id, owner_id, kind, display_name, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		dest.ID, dest.OwnerID, string(kind), dest.DisplayName, string(status),
	)
	if err != nil {
		return fmt.Errorf("配信先の作成に失敗しました: %w", err)
	}
	dest.Kind = kind
	dest.Status = status
	return nil
}

// Bind は (オーナー, SourceURL) に配信先を紐付ける。
func (r *PostgresDestinationRepo) Bind(ctx context.Context, ownerID, sourceURL, destinationID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO destination_bindings (owner_id, source_url, destination_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		ownerID, sourceURL, destinationID,
	)
	if err != nil {
		return fmt.Errorf("配信先の紐付けに失敗しました: %w", err)
	}
	return nil
}

// UpdateStatus は配信先の状態を更新する。
func (r *PostgresDestinationRepo) UpdateStatus(ctx context.Context, destinationID string, status model.DestinationStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE destinations SET status = $2 WHERE id = $1`,
		destinationID, string(status),
	)
	if err != nil {
		return fmt.Errorf("配信先の状態更新に失敗しました: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("配信先が見つかりません: %s", destinationID)
	}
	return nil
}

// SetDeliveryPolicy はオーナーの配信ポリシーを保存する。
func (r *PostgresSettingsRepo) SetDeliveryPolicy(ctx context.Context, ownerID string, policy model.DeliveryPolicy) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_settings (owner_id, delivery_policy, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (owner_id) DO UPDATE SET delivery_policy = EXCLUDED.delivery_policy, updated_at = now()`,
		ownerID, string(policy),
	)
	if err != nil {
		return fmt.Errorf("配信ポリシーの保存に失敗しました: %w", err)
	}
	return nil
}
