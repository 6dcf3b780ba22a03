package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/feedrelay/internal/model"
)

// PostgresSettingsRepo はPostgreSQLを使用したオーナー設定リポジトリ。
type PostgresSettingsRepo struct {
	db *sql.DB
}

// NewPostgresSettingsRepo はPostgresSettingsRepoを生成する。
func NewPostgresSettingsRepo(db *sql.DB) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{db: db}
}

// GetDeliveryPolicy はオーナーの配信ポリシーを返す。
// 行が存在しない場合と未知の値の場合はsmartを返す。
func (r *PostgresSettingsRepo) GetDeliveryPolicy(ctx context.Context, ownerID string) (model.DeliveryPolicy, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		`SELECT delivery_policy FROM user_settings WHERE owner_id = $1`,
		ownerID,
	).Scan(&raw)

	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryPolicySmart, nil
	}
	if err != nil {
		return "", fmt.Errorf("配信ポリシーの取得に失敗しました: %w", err)
	}
	return model.ParseDeliveryPolicy(raw), nil
}

var _ SettingsRepository = (*PostgresSettingsRepo)(nil)
