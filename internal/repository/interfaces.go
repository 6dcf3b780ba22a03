// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/feedrelay/internal/model"
)

// SubscriptionRepository は購読データの永続化インターフェース。
type SubscriptionRepository interface {
	// ListAll は全オーナーの購読を返す。
	ListAll(ctx context.Context) ([]model.Subscription, error)
}

// DestinationRepository は配信先と紐付けの永続化インターフェース。
type DestinationRepository interface {
	// ListBound は (オーナー, SourceURL) に紐付いた配信先を返す。
	// 停止中の配信先も含めて返すため、呼び出し側でIsActiveを確認すること。
	ListBound(ctx context.Context, ownerID, sourceURL string) ([]model.Destination, error)
}

// SettingsRepository はオーナーごとの設定の永続化インターフェース。
type SettingsRepository interface {
	// GetDeliveryPolicy はオーナーの配信ポリシーを返す。未設定の場合はsmartを返す。
	GetDeliveryPolicy(ctx context.Context, ownerID string) (model.DeliveryPolicy, error)
}

// ReceiptRepository は配信レシートの永続化インターフェース。
type ReceiptRepository interface {
	// Exists は (SourceURL, GUID, 配信先) のレシートが存在するかを返す。
	Exists(ctx context.Context, sourceURL, entryGUID, destinationID string) (bool, error)

	// Create はレシートを作成する。既に存在する場合はfalseを返しエラーにはしない。
	Create(ctx context.Context, receipt *model.DeliveryReceipt) (bool, error)

	// DeleteOlderThan はcutoffより古いレシートを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
