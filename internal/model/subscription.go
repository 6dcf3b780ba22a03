// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Subscription は購読者（オーナー）とフィードURLの購読関係を表す。
// 同じSourceURLを複数のオーナーが購読できる。
type Subscription struct {
	OwnerID     string
	SourceURL   string
	DisplayName string
	CreatedAt   time.Time
}

// DestinationKind は配信先の種類を表す。
type DestinationKind string

const (
	// DestinationKindDirect はオーナーの個人受信箱に相当する配信先。
	DestinationKindDirect DestinationKind = "direct"
	// DestinationKindGroup はグループ/チャンネル型の配信先。
	DestinationKindGroup DestinationKind = "group"
)

// DestinationStatus は配信先の状態を表す。
type DestinationStatus string

const (
	// DestinationStatusActive は配信可能な状態。
	DestinationStatusActive DestinationStatus = "active"
	// DestinationStatusInactive は配信を停止している状態。
	DestinationStatusInactive DestinationStatus = "inactive"
)

// Destination はオーナーが登録した配信先を表す。
type Destination struct {
	ID          string
	OwnerID     string
	Kind        DestinationKind
	DisplayName string
	Status      DestinationStatus
}

// IsActive は配信先が配信可能かを返す。
func (d Destination) IsActive() bool {
	return d.Status == DestinationStatusActive
}

// Binding は (オーナー, SourceURL) と配信先集合の紐付けを表す。
type Binding struct {
	OwnerID        string
	SourceURL      string
	DestinationIDs []string
}

// DeliveryReceipt は同一記事の同一配信先への再配信を防ぐための記録。
type DeliveryReceipt struct {
	SourceURL     string
	EntryGUID     string
	DestinationID string
	CreatedAt     time.Time
}

// DeliveryPolicy はオーナーごとの配信ポリシーを表す。
type DeliveryPolicy string

const (
	// DeliveryPolicySmart は紐付けがなければ受信箱へ、あれば紐付け先のみへ配信する。
	DeliveryPolicySmart DeliveryPolicy = "smart"
	// DeliveryPolicyDual は受信箱と紐付け先の両方へ配信する。
	DeliveryPolicyDual DeliveryPolicy = "dual"
	// DeliveryPolicyOwnerOnly は受信箱のみへ配信する。
	DeliveryPolicyOwnerOnly DeliveryPolicy = "owner-only"
	// DeliveryPolicyDestinationsOnly は紐付け先のみへ配信する。
	DeliveryPolicyDestinationsOnly DeliveryPolicy = "destinations-only"
)

// ParseDeliveryPolicy は保存値を配信ポリシーに変換する。
// 旧表記（both/private/targets）も受け付け、未知の値や空文字はsmartとして扱う。
func ParseDeliveryPolicy(s string) DeliveryPolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dual", "both":
		return DeliveryPolicyDual
	case "owner-only", "private":
		return DeliveryPolicyOwnerOnly
	case "destinations-only", "targets":
		return DeliveryPolicyDestinationsOnly
	default:
		return DeliveryPolicySmart
	}
}

// IncludesInbox は稼働中の紐付け先の数を考慮して受信箱へ配信すべきかを返す。
func (p DeliveryPolicy) IncludesInbox(bindingCount int) bool {
	switch p {
	case DeliveryPolicyDual, DeliveryPolicyOwnerOnly:
		return true
	case DeliveryPolicyDestinationsOnly:
		return false
	default:
		return bindingCount == 0
	}
}

// IncludesDestinations は紐付け先へ配信すべきかを返す。
func (p DeliveryPolicy) IncludesDestinations() bool {
	return p != DeliveryPolicyOwnerOnly
}
