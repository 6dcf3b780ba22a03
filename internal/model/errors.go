package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind は取り込み処理で発生したエラーの分類。
type ErrorKind string

// 定義済みエラー種別
const (
	ErrKindTransport      ErrorKind = "transport"
	ErrKindHTTPStatus     ErrorKind = "http_status"
	ErrKindAntiAutomation ErrorKind = "anti_automation"
	ErrKindRateLimited    ErrorKind = "rate_limited"
	ErrKindBlockedPage    ErrorKind = "blocked_page"
	ErrKindGone           ErrorKind = "gone"
	ErrKindContentFormat  ErrorKind = "content_format"
	ErrKindPersistence    ErrorKind = "persistence"
)

// IngestError はフェッチ・パース・永続化のいずれかで発生したエラーを表す。
// Kindで原因カテゴリを判別し、Errで元のエラーを保持する。
type IngestError struct {
	Kind       ErrorKind
	StatusCode int
	Reason     string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *IngestError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Reason)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("[%s] HTTP %d: %s", e.Kind, e.StatusCode, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は元のエラーを返す。
func (e *IngestError) Unwrap() error {
	return e.Err
}

// NewTransportError はDNS・タイムアウト・接続エラーを生成する。
func NewTransportError(err error) *IngestError {
	return &IngestError{Kind: ErrKindTransport, Reason: "通信に失敗しました", Err: err}
}

// NewHTTPStatusError はHTTPステータスに応じたエラーを生成する。
// 403/418はアンチボット、429はレート制限、404/410は消失として区別する。
func NewHTTPStatusError(statusCode int) *IngestError {
	kind := ErrKindHTTPStatus
	reason := "予期しないHTTPステータス"
	switch {
	case statusCode == 429:
		kind = ErrKindRateLimited
		reason = "アクセス頻度の制限を受けました"
	case statusCode == 403 || statusCode == 418:
		kind = ErrKindAntiAutomation
		reason = "自動アクセスとして拒否されました"
	case statusCode == 404 || statusCode == 410:
		kind = ErrKindGone
		reason = "フィードが見つかりません"
	case statusCode >= 500:
		reason = "サーバーエラー"
	}
	return &IngestError{Kind: kind, StatusCode: statusCode, Reason: reason}
}

// NewBlockedPageError はHTTP 200で返された検証ページ・拒否ページを表すエラーを生成する。
func NewBlockedPageError(marker string) *IngestError {
	return &IngestError{Kind: ErrKindBlockedPage, Reason: fmt.Sprintf("検証ページが返されました (%s)", marker)}
}

// NewContentFormatError はパーサーのカスケード全体で記事を抽出できなかったことを表すエラーを生成する。
func NewContentFormatError(reason string) *IngestError {
	return &IngestError{Kind: ErrKindContentFormat, Reason: reason}
}

// NewPersistenceError はストアの読み書き失敗を表すエラーを生成する。
func NewPersistenceError(op string, err error) *IngestError {
	return &IngestError{Kind: ErrKindPersistence, Reason: op, Err: err}
}

// KindOf はエラーチェーンからIngestErrorの種別を取り出す。
// IngestErrorを含まない場合は空文字を返す。
func KindOf(err error) ErrorKind {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

// IsRateLimited はエラーがレート制限（429）によるものかを返す。
func IsRateLimited(err error) bool {
	return KindOf(err) == ErrKindRateLimited
}

// DeliveryError は配信プリミティブの失敗を表す。
type DeliveryError struct {
	DestinationID string
	StatusCode    int
	RetryAfter    time.Duration
	Err           error
}

// Error はerrorインターフェースを実装する。
func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("配信に失敗しました (destination=%s, status=%d): %v", e.DestinationID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("配信に失敗しました (destination=%s, status=%d)", e.DestinationID, e.StatusCode)
}

// Unwrap は元のエラーを返す。
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsDeliveryRateLimited は配信エラーが429相当かを返す。
func IsDeliveryRateLimited(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.StatusCode == 429
}
