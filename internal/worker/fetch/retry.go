package fetch

import (
	"time"

	"github.com/hitoshi/feedrelay/internal/model"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（2xx）。
	FetchResultOK FetchResult = iota
	// FetchResultRotate は次のリクエストプロファイルで再試行すべきステータス（403/418/5xx/その他4xx）。
	FetchResultRotate
	// FetchResultRateLimited は即座に再試行を打ち切るべきレート制限（429）。
	FetchResultRateLimited
	// FetchResultGone はプロファイルを変えても回復しない消失（404/410）。
	FetchResultGone
)

const (
	// rateLimitCooldownBase はレート制限時のクールダウン基準値。回数ごとに2倍になる。
	rateLimitCooldownBase = 5 * time.Minute
	// rateLimitCooldownMax はレート制限時のクールダウン上限（60分）。
	rateLimitCooldownMax = 60 * time.Minute
	// failureCooldownStep は失敗1回あたりのクールダウン（線形に増加）。
	failureCooldownStep = 2 * time.Minute
	// failureCooldownMax は失敗時のクールダウン上限（30分）。
	failureCooldownMax = 30 * time.Minute
	// retryDelayMax はプロファイル切り替え前の待機時間の上限。
	retryDelayMax = 20 * time.Second
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return FetchResultOK
	case statusCode == 429:
		return FetchResultRateLimited
	case statusCode == 404 || statusCode == 410:
		return FetchResultGone
	default:
		return FetchResultRotate
	}
}

// Cooldown はアクセス健全性レコードから次回アクセスまでの待機時間を計算する。
// レート制限を受けている場合は 5分×2^回数（最大60分）、
// 失敗のみの場合は 2分×回数（最大30分）、どちらもなければ0。
func Cooldown(record model.AccessHealthRecord) time.Duration {
	switch {
	case record.RateLimitCount > 0:
		delay := rateLimitCooldownBase
		for i := 0; i < record.RateLimitCount; i++ {
			delay *= 2
			if delay >= rateLimitCooldownMax {
				return rateLimitCooldownMax
			}
		}
		return delay
	case record.FailureCount > 0:
		if record.FailureCount >= int(failureCooldownMax/failureCooldownStep) {
			return failureCooldownMax
		}
		return time.Duration(record.FailureCount) * failureCooldownStep
	default:
		return 0
	}
}

// RetryDelay は attempt 回目（1始まり）の再試行前に待機する時間を返す。
// base + 2^attempt 秒 + jitter で、retryDelayMax を超えない。
func RetryDelay(attempt int, base, jitter time.Duration) time.Duration {
	delay := base + jitter
	step := time.Second
	for i := 0; i < attempt; i++ {
		step *= 2
		if step >= retryDelayMax {
			return retryDelayMax
		}
	}
	delay += step
	if delay > retryDelayMax {
		return retryDelayMax
	}
	return delay
}
