package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultPause は429でretry_afterが不明な場合の一時停止時間。
	defaultPause = 30 * time.Second
	// maxPause は429による一時停止時間の上限。
	maxPause = 60 * time.Second
)

// Pacer は配信プリミティブの呼び出し間隔を制御する。
// 同じサイクル内の全タスクで共有し、429を受けた後は一時停止する。
type Pacer struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPacer はintervalごとに1件の配信を許可するPacerを生成する。
// intervalが0以下の場合は間隔を空けない。
func NewPacer(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Wait は一時停止が明けるのを待ち、続けて次の配信枠を待つ。
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	remaining := p.pausedUntil.Sub(p.now())
	p.mu.Unlock()

	if remaining > 0 {
		if err := p.sleep(ctx, remaining); err != nil {
			return err
		}
	}
	return p.limiter.Wait(ctx)
}

// Pause は以降の配信をdだけ止める。dが0以下なら30秒、60秒を超える場合は60秒とする。
// 既に長い一時停止中であれば短縮しない。
func (p *Pacer) Pause(d time.Duration) time.Duration {
	if d <= 0 {
		d = defaultPause
	}
	d = min(d, maxPause)

	p.mu.Lock()
	defer p.mu.Unlock()
	if until := p.now().Add(d); until.After(p.pausedUntil) {
		p.pausedUntil = until
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
