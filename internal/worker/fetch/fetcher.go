package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/feedrelay/internal/feedparse"
	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
)

const (
	// warmUpTimeout はウォームアップ要求のタイムアウト。
	warmUpTimeout = 10 * time.Second
	// warmUpPauseMin/warmUpPauseJitter はウォームアップ後の待機時間（2〜5秒）。
	warmUpPauseMin    = 2 * time.Second
	warmUpPauseJitter = 3 * time.Second
	// retryJitterMax は再試行前の待機に加えるゆらぎの上限。
	retryJitterMax = 2 * time.Second
	// blockScanLimit は検証ページの判定に使う先頭バイト数。
	blockScanLimit = 16 * 1024
)

// URLValidator はフェッチ先の検証とHTTPクライアント生成のインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
	NewClient(timeout time.Duration) *http.Client
}

// FailureRecorder はフェッチ失敗をアクセス健全性に反映するインターフェース。
type FailureRecorder interface {
	RecordFailure(ctx context.Context, sourceURL string) error
	RecordRateLimit(ctx context.Context, sourceURL string) error
}

// FetcherOptions はFetcherの動作パラメータ。
type FetcherOptions struct {
	MaxAttempts  int
	MaxBodySize  int64
	Timeout      time.Duration
	RetryTimeout time.Duration
}

// RawResponse はフェッチに成功したレスポンス。
type RawResponse struct {
	SourceURL  string
	StatusCode int
	Body       []byte
	Profile    string
	Attempts   int
}

// Fetcher はリクエストプロファイルを切り替えながらSourceを取得する。
// すべてのプロファイルで失敗した場合とレート制限を受けた場合は、
// 結果をアクセス健全性に記録してからエラーを返す。
type Fetcher struct {
	guard    URLValidator
	health   FailureRecorder
	profiles *ProfileSet
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	opts     FetcherOptions

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	guard URLValidator,
	health FailureRecorder,
	profiles *ProfileSet,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	opts FetcherOptions,
) *Fetcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = opts.Timeout
	}
	return &Fetcher{
		guard:    guard,
		health:   health,
		profiles: profiles,
		metrics:  collector,
		logger:   logger,
		opts:     opts,
		sleep:    sleepContext,
		jitter:   randomJitter,
	}
}

// Fetch はSourceを取得する。プロファイルごとに最大MaxAttempts回試行し、
// 429を受けた時点とフィードの消失（404/410）を検知した時点で打ち切る。
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (*RawResponse, error) {
	start := time.Now()

	if err := f.guard.ValidateURL(sourceURL); err != nil {
		f.logger.Error("フェッチ先の検証に失敗しました",
			slog.String("source_url", sourceURL),
			slog.String("error", err.Error()),
		)
		return nil, f.fail(ctx, sourceURL, model.NewTransportError(fmt.Errorf("フェッチ先の検証に失敗しました: %w", err)))
	}

	plan := f.profiles.For(sourceURL)
	if len(plan.Profiles) == 0 {
		return nil, f.fail(ctx, sourceURL, model.NewTransportError(fmt.Errorf("リクエストプロファイルが設定されていません")))
	}
	attempts := min(f.opts.MaxAttempts, len(plan.Profiles))

	if plan.WarmUp {
		f.warmUp(ctx, sourceURL, plan.Profiles[0])
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := RetryDelay(i, plan.BaseDelay, f.jitter(retryJitterMax))
			if err := f.sleep(ctx, delay); err != nil {
				lastErr = model.NewTransportError(err)
				break
			}
		}

		profile := plan.Profiles[i]
		resp, err := f.attempt(ctx, sourceURL, profile, i)
		if err == nil {
			resp.Attempts = i + 1
			f.metrics.RecordFetchLatency(time.Since(start))
			f.logger.Info("フィードを取得しました",
				slog.String("source_url", sourceURL),
				slog.String("profile", profile.Name),
				slog.Int("attempt", i+1),
				slog.Int("bytes", len(resp.Body)),
				slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
			)
			return resp, nil
		}

		lastErr = err
		f.logger.Warn("フィードの取得に失敗しました",
			slog.String("source_url", sourceURL),
			slog.String("profile", profile.Name),
			slog.Int("attempt", i+1),
			slog.String("error", err.Error()),
		)

		switch model.KindOf(err) {
		case model.ErrKindRateLimited:
			f.metrics.RecordRateLimited(sourceURL)
			if recErr := f.health.RecordRateLimit(ctx, sourceURL); recErr != nil {
				f.logRecordError(sourceURL, recErr)
			}
			return nil, err
		case model.ErrKindGone:
			return nil, f.fail(ctx, sourceURL, err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	return nil, f.fail(ctx, sourceURL, fmt.Errorf("%d件のリクエストプロファイルすべてで取得に失敗しました: %w", attempts, lastErr))
}

// attempt は1つのプロファイルで1回だけリクエストを送る。
func (f *Fetcher) attempt(ctx context.Context, sourceURL string, profile RequestProfile, index int) (*RawResponse, error) {
	timeout := f.opts.Timeout
	if index >= 2 {
		timeout = f.opts.RetryTimeout
	}
	client := f.guard.NewClient(timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, model.NewTransportError(fmt.Errorf("リクエスト作成に失敗: %w", err))
	}
	for k, v := range profile.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, model.NewTransportError(err)
	}
	defer resp.Body.Close()

	f.metrics.RecordHTTPStatus(resp.StatusCode)
	if ClassifyHTTPStatus(resp.StatusCode) != FetchResultOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, model.NewHTTPStatusError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodySize))
	if err != nil {
		return nil, model.NewTransportError(fmt.Errorf("レスポンス読み取りに失敗: %w", err))
	}
	if marker := detectBlockPage(body); marker != "" {
		return nil, model.NewBlockedPageError(marker)
	}

	return &RawResponse{
		SourceURL:  sourceURL,
		StatusCode: resp.StatusCode,
		Body:       body,
		Profile:    profile.Name,
	}, nil
}

// warmUp はSourceのオリジンのトップページへアクセスしてから少し待つ。
// 失敗してもフェッチ本体は継続する。
func (f *Fetcher) warmUp(ctx context.Context, sourceURL string, profile RequestProfile) {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return
	}
	origin := fmt.Sprintf("%s://%s/", parsed.Scheme, parsed.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	for _, key := range []string{"User-Agent", "Accept-Language"} {
		if v, ok := profile.Headers[key]; ok {
			req.Header.Set(key, v)
		}
	}

	resp, err := f.guard.NewClient(warmUpTimeout).Do(req)
	if err != nil {
		f.logger.Debug("ウォームアップに失敗しました。フェッチを継続します",
			slog.String("source_url", sourceURL),
			slog.String("error", err.Error()),
		)
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, f.opts.MaxBodySize))
		resp.Body.Close()
		f.logger.Debug("ウォームアップが完了しました",
			slog.String("source_url", sourceURL),
			slog.Int("http_status", resp.StatusCode),
		)
	}

	_ = f.sleep(ctx, warmUpPauseMin+f.jitter(warmUpPauseJitter))
}

func (f *Fetcher) fail(ctx context.Context, sourceURL string, err error) error {
	f.metrics.RecordFetchFailure(sourceURL, string(model.KindOf(err)))
	if recErr := f.health.RecordFailure(ctx, sourceURL); recErr != nil {
		f.logRecordError(sourceURL, recErr)
	}
	return err
}

func (f *Fetcher) logRecordError(sourceURL string, err error) {
	f.logger.Error("アクセス健全性の記録に失敗しました",
		slog.String("source_url", sourceURL),
		slog.String("error", err.Error()),
	)
}

// blockMarkers はHTTP 200で返される検証・拒否ページの目印。
var blockMarkers = []string{
	"<title>403 Forbidden</title>",
	"<title>Access Denied</title>",
	"Just a moment",
	"DDoS protection by Cloudflare",
}

// detectBlockPage は本文が検証・拒否ページであれば目印を返す。
// フィードとして読める本文は、記事中に同じ語句が含まれていても拒否ページとみなさない。
func detectBlockPage(body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return "empty body"
	}
	if feedparse.LooksLikeFeed(body) {
		return ""
	}

	head := body
	if len(head) > blockScanLimit {
		head = head[:blockScanLimit]
	}
	for _, marker := range blockMarkers {
		if bytes.Contains(head, []byte(marker)) {
			return marker
		}
	}
	if bytes.Contains(head, []byte("Cloudflare")) && bytes.Contains(head, []byte("blocked")) {
		return "Cloudflare blocked"
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}
