// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// フェッチワーカーと配信ルーターから利用する。
type MetricsCollector interface {
	RecordFetchSuccess(sourceURL string)
	RecordFetchFailure(sourceURL string, reason string)
	RecordRateLimited(sourceURL string)
	RecordCooldownSkip(sourceURL string)
	RecordParseFailure(sourceURL string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordDelivery(result string)
	RecordCycle(duration time.Duration)
}

// 配信結果ラベル
const (
	DeliveryResultSent    = "sent"
	DeliveryResultSkipped = "skipped"
	DeliveryResultFailed  = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess  prometheus.Counter
	fetchFail     *prometheus.CounterVec
	rateLimited   prometheus.Counter
	cooldownSkip  prometheus.Counter
	parseFail     prometheus.Counter
	httpStatus    *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	deliveries    *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_fetch_success_total",
			Help: "フィードフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_fetch_fail_total",
			Help: "失敗理由別のフィードフェッチ失敗数",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_fetch_rate_limited_total",
			Help: "429によりフェッチを打ち切った回数",
		}),
		cooldownSkip: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_cooldown_skip_total",
			Help: "クールダウン中のためスキップしたソース数",
		}),
		parseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_parse_fail_total",
			Help: "フィードパース失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedrelay_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_deliveries_total",
			Help: "結果別の配信数",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedrelay_cycle_duration_seconds",
			Help:    "取り込みサイクル全体の所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.rateLimited,
		c.cooldownSkip,
		c.parseFail,
		c.httpStatus,
		c.fetchLatency,
		c.deliveries,
		c.cycleDuration,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(sourceURL string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を理由付きで記録する。
func (c *Collector) RecordFetchFailure(sourceURL string, reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordRateLimited は429による打ち切りを記録する。
func (c *Collector) RecordRateLimited(sourceURL string) {
	c.rateLimited.Inc()
}

// RecordCooldownSkip はクールダウンによるスキップを記録する。
func (c *Collector) RecordCooldownSkip(sourceURL string) {
	c.cooldownSkip.Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(sourceURL string) {
	c.parseFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordDelivery は配信結果を記録する。
func (c *Collector) RecordDelivery(result string) {
	c.deliveries.WithLabelValues(result).Inc()
}

// RecordCycle はサイクルの所要時間を記録する。
func (c *Collector) RecordCycle(duration time.Duration) {
	c.cycleDuration.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordFetchSuccess(string)         {}
func (Nop) RecordFetchFailure(string, string) {}
func (Nop) RecordRateLimited(string)          {}
func (Nop) RecordCooldownSkip(string)         {}
func (Nop) RecordParseFailure(string)         {}
func (Nop) RecordHTTPStatus(int)              {}
func (Nop) RecordFetchLatency(time.Duration)  {}
func (Nop) RecordDelivery(string)             {}
func (Nop) RecordCycle(time.Duration)         {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
