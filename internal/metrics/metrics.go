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
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordPollSuccess()
	RecordPollBackoff(reason string)
	RecordPollMute(reason string)
	RecordHTTPStatus(statusCode int)
	RecordPollLatency(duration time.Duration)
	RecordEntriesStored(count int)
	RecordStoreFallback()
	RecordRedirectMigration()
	RecordFaviconResult(result string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pollSuccess       prometheus.Counter
	pollBackoff       *prometheus.CounterVec
	pollMute          *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	pollLatency       prometheus.Histogram
	entriesStored     prometheus.Counter
	storeFallback     prometheus.Counter
	redirectMigration prometheus.Counter
	faviconResult     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pollSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpulse_poll_success_total",
			Help: "ソース更新成功の合計数",
		}),
		pollBackoff: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpulse_poll_backoff_total",
			Help: "バックオフを適用したソース更新の理由別合計数",
		}, []string{"reason"}),
		pollMute: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpulse_poll_mute_total",
			Help: "ミュートしたソースの理由別合計数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpulse_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedpulse_poll_latency_seconds",
			Help:    "ソース更新のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		entriesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpulse_entries_stored_total",
			Help: "保存されたエントリの合計数",
		}),
		storeFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpulse_store_fallback_total",
			Help: "非同期キュー容量超過による同期保存フォールバックの合計数",
		}),
		redirectMigration: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpulse_redirect_migration_total",
			Help: "恒久リダイレクトによるソース移行の合計数",
		}),
		faviconResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpulse_favicon_result_total",
			Help: "favicon解決の結果別合計数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.pollSuccess, c.pollBackoff, c.pollMute, c.httpStatus,
		c.pollLatency, c.entriesStored, c.storeFallback,
		c.redirectMigration, c.faviconResult,
	)

	return c
}

// RecordPollSuccess はソース更新成功を記録する。
func (c *Collector) RecordPollSuccess() {
	c.pollSuccess.Inc()
}

// RecordPollBackoff はバックオフ適用を理由付きで記録する。
func (c *Collector) RecordPollBackoff(reason string) {
	c.pollBackoff.WithLabelValues(reason).Inc()
}

// RecordPollMute はミュート適用を理由付きで記録する。
func (c *Collector) RecordPollMute(reason string) {
	c.pollMute.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordPollLatency はソース更新のレイテンシを記録する。
func (c *Collector) RecordPollLatency(duration time.Duration) {
	c.pollLatency.Observe(duration.Seconds())
}

// RecordEntriesStored は保存されたエントリ数を記録する。
func (c *Collector) RecordEntriesStored(count int) {
	c.entriesStored.Add(float64(count))
}

// RecordStoreFallback は同期保存フォールバックの発生を記録する。
func (c *Collector) RecordStoreFallback() {
	c.storeFallback.Inc()
}

// RecordRedirectMigration はソース移行の発生を記録する。
func (c *Collector) RecordRedirectMigration() {
	c.redirectMigration.Inc()
}

// RecordFaviconResult はfavicon解決の結果を記録する。
func (c *Collector) RecordFaviconResult(result string) {
	c.faviconResult.WithLabelValues(result).Inc()
}

// Handler はPrometheusメトリクス公開用のHTTPハンドラーを返す。
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector。テストおよび未設定時に使用する。
type NopCollector struct{}

func (NopCollector) RecordPollSuccess()              {}
func (NopCollector) RecordPollBackoff(string)        {}
func (NopCollector) RecordPollMute(string)           {}
func (NopCollector) RecordHTTPStatus(int)            {}
func (NopCollector) RecordPollLatency(time.Duration) {}
func (NopCollector) RecordEntriesStored(int)         {}
func (NopCollector) RecordStoreFallback()            {}
func (NopCollector) RecordRedirectMigration()        {}
func (NopCollector) RecordFaviconResult(string)      {}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = NopCollector{}
