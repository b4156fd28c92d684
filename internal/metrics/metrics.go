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
	RecordFetchSuccess(marketplace string)
	RecordFetchFailure(marketplace string, kind string)
	RecordFetchLatency(marketplace string, duration time.Duration)
	RecordCaptchaDetected(marketplace string)
	RecordCommit(changed bool)
	RecordCacheHit()
	RecordCoalesced()
	RecordTaskTerminal(status string)
	RecordRetry(marketplace string)
	RecordHTTPStatus(statusCode int)
	SetQueueDepth(depth int)
	SetThrottleInflight(marketplace string, inflight int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchSuccess     *prometheus.CounterVec
	fetchFail        *prometheus.CounterVec
	fetchLatency     *prometheus.HistogramVec
	captchaDetected  *prometheus.CounterVec
	commitChanged    prometheus.Counter
	commitUnchanged  prometheus.Counter
	cacheHits        prometheus.Counter
	coalesced        prometheus.Counter
	taskTerminal     *prometheus.CounterVec
	retries          *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	throttleInflight *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asinman_fetch_success_total",
			Help: "商品ページフェッチ成功の合計数",
		}, []string{"marketplace"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asinman_fetch_fail_total",
			Help: "商品ページフェッチ失敗のエラー分類別合計数",
		}, []string{"marketplace", "kind"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asinman_fetch_latency_seconds",
			Help:    "商品ページフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"marketplace"}),
		captchaDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asinman_captcha_detected_total",
			Help: "CAPTCHAページ検出の合計数",
		}, []string{"marketplace"}),
		commitChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asinman_commit_changed_total",
			Help: "コンテンツ変更ありでコミットされた回数",
		}),
		commitUnchanged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asinman_commit_unchanged_total",
			Help: "コンテンツ変更なしで鮮度のみ更新された回数",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asinman_cache_hit_total",
			Help: "TTL内キャッシュヒットで即時応答した回数",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asinman_coalesced_total",
			Help: "進行中タスクに合流したリクエストの合計数",
		}),
		taskTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asinman_task_terminal_total",
			Help: "終端状態に達したタスクの状態別合計数",
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asinman_retry_total",
			Help: "一時的エラーによるリトライの合計数",
		}, []string{"marketplace"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asinman_http_status_total",
			Help: "APIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asinman_queue_depth",
			Help: "未着手のキュー要素数",
		}),
		throttleInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "asinman_throttle_inflight",
			Help: "マーケットプレイス別の進行中フェッチ数",
		}, []string{"marketplace"}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.fetchLatency,
		c.captchaDetected,
		c.commitChanged,
		c.commitUnchanged,
		c.cacheHits,
		c.coalesced,
		c.taskTerminal,
		c.retries,
		c.httpStatus,
		c.queueDepth,
		c.throttleInflight,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(marketplace string) {
	c.fetchSuccess.WithLabelValues(marketplace).Inc()
}

// RecordFetchFailure はフェッチ失敗をエラー分類とともに記録する。
func (c *Collector) RecordFetchFailure(marketplace string, kind string) {
	c.fetchFail.WithLabelValues(marketplace, kind).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(marketplace string, duration time.Duration) {
	c.fetchLatency.WithLabelValues(marketplace).Observe(duration.Seconds())
}

// RecordCaptchaDetected はCAPTCHA検出を記録する。
func (c *Collector) RecordCaptchaDetected(marketplace string) {
	c.captchaDetected.WithLabelValues(marketplace).Inc()
}

// RecordCommit はコミット結果を記録する。
func (c *Collector) RecordCommit(changed bool) {
	if changed {
		c.commitChanged.Inc()
	} else {
		c.commitUnchanged.Inc()
	}
}

// RecordCacheHit はTTL内キャッシュヒットを記録する。
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Inc()
}

// RecordCoalesced は進行中タスクへの合流を記録する。
func (c *Collector) RecordCoalesced() {
	c.coalesced.Inc()
}

// RecordTaskTerminal はタスクの終端状態を記録する。
func (c *Collector) RecordTaskTerminal(status string) {
	c.taskTerminal.WithLabelValues(status).Inc()
}

// RecordRetry はリトライを記録する。
func (c *Collector) RecordRetry(marketplace string) {
	c.retries.WithLabelValues(marketplace).Inc()
}

// RecordHTTPStatus はAPIのHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetQueueDepth はキュー深さを記録する。
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetThrottleInflight はマーケットプレイス別の進行中フェッチ数を記録する。
func (c *Collector) SetThrottleInflight(marketplace string, inflight int) {
	c.throttleInflight.WithLabelValues(marketplace).Set(float64(inflight))
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector。テスト用。
type NopCollector struct{}

func (NopCollector) RecordFetchSuccess(string)                 {}
func (NopCollector) RecordFetchFailure(string, string)         {}
func (NopCollector) RecordFetchLatency(string, time.Duration)  {}
func (NopCollector) RecordCaptchaDetected(string)              {}
func (NopCollector) RecordCommit(bool)                         {}
func (NopCollector) RecordCacheHit()                           {}
func (NopCollector) RecordCoalesced()                          {}
func (NopCollector) RecordTaskTerminal(string)                 {}
func (NopCollector) RecordRetry(string)                        {}
func (NopCollector) RecordHTTPStatus(int)                      {}
func (NopCollector) SetQueueDepth(int)                         {}
func (NopCollector) SetThrottleInflight(string, int)           {}

var _ MetricsCollector = NopCollector{}
