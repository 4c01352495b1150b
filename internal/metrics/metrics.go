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
// オーケストレーターやハンドラーから利用する。
type MetricsCollector interface {
	RecordSyncRun(outcome string)
	RecordSyncFailure(kind string)
	RecordRefreshDuration(duration time.Duration)
	RecordRecordsUpserted(table string, count int)
	RecordCodeReceived(provider string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncRuns        *prometheus.CounterVec
	syncFailures    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	recordsUpserted *prometheus.CounterVec
	codesReceived   *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banksync_sync_runs_total",
			Help: "同期実行の合計数（終了状態別）",
		}, []string{"outcome"}),
		syncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banksync_sync_failures_total",
			Help: "同期失敗の合計数（エラー種別別）",
		}, []string{"kind"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "banksync_refresh_duration_seconds",
			Help:    "フィード更新の所要時間（秒）",
			Buckets: []float64{15, 30, 60, 120, 300, 600},
		}),
		recordsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banksync_records_upserted_total",
			Help: "リモートテーブルストアへ書き込んだレコードの合計数（テーブル別）",
		}, []string{"table"}),
		codesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banksync_codes_received_total",
			Help: "受信した検証コードの合計数（経路別）",
		}, []string{"provider"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banksync_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.syncRuns,
		c.syncFailures,
		c.refreshDuration,
		c.recordsUpserted,
		c.codesReceived,
		c.httpStatus,
	)

	return c
}

// RecordSyncRun は同期実行を終了状態別に記録する。
func (c *Collector) RecordSyncRun(outcome string) {
	c.syncRuns.WithLabelValues(outcome).Inc()
}

// RecordSyncFailure は同期失敗をエラー種別別に記録する。
func (c *Collector) RecordSyncFailure(kind string) {
	c.syncFailures.WithLabelValues(kind).Inc()
}

// RecordRefreshDuration はフィード更新の所要時間を記録する。
func (c *Collector) RecordRefreshDuration(duration time.Duration) {
	c.refreshDuration.Observe(duration.Seconds())
}

// RecordRecordsUpserted は書き込んだレコード数をテーブル別に記録する。
func (c *Collector) RecordRecordsUpserted(table string, count int) {
	c.recordsUpserted.WithLabelValues(table).Add(float64(count))
}

// RecordCodeReceived は受信した検証コードを経路別に記録する。
func (c *Collector) RecordCodeReceived(provider string) {
	c.codesReceived.WithLabelValues(provider).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetupMetricsRoute はメトリクス公開用のHTTPハンドラーを返す。
func SetupMetricsRoute(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector実装。テスト用。
type NopCollector struct{}

func (NopCollector) RecordSyncRun(string)                {}
func (NopCollector) RecordSyncFailure(string)            {}
func (NopCollector) RecordRefreshDuration(time.Duration) {}
func (NopCollector) RecordRecordsUpserted(string, int)   {}
func (NopCollector) RecordCodeReceived(string)           {}
func (NopCollector) RecordHTTPStatus(int)                {}
