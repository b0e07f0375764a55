// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ライブクエリの種別ラベル。
const (
	KindMessages      = "messages"
	KindConversations = "conversations"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ゲートウェイ、ビューセッション、HTTP層から利用する。
type MetricsCollector interface {
	ListenerOpened(kind string)
	ListenerClosed(kind string)
	RecordSnapshot(kind string, loadDuration time.Duration)
	RecordSnapshotSuppressed(kind string)
	RecordMessageSent(side string)
	RecordRemoteFailure(operation string)
	ViewSessionOpened(mode string)
	ViewSessionClosed(mode string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	listeners          *prometheus.GaugeVec
	snapshots          *prometheus.CounterVec
	snapshotSuppressed *prometheus.CounterVec
	snapshotLatency    *prometheus.HistogramVec
	messagesSent       *prometheus.CounterVec
	remoteFailures     *prometheus.CounterVec
	viewSessions       *prometheus.GaugeVec
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portaldesk_live_listeners",
			Help: "稼働中のライブクエリリスナー数",
		}, []string{"kind"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portaldesk_snapshots_delivered_total",
			Help: "リスナーへ配信したスナップショットの合計数",
		}, []string{"kind"}),
		snapshotSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portaldesk_snapshots_suppressed_total",
			Help: "直前と同一のため配信を省略したスナップショットの合計数",
		}, []string{"kind"}),
		snapshotLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portaldesk_snapshot_load_seconds",
			Help:    "スナップショット取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portaldesk_messages_sent_total",
			Help: "送信されたメッセージの合計数",
		}, []string{"side"}),
		remoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portaldesk_remote_failures_total",
			Help: "ストア操作の失敗数",
		}, []string{"operation"}),
		viewSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portaldesk_view_sessions",
			Help: "接続中のビューセッション数",
		}, []string{"mode"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portaldesk_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.listeners,
		c.snapshots,
		c.snapshotSuppressed,
		c.snapshotLatency,
		c.messagesSent,
		c.remoteFailures,
		c.viewSessions,
		c.httpStatus,
	)

	return c
}

// ListenerOpened はリスナーの開始を記録する。
func (c *Collector) ListenerOpened(kind string) {
	c.listeners.WithLabelValues(kind).Inc()
}

// ListenerClosed はリスナーの停止を記録する。
func (c *Collector) ListenerClosed(kind string) {
	c.listeners.WithLabelValues(kind).Dec()
}

// RecordSnapshot はスナップショットの配信と取得時間を記録する。
func (c *Collector) RecordSnapshot(kind string, loadDuration time.Duration) {
	c.snapshots.WithLabelValues(kind).Inc()
	c.snapshotLatency.WithLabelValues(kind).Observe(loadDuration.Seconds())
}

// RecordSnapshotSuppressed は重複スナップショットの省略を記録する。
func (c *Collector) RecordSnapshotSuppressed(kind string) {
	c.snapshotSuppressed.WithLabelValues(kind).Inc()
}

// RecordMessageSent はメッセージ送信を記録する。
func (c *Collector) RecordMessageSent(side string) {
	c.messagesSent.WithLabelValues(side).Inc()
}

// RecordRemoteFailure はストア操作の失敗を記録する。
func (c *Collector) RecordRemoteFailure(operation string) {
	c.remoteFailures.WithLabelValues(operation).Inc()
}

// ViewSessionOpened はビューセッションの接続を記録する。
func (c *Collector) ViewSessionOpened(mode string) {
	c.viewSessions.WithLabelValues(mode).Inc()
}

// ViewSessionClosed はビューセッションの切断を記録する。
func (c *Collector) ViewSessionClosed(mode string) {
	c.viewSessions.WithLabelValues(mode).Dec()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) ListenerOpened(string) {}
func (Nop) ListenerClosed(string) {}
func (Nop) RecordSnapshot(string, time.Duration) {}
func (Nop) RecordSnapshotSuppressed(string) {}
func (Nop) RecordMessageSent(string) {}
func (Nop) RecordRemoteFailure(string) {}
func (Nop) ViewSessionOpened(string) {}
func (Nop) ViewSessionClosed(string) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
