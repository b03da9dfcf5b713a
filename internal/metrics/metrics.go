// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 署名検証の結果ラベル
const (
	OutcomeValid           = "valid"
	OutcomeInvalidKey      = "invalid_key"
	OutcomeInvalidSig      = "invalid_signature"
	OutcomeIntegrityFailed = "integrity_failed"
)

// Webhook配信の結果ラベル
const (
	DeliveryDelivered = "delivered"
	DeliveryRetry     = "retry"
	DeliveryFailed    = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層、ミドルウェアから利用する。
type MetricsCollector interface {
	RecordSignatureVerification(outcome string)
	RecordTokenIssued(tokenType string)
	RecordLoginFailure()
	RecordWebhookDelivery(result string)
	RecordWebhookLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signatureVerifications *prometheus.CounterVec
	tokensIssued           *prometheus.CounterVec
	loginFailures          prometheus.Counter
	webhookDeliveries      *prometheus.CounterVec
	webhookLatency         prometheus.Histogram
	httpStatus             *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signatureVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_signature_verifications_total",
			Help: "マーチャント署名検証の結果別件数",
		}, []string{"outcome"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_tokens_issued_total",
			Help: "発行したトークンの種別別件数",
		}, []string{"type"}),
		loginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paygate_login_failures_total",
			Help: "ログイン失敗の合計数",
		}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_webhook_deliveries_total",
			Help: "Webhook配信試行の結果別件数",
		}, []string{"result"}),
		webhookLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "paygate_webhook_latency_seconds",
			Help:    "Webhook配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.signatureVerifications,
		c.tokensIssued,
		c.loginFailures,
		c.webhookDeliveries,
		c.webhookLatency,
		c.httpStatus,
	)

	return c
}

// RecordSignatureVerification は署名検証の結果を記録する。
func (c *Collector) RecordSignatureVerification(outcome string) {
	c.signatureVerifications.WithLabelValues(outcome).Inc()
}

// RecordTokenIssued はトークン発行を記録する。
func (c *Collector) RecordTokenIssued(tokenType string) {
	c.tokensIssued.WithLabelValues(tokenType).Inc()
}

// RecordLoginFailure はログイン失敗を記録する。
func (c *Collector) RecordLoginFailure() {
	c.loginFailures.Inc()
}

// RecordWebhookDelivery はWebhook配信試行の結果を記録する。
func (c *Collector) RecordWebhookDelivery(result string) {
	c.webhookDeliveries.WithLabelValues(result).Inc()
}

// RecordWebhookLatency はWebhook配信のレイテンシを記録する。
func (c *Collector) RecordWebhookLatency(duration time.Duration) {
	c.webhookLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordSignatureVerification(string) {}
func (Nop) RecordTokenIssued(string) {}
func (Nop) RecordLoginFailure() {}
func (Nop) RecordWebhookDelivery(string) {}
func (Nop) RecordWebhookLatency(time.Duration) {}
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
