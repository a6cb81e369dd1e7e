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
// 検証フローの各コンポーネントとHTTP層から利用する。
type MetricsCollector interface {
	ObserveAction(outcome string)
	ObserveCheck(source, outcome string)
	ObserveRedirect(kind string)
	ObserveSignalHint()
	ObserveGuardExpired()
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordCleanup(target string, deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
// verification.Observerを満たす。
type Collector struct {
	actions        *prometheus.CounterVec
	checks         *prometheus.CounterVec
	redirects      *prometheus.CounterVec
	signalHints    prometheus.Counter
	guardExpired   prometheus.Counter
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
	cleanupDeleted *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifybridge_action_links_total",
			Help: "検証リンク処理の結果別件数",
		}, []string{"outcome"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifybridge_verification_checks_total",
			Help: "検証状態確認の契機と結果別件数",
		}, []string{"source", "outcome"}),
		redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifybridge_redirects_total",
			Help: "検証完了後の遷移種別ごとの件数",
		}, []string{"kind"}),
		signalHints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verifybridge_signal_hints_total",
			Help: "共有ストアの完了フラグを観測した回数",
		}),
		guardExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verifybridge_guard_expired_total",
			Help: "セッション切れガードが入口へ戻した回数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifybridge_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "verifybridge_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifybridge_cleanup_deleted_total",
			Help: "クリーンアップで削除した行数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.actions,
		c.checks,
		c.redirects,
		c.signalHints,
		c.guardExpired,
		c.httpStatus,
		c.requestLatency,
		c.cleanupDeleted,
	)

	return c
}

// ObserveAction は検証リンク処理の結果を記録する。
func (c *Collector) ObserveAction(outcome string) {
	c.actions.WithLabelValues(outcome).Inc()
}

// ObserveCheck は検証状態確認の結果を記録する。
func (c *Collector) ObserveCheck(source, outcome string) {
	c.checks.WithLabelValues(source, outcome).Inc()
}

// ObserveRedirect は検証完了後の遷移を記録する。
func (c *Collector) ObserveRedirect(kind string) {
	c.redirects.WithLabelValues(kind).Inc()
}

// ObserveSignalHint は共有ストアの完了フラグの観測を記録する。
func (c *Collector) ObserveSignalHint() {
	c.signalHints.Inc()
}

// ObserveGuardExpired はセッション切れによる入口への遷移を記録する。
func (c *Collector) ObserveGuardExpired() {
	c.guardExpired.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordCleanup はクリーンアップで削除した行数を記録する。
func (c *Collector) RecordCleanup(target string, deleted int64) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(deleted))
}

// statusWriter はミドルウェアでステータスコードを取得するためのラッパー。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware はレスポンスのステータスコードと処理時間を記録するミドルウェアを返す。
func (c *Collector) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			if sw.status == 0 {
				sw.status = http.StatusOK
			}
			c.RecordHTTPStatus(sw.status)
			c.RecordRequestLatency(time.Since(start))
		})
	}
}

// Handler はPrometheusスクレイプ用のハンドラー。
// 一部のコレクターが失敗しても残りは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

// SetupMetricsRoute はAPIルーターを持たないワーカー用に
// /metrics と生存確認の /healthz だけを持つハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
