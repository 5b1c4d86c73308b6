// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 各パッケージは必要なメソッドだけを持つ小さなインターフェースで受け取る。
type MetricsCollector interface {
	RecordPostMutation(action string)
	RecordPostDeletionIncomplete()
	RecordArtifactCleanupFailure()
	RecordBroadcastDelivered()
	RecordBroadcastDropped()
	SetConnectedClients(n int)
	RecordAuthFailure(reason string)
	RecordHTTPStatus(statusCode int)
	RecordCleanupRun(staleEntries, orphanArtifacts int)
}

var _ MetricsCollector = (*Collector)(nil)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	postMutations      *prometheus.CounterVec
	deletionIncomplete prometheus.Counter
	cleanupFailures    prometheus.Counter
	broadcastDelivered prometheus.Counter
	broadcastDropped   prometheus.Counter
	connectedClients   prometheus.Gauge
	authFailures       *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
	staleEntriesPruned prometheus.Counter
	orphansRemoved     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		postMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_post_mutations_total",
			Help: "投稿の作成・更新・削除の合計数",
		}, []string{"action"}),
		deletionIncomplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_post_deletion_incomplete_total",
			Help: "オーナーセットからの除去に失敗した投稿削除の数",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_artifact_cleanup_failures_total",
			Help: "画像アーティファクトの解放に失敗した数",
		}),
		broadcastDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_broadcast_delivered_total",
			Help: "クライアントに配信された通知の数",
		}),
		broadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_broadcast_dropped_total",
			Help: "バッファ溢れで破棄された通知の数",
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livefeed_connected_clients",
			Help: "現在接続中の通知購読クライアント数",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_auth_failures_total",
			Help: "トークン検証失敗の数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		staleEntriesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_stale_owner_entries_pruned_total",
			Help: "メンテナンスで削除された孤立オーナーセットエントリの数",
		}),
		orphansRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_orphan_artifacts_removed_total",
			Help: "メンテナンスで削除された未参照画像の数",
		}),
	}

	reg.MustRegister(
		c.postMutations,
		c.deletionIncomplete,
		c.cleanupFailures,
		c.broadcastDelivered,
		c.broadcastDropped,
		c.connectedClients,
		c.authFailures,
		c.httpStatus,
		c.staleEntriesPruned,
		c.orphansRemoved,
	)

	return c
}

// RecordPostMutation は投稿の変更操作を記録する。actionはcreated/updated/deleted。
func (c *Collector) RecordPostMutation(action string) {
	c.postMutations.WithLabelValues(action).Inc()
}

// RecordPostDeletionIncomplete は削除の後処理が完了しなかったことを記録する。
func (c *Collector) RecordPostDeletionIncomplete() {
	c.deletionIncomplete.Inc()
}

// RecordArtifactCleanupFailure は画像解放の失敗を記録する。
func (c *Collector) RecordArtifactCleanupFailure() {
	c.cleanupFailures.Inc()
}

// RecordBroadcastDelivered は通知の配信を記録する。
func (c *Collector) RecordBroadcastDelivered() {
	c.broadcastDelivered.Inc()
}

// RecordBroadcastDropped は通知の破棄を記録する。
func (c *Collector) RecordBroadcastDropped() {
	c.broadcastDropped.Inc()
}

// SetConnectedClients は接続中クライアント数を設定する。
func (c *Collector) SetConnectedClients(n int) {
	c.connectedClients.Set(float64(n))
}

// RecordAuthFailure はトークン検証失敗を理由別に記録する。
func (c *Collector) RecordAuthFailure(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCleanupRun はメンテナンス1回分の削除件数を記録する。
func (c *Collector) RecordCleanupRun(staleEntries, orphanArtifacts int) {
	c.staleEntriesPruned.Add(float64(staleEntries))
	c.orphansRemoved.Add(float64(orphanArtifacts))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集中のエラーはログに記録し、取得できたメトリクスだけを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      slogErrorLogger{},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// slogErrorLogger はpromhttpのエラーをslogへ流す。
type slogErrorLogger struct{}

func (slogErrorLogger) Println(v ...interface{}) {
	slog.Error("metrics gathering failed", slog.String("error", fmt.Sprint(v...)))
}
