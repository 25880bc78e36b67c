// ============================================================================
// Edge Session Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露邊緣會話引擎的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - edge_discovery_total{mode,outcome}: 探索次數與結果
//      - edge_rpc_total{method,code}: DME RPC 呼叫次數（gRPC 攔截器）
//      - edge_probe_failures_total{test}: 探測失敗次數
//      - edge_reconnects_total: 事件串流重新連線次數
//      - edge_server_events_total{type}: 伺服器推送事件數
//      - edge_scheduled_runs_total{kind}: 週期任務執行次數
//
//   2. 分佈 (Histogram):
//      - edge_probe_latency_seconds{test}: 探測延遲
//
//   3. 瞬時值 (Gauge):
//      - edge_connection_state: 目前連線狀態（0=Closed ... 4=Closing）
//      - edge_bandwidth_estimate_bps: 頻寬估計平均值
//
// 所有 Record* 方法對 nil 接收者安全，未啟用監控時元件照常運作。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Collector Prometheus 指標收集器
type Collector struct {
	discoveries    *prometheus.CounterVec
	rpcs           *prometheus.CounterVec
	probeFailures  *prometheus.CounterVec
	reconnects     prometheus.Counter
	serverEvents   *prometheus.CounterVec
	scheduledRuns  *prometheus.CounterVec
	probeLatency   *prometheus.HistogramVec
	connState      prometheus.Gauge
	bandwidthGauge prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用 DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_discovery_total",
			Help: "Cloudlet discoveries by mode and outcome",
		}, []string{"mode", "outcome"}),
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_rpc_total",
			Help: "Unary DME RPCs by method and status code",
		}, []string{"method", "code"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_probe_failures_total",
			Help: "Failed latency probes by test type",
		}, []string{"test"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_reconnects_total",
			Help: "Edge event stream reconnect attempts",
		}),
		serverEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_server_events_total",
			Help: "Server edge events received by type",
		}, []string{"type"}),
		scheduledRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_scheduled_runs_total",
			Help: "Executions of scheduled monitoring tasks by kind",
		}, []string{"kind"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_probe_latency_seconds",
			Help:    "Successful probe round trip time in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"test"}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_connection_state",
			Help: "Current edge event connection state (0=closed,1=opening,2=open,3=reconnecting,4=closing)",
		}),
		bandwidthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_bandwidth_estimate_bps",
			Help: "Mean outbound bandwidth estimate in bits per second",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.discoveries,
		c.rpcs,
		c.probeFailures,
		c.reconnects,
		c.serverEvents,
		c.scheduledRuns,
		c.probeLatency,
		c.connState,
		c.bandwidthGauge,
	)

	return c
}

// RecordDiscovery 記錄一次探索結果
func (c *Collector) RecordDiscovery(mode, outcome string) {
	if c == nil {
		return
	}
	c.discoveries.WithLabelValues(mode, outcome).Inc()
}

// RecordProbe 記錄探測結果；err 非 nil 時計入失敗
func (c *Collector) RecordProbe(test string, d time.Duration, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.probeFailures.WithLabelValues(test).Inc()
		return
	}
	c.probeLatency.WithLabelValues(test).Observe(d.Seconds())
}

// RecordReconnect 記錄重新連線
func (c *Collector) RecordReconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// RecordServerEvent 記錄伺服器推送事件
func (c *Collector) RecordServerEvent(eventType string) {
	if c == nil {
		return
	}
	c.serverEvents.WithLabelValues(eventType).Inc()
}

// RecordScheduledRun 記錄週期任務執行
func (c *Collector) RecordScheduledRun(kind string) {
	if c == nil {
		return
	}
	c.scheduledRuns.WithLabelValues(kind).Inc()
}

// SetConnectionState 設置連線狀態
func (c *Collector) SetConnectionState(state int) {
	if c == nil {
		return
	}
	c.connState.Set(float64(state))
}

// SetBandwidth 設置頻寬估計
func (c *Collector) SetBandwidth(bps float64) {
	if c == nil {
		return
	}
	c.bandwidthGauge.Set(bps)
}

// UnaryClientInterceptor counts every unary RPC by method and status code.
func (c *Collector) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		if c != nil {
			c.rpcs.WithLabelValues(method, status.Code(err).String()).Inc()
		}
		return err
	}
}

// Serve 在 addr 上提供 /metrics，直到 ctx 結束
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
