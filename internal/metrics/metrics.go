// Package metrics exposes Prometheus metrics for the gateway, adapted from
// the teacher's package-level metrics var block (src/metrics.go). NATS
// metrics are replaced with per-upstream-source session metrics since this
// gateway polls cTrader/TradingView sessions directly rather than consuming
// a message bus.
package metrics

import (
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "Total number of WebSocket client connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Current number of active WebSocket client connections",
	})

	ConnectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_max",
		Help: "Maximum allowed WebSocket client connections",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_disconnects_total",
		Help: "Total client disconnections by reason",
	}, []string{"reason"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_slow_clients_disconnected_total",
		Help: "Total number of slow clients disconnected after repeated send failures",
	})

	DroppedBroadcasts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_dropped_broadcasts_total",
		Help: "Total number of worker pool tasks dropped when the pool queue was full",
	})

	// Upstream session metrics, one series per source (ctrader/tradingview).
	UpstreamSessionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_upstream_session_state",
		Help: "Upstream session state as the ordinal of that source's State enum (0=disconnected; closed is 6 for ctrader, 5 for tradingview)",
	}, []string{"source"})

	UpstreamTicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_ticks_total",
		Help: "Total ticks received from an upstream source",
	}, []string{"source"})

	UpstreamM1BarsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_m1_bars_total",
		Help: "Total M1 bars received from an upstream source",
	}, []string{"source"})

	UpstreamStale = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_upstream_stale",
		Help: "1 if the upstream session for this source is currently stale, else 0",
	}, []string{"source"})

	UpstreamReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_reconnects_total",
		Help: "Total reconnect attempts by upstream source",
	}, []string{"source"})

	CoalescedRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_coalesced_requests_total",
		Help: "Total symbol data package requests that joined an in-flight fetch instead of starting a new one",
	})

	MarketProfileMaxLevelsExceededTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_market_profile_max_levels_exceeded_total",
		Help: "Total MAX_LEVELS_EXCEEDED errors emitted by the market profile service",
	}, []string{"symbol"})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_goroutines_active",
		Help: "Current number of active goroutines",
	})

	CapacityRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_capacity_rejections_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal, ConnectionsActive, ConnectionsMax, DisconnectsTotal,
		MessagesSent, MessagesReceived,
		SlowClientsDisconnected, DroppedBroadcasts,
		UpstreamSessionState, UpstreamTicksTotal, UpstreamM1BarsTotal, UpstreamStale, UpstreamReconnectsTotal,
		CoalescedRequestsTotal, MarketProfileMaxLevelsExceededTotal,
		MemoryUsageBytes, CPUUsagePercent, GoroutinesActive,
		CapacityRejectionsTotal, ErrorsTotal,
	)
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Collector periodically samples runtime stats (memory, goroutines) into
// the corresponding gauges, mirroring the teacher's MetricsCollector.
type Collector struct {
	currentConns *int64
	droppedFn    func() int64
	stop         chan struct{}
}

// NewCollector builds a Collector. currentConns is the gateway's live
// connection counter; droppedFn reports the worker pool's dropped-task
// count.
func NewCollector(currentConns *int64, droppedFn func() int64) *Collector {
	return &Collector{currentConns: currentConns, droppedFn: droppedFn, stop: make(chan struct{})}
}

// Start begins periodic collection until Stop is called.
func (c *Collector) Start(interval time.Duration, maxConnections int) {
	ConnectionsMax.Set(float64(maxConnections))
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stop)
}

func (c *Collector) collect() {
	ConnectionsActive.Set(float64(atomic.LoadInt64(c.currentConns)))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	MemoryUsageBytes.Set(float64(mem.Alloc))

	GoroutinesActive.Set(float64(runtime.NumGoroutine()))

	if c.droppedFn != nil {
		DroppedBroadcasts.Set(float64(c.droppedFn()))
	}
}
