// Registers the proxy's Prometheus collectors:
//
//	#tickproxy_ticks_published_total{broker}
//	#tickproxy_ticks_dropped_total{stage}
//	#tickproxy_frames_sent_total / _throttled_total
//	#tickproxy_sessions, tickproxy_upstream_topics{broker}, tickproxy_upstream_connections{broker}
//	#tickproxy_upstream_reconnects_total{broker}
//	#go_* and process_* system metrics
//
// Handler() exposes them for the dashboard's /metrics route.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DropStage names where along the path a tick was dropped.
type DropStage string

const (
	DropStageBus          DropStage = "bus"
	DropStageBusClient    DropStage = "bus_client"
	DropStageSessionQueue DropStage = "session_queue"
	DropStageAdapterQueue DropStage = "adapter_queue"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	ticksPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickproxy_ticks_published_total",
			Help: "Ticks published on the bus",
		},
		[]string{"broker"},
	)
	ticksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickproxy_ticks_dropped_total",
			Help: "Ticks or frames dropped because a buffer was full",
		},
		[]string{"stage"},
	)
	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickproxy_frames_sent_total",
		Help: "market_data frames handed to client sessions",
	})
	framesThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickproxy_frames_throttled_total",
		Help: "Ticks suppressed by the per-topic throttle",
	})
	sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tickproxy_sessions",
		Help: "Authenticated client sessions",
	})
	upstreamTopics = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickproxy_upstream_topics",
			Help: "Upstream topic subscriptions held by the pool",
		},
		[]string{"broker"},
	)
	upstreamConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickproxy_upstream_connections",
			Help: "Open upstream connections per broker",
		},
		[]string{"broker"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickproxy_upstream_reconnects_total",
			Help: "Upstream reconnect attempts",
		},
		[]string{"broker"},
	)
)

// Init registers all collectors once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			ticksPublished,
			ticksDropped,
			framesSent,
			framesThrottled,
			sessions,
			upstreamTopics,
			upstreamConns,
			reconnects,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ObserveTickPublished(broker string) {
	ticksPublished.WithLabelValues(broker).Inc()
}

func ObserveDrop(stage DropStage) {
	ticksDropped.WithLabelValues(string(stage)).Inc()
}

func ObserveFrameSent() {
	framesSent.Inc()
}

func ObserveThrottled() {
	framesThrottled.Inc()
}

func SetSessions(n int) {
	sessions.Set(float64(n))
}

func SetUpstream(broker string, conns, topics int) {
	upstreamConns.WithLabelValues(broker).Set(float64(conns))
	upstreamTopics.WithLabelValues(broker).Set(float64(topics))
}

func ObserveReconnect(broker string) {
	reconnects.WithLabelValues(broker).Inc()
}
