package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for gonetunnel, covering both
// the client gateway and the tunnel server processes.
type Metrics struct {
	TunnelsOpenedTotal  prometheus.Counter
	TunnelsDeniedTotal  prometheus.Counter
	TunnelsClosedTotal  *prometheus.CounterVec // label: reason (clean, protocol_violation, abandoned)
	ActiveTunnels       prometheus.Gauge
	BridgeBytesTotal    *prometheus.CounterVec // label: direction (upstream, downstream)
	ErrorsTotal         *prometheus.CounterVec // label: type
	RuleJudgeTotal      *prometheus.CounterVec // label: verdict (direct, proxy, unknown)
	PoolIdleConnections prometheus.Gauge
	PoolCreatesTotal    prometheus.Counter
	PoolEvictionsTotal  prometheus.Counter
	ServerReachable     prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		TunnelsOpenedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gonetunnel_tunnels_opened_total",
			Help: "Total tunnels successfully opened (OPEN-ACK allow:true)",
		}),
		TunnelsDeniedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gonetunnel_tunnels_denied_total",
			Help: "Total tunnels denied (OPEN-ACK allow:false)",
		}),
		TunnelsClosedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gonetunnel_tunnels_closed_total",
			Help: "Total tunnels closed, labeled by reason",
		}, []string{"reason"}),
		ActiveTunnels: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gonetunnel_active_tunnels",
			Help: "Current open tunnels",
		}),
		BridgeBytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gonetunnel_bridge_bytes_total",
			Help: "Total bytes copied through the bridge, labeled by direction",
		}, []string{"direction"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gonetunnel_errors_total",
			Help: "Total errors, labeled by kind",
		}, []string{"type"}),
		RuleJudgeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gonetunnel_rule_judge_total",
			Help: "Total rule-engine judgments, labeled by verdict",
		}, []string{"verdict"}),
		PoolIdleConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gonetunnel_pool_idle_connections",
			Help: "Current idle WebSocket connections held by the pool",
		}),
		PoolCreatesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gonetunnel_pool_creates_total",
			Help: "Total new pool connections dialed",
		}),
		PoolEvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gonetunnel_pool_evictions_total",
			Help: "Total pool connections discarded as dead or unreusable",
		}),
		ServerReachable: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gonetunnel_server_reachable",
			Help: "Tunnel server reachability as observed by the pool (1=up, 0=down)",
		}),
	}
}
