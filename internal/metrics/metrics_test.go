package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	// Reset default registry for test isolation
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := New()

	if m.TunnelsOpenedTotal == nil {
		t.Error("TunnelsOpenedTotal is nil")
	}
	if m.TunnelsDeniedTotal == nil {
		t.Error("TunnelsDeniedTotal is nil")
	}
	if m.ActiveTunnels == nil {
		t.Error("ActiveTunnels is nil")
	}
	if m.BridgeBytesTotal == nil {
		t.Error("BridgeBytesTotal is nil")
	}
	if m.ErrorsTotal == nil {
		t.Error("ErrorsTotal is nil")
	}
	if m.ServerReachable == nil {
		t.Error("ServerReachable is nil")
	}

	// Verify metrics can be used without panic
	m.TunnelsOpenedTotal.Inc()
	m.TunnelsDeniedTotal.Inc()
	m.TunnelsClosedTotal.WithLabelValues("clean").Inc()
	m.ActiveTunnels.Set(5)
	m.BridgeBytesTotal.WithLabelValues("upstream").Add(1024)
	m.BridgeBytesTotal.WithLabelValues("downstream").Add(2048)
	m.ErrorsTotal.WithLabelValues("dial_failure").Inc()
	m.RuleJudgeTotal.WithLabelValues("direct").Inc()
	m.PoolIdleConnections.Set(3)
	m.PoolCreatesTotal.Inc()
	m.PoolEvictionsTotal.Inc()
	m.ServerReachable.Set(1)

	// Verify metrics are gathered
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"gonetunnel_tunnels_opened_total",
		"gonetunnel_tunnels_denied_total",
		"gonetunnel_tunnels_closed_total",
		"gonetunnel_active_tunnels",
		"gonetunnel_bridge_bytes_total",
		"gonetunnel_errors_total",
		"gonetunnel_rule_judge_total",
		"gonetunnel_pool_idle_connections",
		"gonetunnel_pool_creates_total",
		"gonetunnel_pool_evictions_total",
		"gonetunnel_server_reachable",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("missing metric: %s", name)
		}
	}
}
