package gateway

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/cortexuvula/gonetunnel/internal/rules"
)

// PolicyMode selects how need_proxy resolves an Unknown rule judgment.
type PolicyMode int

const (
	PolicyAuto PolicyMode = iota
	PolicyProxy
	PolicyDirect
	PolicyBlack
	PolicyWhite
)

// ParsePolicyMode parses the `proxy_policy` config value, case-insensitive.
func ParsePolicyMode(s string) (PolicyMode, bool) {
	switch strings.ToUpper(s) {
	case "AUTO":
		return PolicyAuto, true
	case "PROXY":
		return PolicyProxy, true
	case "DIRECT":
		return PolicyDirect, true
	case "BLACK":
		return PolicyBlack, true
	case "WHITE":
		return PolicyWhite, true
	default:
		return PolicyAuto, false
	}
}

// autoDialRaceTimeout is the direct-dial race window in Auto mode before
// falling back to the tunnel, per spec §4.3.
const autoDialRaceTimeout = 2300 * time.Millisecond

// routeDecision is the resolved outcome of need_proxy: whether to go
// direct or via tunnel, and — in Auto mode only — whether a direct
// attempt should still be raced before committing to the tunnel.
type routeDecision struct {
	useTunnel  bool
	tryDirect  bool // Auto mode: race a direct dial before the tunnel
	raceWindow time.Duration
}

// needProxy implements spec §4.3's policy table. host is the originally
// requested name (used for the rule judge and for recording into the
// learned set); the literal-IP private-address fast path is checked
// first regardless of policy mode... except PolicyMode Proxy/Direct,
// which are hard overrides per the table.
func needProxy(policy PolicyMode, rs *rules.RuleSet, host string) routeDecision {
	if policy == PolicyProxy {
		return routeDecision{useTunnel: true}
	}
	if policy == PolicyDirect {
		return routeDecision{useTunnel: false}
	}

	if ip := net.ParseIP(host); ip != nil && isPrivateAddress(ip) {
		return routeDecision{useTunnel: false}
	}

	dec := rs.Judge(host)
	switch dec {
	case rules.Direct:
		return routeDecision{useTunnel: false}
	case rules.Proxy:
		return routeDecision{useTunnel: true}
	}

	// dec == Unknown.
	switch policy {
	case PolicyBlack:
		return routeDecision{useTunnel: false}
	case PolicyWhite:
		return routeDecision{useTunnel: true}
	default: // PolicyAuto
		return routeDecision{useTunnel: true, tryDirect: true, raceWindow: autoDialRaceTimeout}
	}
}

func isPrivateAddress(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// dialDirectRace attempts a direct TCP dial within routeDecision's race
// window. On success it returns the connection; on any failure or
// timeout it returns an error and the caller must fall back to the
// tunnel and record host into the learned set (spec §4.3 scenario 3).
func dialDirectRace(ctx context.Context, dialer *net.Dialer, host string, port int, window time.Duration) (net.Conn, error) {
	raceCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	return dialer.DialContext(raceCtx, "tcp", net.JoinHostPort(host, portString(port)))
}
