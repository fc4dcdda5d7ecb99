package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cortexuvula/gonetunnel/internal/pool"
	"github.com/cortexuvula/gonetunnel/internal/rules"
	"github.com/cortexuvula/gonetunnel/internal/tunnel"
)

// Gateway ties together the rule engine, the tunnel pool, and a direct
// dialer to resolve one target endpoint into a byte pipe — the single
// decision point every protocol greeter (SOCKS4/4A/5, HTTP) calls into
// after it has parsed a destination off the wire.
type Gateway struct {
	Pool     *pool.Pool
	Rules    *rules.RuleSet
	Resolver Resolver
	Policy   PolicyMode

	DialTimeout   time.Duration // direct dial timeout outside the Auto race window
	TunnelTimeout time.Duration // bound on acquiring a pooled tunnel + OPEN round trip

	dialer net.Dialer
}

const (
	defaultDialTimeout   = 10 * time.Second
	defaultTunnelTimeout = 10 * time.Second
)

// NewGateway builds a Gateway with spec-default timeouts; callers may
// override DialTimeout/TunnelTimeout afterwards.
func NewGateway(p *pool.Pool, rs *rules.RuleSet, resolver Resolver, policy PolicyMode) *Gateway {
	return &Gateway{
		Pool:          p,
		Rules:         rs,
		Resolver:      resolver,
		Policy:        policy,
		DialTimeout:   defaultDialTimeout,
		TunnelTimeout: defaultTunnelTimeout,
	}
}

// Connect resolves (host, port) to a byte pipe per spec §4.3's
// need_proxy decision table, including the Auto-mode direct/tunnel
// race and learned-set recording on a successful auto fallback.
func (g *Gateway) Connect(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
	decision := needProxy(g.Policy, g.Rules, host)

	if !decision.useTunnel {
		return g.dialDirect(ctx, host, port, g.DialTimeout)
	}

	if decision.tryDirect {
		// When the host fails to resolve at all (both A and AAAA),
		// §9's open question is resolved as "treat as needs proxy" —
		// skip the 2.3 s direct race entirely rather than waiting out
		// a dial that can never succeed.
		if g.Resolver != nil && net.ParseIP(host) == nil && !g.Resolver.Resolve(ctx, host) {
			slog.Debug("host does not resolve, skipping direct race", "host", host)
			tc, terr := g.dialTunnel(ctx, host, port)
			if terr == nil {
				g.Rules.Learned().Insert(host)
			}
			return tc, terr
		}

		conn, err := dialDirectRace(ctx, &g.dialer, host, port, decision.raceWindow)
		if err == nil {
			return conn, nil
		}
		slog.Debug("auto-mode direct dial failed, falling back to tunnel", "host", host, "reason", err)
		tc, terr := g.dialTunnel(ctx, host, port)
		if terr == nil {
			g.Rules.Learned().Insert(host)
		}
		return tc, terr
	}

	return g.dialTunnel(ctx, host, port)
}

func (g *Gateway) dialDirect(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := g.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, portString(port)))
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, ErrNetwork
	}
	return conn, nil
}

func (g *Gateway) dialTunnel(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
	if g.Pool == nil {
		// No tunnel servers configured: only direct dials are possible.
		return nil, ErrNetwork
	}
	tunnelCtx, cancel := context.WithTimeout(ctx, g.TunnelTimeout)
	defer cancel()

	wsConn, err := g.Pool.Acquire(tunnelCtx)
	if err != nil {
		if tunnelCtx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, ErrNetwork
	}

	t := tunnel.New(wsConn)
	if err := t.OpenClient(tunnelCtx, host, port); err != nil {
		if errors.Is(err, tunnel.ErrDenied) {
			// Tunnel is Idle and reusable per the CLOSE handshake
			// OpenClient already drove.
			g.Pool.Release(wsConn)
			return nil, ErrTunnelDenied
		}
		g.Pool.Discard(wsConn)
		if tunnelCtx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, ErrNetwork
	}

	release := func(t *tunnel.Tunnel) {
		if t.Reusable() {
			g.Pool.Release(wsConn)
		} else {
			g.Pool.Discard(wsConn)
		}
	}
	return newTunnelConn(t, release), nil
}
