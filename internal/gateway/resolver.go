package gateway

import (
	"context"
	"net"
	"sync/atomic"
)

// Resolver abstracts DNS resolution so the gateway's "both A and AAAA
// failed means treat as needs proxy" policy can be tested without a
// real network, and so the `nameservers` config key can plug in a
// non-default resolver.
type Resolver interface {
	// Resolve returns true if host resolves to at least one address
	// (A or AAAA), false if both lookups fail.
	Resolve(ctx context.Context, host string) bool
}

// netResolver is the default Resolver, backed by net.Resolver. When
// nameservers is non-empty, lookups are pinned to those servers via a
// custom Dial func; otherwise the system resolver is used.
type netResolver struct {
	resolver *net.Resolver
}

// NewResolver builds the default Resolver. nameservers, if non-empty,
// pins DNS queries to those IP:port (or bare IP, default port 53)
// addresses instead of the system-configured resolver.
func NewResolver(nameservers []string) Resolver {
	if len(nameservers) == 0 {
		return &netResolver{resolver: net.DefaultResolver}
	}
	servers := make([]string, len(nameservers))
	for i, ns := range nameservers {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			servers[i] = net.JoinHostPort(ns, "53")
		} else {
			servers[i] = ns
		}
	}
	// net.Resolver may invoke Dial from concurrent goroutines for
	// concurrent LookupIPAddr calls, so the round-robin index is
	// advanced atomically rather than as a plain captured int.
	var idx atomic.Uint64
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			n := idx.Add(1) - 1
			addr := servers[n%uint64(len(servers))]
			d := net.Dialer{}
			return d.DialContext(ctx, network, addr)
		},
	}
	return &netResolver{resolver: r}
}

func (r *netResolver) Resolve(ctx context.Context, host string) bool {
	_, err := r.resolver.LookupIPAddr(ctx, host)
	return err == nil
}
