package gateway

import "errors"

// Error kinds the core distinguishes, per spec §7. Each carries a fixed
// policy for how the originating protocol handler must respond; none of
// these ever tear down the listener.
var (
	// ErrTimeout covers direct-dial and tunnel-dial timeouts.
	ErrTimeout = errors.New("gateway: dial timeout")
	// ErrNetwork covers TCP connect/read/write failures.
	ErrNetwork = errors.New("gateway: network error")
	// ErrTunnelDenied surfaces OPEN-ACK ALLOW:false.
	ErrTunnelDenied = errors.New("gateway: tunnel denied")
	// ErrUnsupportedCommand covers SOCKS non-CONNECT and HTTP
	// non-absolute non-CONNECT requests.
	ErrUnsupportedCommand = errors.New("gateway: unsupported command")
)
