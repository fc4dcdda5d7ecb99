package gateway

// Dispatcher is the tagged dispatch enum driving protocol selection by
// first byte — spec's "dynamic dispatch of protocol handler by first
// byte becomes a tagged dispatch on an enum" design note (§9), avoiding
// any form of runtime attribute lookup.
type Dispatcher int

const (
	DispatchUnknown Dispatcher = iota
	DispatchSocks4
	DispatchSocks5
	DispatchHTTP
)

func (d Dispatcher) String() string {
	switch d {
	case DispatchSocks4:
		return "socks4"
	case DispatchSocks5:
		return "socks5"
	case DispatchHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// classify peeks at the connection's first byte to decide which
// protocol greeter should run, per §4.3's dispatch table.
func classify(pr *peekReader) (Dispatcher, error) {
	b, err := pr.Peek(1)
	if err != nil {
		return DispatchUnknown, err
	}
	switch {
	case b[0] == 0x04:
		return DispatchSocks4, nil
	case b[0] == 0x05:
		return DispatchSocks5, nil
	case b[0] >= 'A' && b[0] <= 'Z':
		return DispatchHTTP, nil
	default:
		return DispatchUnknown, nil
	}
}
