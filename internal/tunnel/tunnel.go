package tunnel

import (
	"context"
	"io"
	"sync"

	"github.com/coder/websocket"
)

// Endpoint is a destination (host, port) pair as carried in an OPEN
// frame. Host may be an IPv4/IPv6 literal or a DNS name.
type Endpoint struct {
	Host string
	Port int
}

// Tunnel is a single logical byte pipe bound to one WebSocket at a
// time. A WebSocket carries exactly one Tunnel at a time, then — once
// both sides have exchanged CLOSE — is reusable for the next one.
type Tunnel struct {
	conn *websocket.Conn

	mu        sync.Mutex
	state     State
	endpoint  Endpoint
	abandoned bool // set on protocol violation or WS drop; never pool-returnable
}

// New wraps an established WebSocket connection as an Idle tunnel.
func New(conn *websocket.Conn) *Tunnel {
	return &Tunnel{conn: conn, state: Idle}
}

// State returns the tunnel's current state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Endpoint returns the destination bound to this tunnel's current (or
// most recent) OPEN.
func (t *Tunnel) Endpoint() Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

// Reusable reports whether the underlying WebSocket may be handed back
// to a pool: the tunnel must have reached Closed cleanly, or be Idle
// (never opened, or back to Idle after a denied OPEN's CLOSE exchange),
// with no protocol violation or abrupt drop observed along the way.
func (t *Tunnel) Reusable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return (t.state == Closed || t.state == Idle) && !t.abandoned
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Tunnel) abandon() {
	t.mu.Lock()
	t.abandoned = true
	t.state = Closed
	t.mu.Unlock()
}

// OpenClient performs the client side of an OPEN: send OPEN, await
// OPEN-ACK. On ALLOW:false it drives the CLOSE handshake itself and
// returns ErrDenied, leaving the tunnel Idle (and the WebSocket
// reusable) per the protocol invariant in §4.1(c).
func (t *Tunnel) OpenClient(ctx context.Context, host string, port int) error {
	t.mu.Lock()
	t.state = Connecting
	t.endpoint = Endpoint{Host: host, Port: port}
	t.mu.Unlock()

	payload, err := EncodeOpen(host, port)
	if err != nil {
		return err
	}
	if err := t.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.abandon()
		return err
	}

	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		t.abandon()
		return err
	}
	if typ != websocket.MessageText {
		t.abandon()
		return ErrProtocolViolation
	}
	ack, err := DecodeOpenAck(data)
	if err != nil {
		t.abandon()
		return ErrProtocolViolation
	}

	if !ack.Allow {
		if err := t.closeHandshake(ctx); err != nil {
			t.abandon()
			return err
		}
		t.setState(Idle)
		return ErrDenied
	}

	t.setState(Open)
	return nil
}

// AcceptServer performs the server side of an OPEN: read the client's
// OPEN control frame. A malformed or non-text frame is a protocol
// violation; the caller must abandon the WebSocket.
func (t *Tunnel) AcceptServer(ctx context.Context) (Endpoint, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		t.abandon()
		return Endpoint{}, err
	}
	if typ != websocket.MessageText {
		t.abandon()
		return Endpoint{}, ErrProtocolViolation
	}
	f, err := DecodeOpen(data)
	if err != nil || f.Host == "" {
		t.abandon()
		return Endpoint{}, ErrProtocolViolation
	}

	t.mu.Lock()
	t.state = Connecting
	t.endpoint = Endpoint{Host: f.Host, Port: f.Port}
	t.mu.Unlock()
	return t.endpoint, nil
}

// Allow sends OPEN-ACK{ALLOW:true} and transitions to Open.
func (t *Tunnel) Allow(ctx context.Context) error {
	payload, err := EncodeOpenAck(true)
	if err != nil {
		return err
	}
	if err := t.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.abandon()
		return err
	}
	t.setState(Open)
	return nil
}

// Deny sends OPEN-ACK{ALLOW:false}, drives the CLOSE handshake, and
// returns the tunnel to Idle so the WebSocket may carry another OPEN.
func (t *Tunnel) Deny(ctx context.Context) error {
	payload, err := EncodeOpenAck(false)
	if err != nil {
		return err
	}
	if err := t.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.abandon()
		return err
	}
	if err := t.closeHandshake(ctx); err != nil {
		t.abandon()
		return err
	}
	t.setState(Idle)
	return nil
}

// SendData writes one DATA frame. Valid from Open or HalfClosedRemote
// (we may still send after the peer has announced no more DATA).
func (t *Tunnel) SendData(ctx context.Context, p []byte) error {
	switch t.State() {
	case Open, HalfClosedRemote:
	default:
		return ErrWrongState
	}
	if err := t.conn.Write(ctx, websocket.MessageBinary, p); err != nil {
		t.abandon()
		return err
	}
	return nil
}

// RecvData reads the next frame. A binary frame is DATA and is
// returned as-is. A text frame in Open/HalfClosedLocal must be CLOSE;
// anything else is a protocol violation. On CLOSE, the tunnel
// transitions towards Closed and ErrRemoteClosed is returned so the
// caller's bridge loop knows to stop reading this direction.
func (t *Tunnel) RecvData(ctx context.Context) ([]byte, error) {
	switch t.State() {
	case Open, HalfClosedLocal:
	default:
		return nil, ErrClosed
	}

	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		t.abandon()
		return nil, err
	}
	if typ == websocket.MessageBinary {
		return data, nil
	}
	if typ != websocket.MessageText || !IsClose(data) {
		t.abandon()
		return nil, ErrProtocolViolation
	}

	t.mu.Lock()
	if t.state == HalfClosedLocal {
		t.state = Closed
	} else {
		t.state = HalfClosedRemote
	}
	t.mu.Unlock()
	return nil, ErrRemoteClosed
}

// CloseLocal announces "no further DATA from us" by sending CLOSE and
// advancing the local half of the state machine. It does not wait for
// the peer's CLOSE — callers that need the full handshake (e.g. before
// returning a WebSocket to a pool) should keep calling RecvData until
// ErrRemoteClosed, or use closeHandshake via Deny/OpenClient's denied
// path.
func (t *Tunnel) CloseLocal(ctx context.Context) error {
	payload, err := EncodeClose()
	if err != nil {
		return err
	}
	if err := t.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.abandon()
		return err
	}
	t.mu.Lock()
	if t.state == HalfClosedRemote {
		t.state = Closed
	} else {
		t.state = HalfClosedLocal
	}
	t.mu.Unlock()
	return nil
}

// closeHandshake sends CLOSE and drains incoming frames until the
// peer's CLOSE is observed (or an error occurs). Used for the
// denied-OPEN path, where neither side has exchanged any DATA.
func (t *Tunnel) closeHandshake(ctx context.Context) error {
	if err := t.CloseLocal(ctx); err != nil {
		return err
	}
	for {
		_, err := t.RecvData(ctx)
		if err == ErrRemoteClosed {
			return nil
		}
		if err != nil {
			return err
		}
		// Stray DATA frame while awaiting CLOSE after a deny is itself
		// a protocol violation — no DATA is legal before ALLOW:true.
		t.abandon()
		return ErrProtocolViolation
	}
}

// Abandon forcibly marks the tunnel non-reusable, e.g. after an I/O
// error unrelated to a clean CLOSE exchange ("any state -> WS drop ->
// Closed").
func (t *Tunnel) Abandon() {
	t.abandon()
}

// Interrupt forcibly terminates the underlying WebSocket so a Read or
// Write blocked in RecvData/SendData/CloseLocal from another goroutine
// returns promptly, without Interrupt itself performing a Read. The
// tunnel is marked abandoned: the connection can no longer complete a
// clean CLOSE handshake and is never pool-returnable. Unlike two
// concurrent Reads on the same WebSocket, closing it out from under a
// blocked Read/Write is a supported cancellation pattern, so this is
// safe to call while another goroutine is mid-RecvData.
func (t *Tunnel) Interrupt() {
	t.abandon()
	t.conn.CloseNow()
}

// Drain runs RecvData in a loop, forwarding DATA to w, until the
// remote CLOSE is observed, the context is cancelled, or an error
// occurs. It is the "receive side" half of a bridge loop built on a
// Tunnel; see internal/gateway and internal/tunnelserver for the
// counterpart that also writes CLOSE when the other direction ends.
func (t *Tunnel) Drain(ctx context.Context, w io.Writer) error {
	for {
		data, err := t.RecvData(ctx)
		if err == ErrRemoteClosed {
			return nil
		}
		if err != nil {
			return err
		}
		if _, werr := w.Write(data); werr != nil {
			t.abandon()
			return werr
		}
	}
}
