package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cortexuvula/gonetunnel/internal/tunnel"
)

// closeDrainTimeout bounds how long tunnelConn.Close waits for the
// peer's CLOSE during teardown, so a misbehaving server can never wedge
// a bridge goroutine forever.
const closeDrainTimeout = 5 * time.Second

// tunnelConn adapts a tunnel.Tunnel — whose Send/Recv take an explicit
// context per call — to io.ReadWriteCloser, so it can be handed
// directly to Bridge alongside a plain net.Conn. Close performs the
// CLOSE handshake and hands the underlying WebSocket back to the pool
// (or discards it) depending on whether the tunnel ended up reusable.
type tunnelConn struct {
	t       *tunnel.Tunnel
	release func(t *tunnel.Tunnel)

	closeOnce sync.Once

	pending []byte // leftover bytes from a DATA frame larger than the caller's buffer
}

func newTunnelConn(t *tunnel.Tunnel, release func(*tunnel.Tunnel)) *tunnelConn {
	return &tunnelConn{t: t, release: release}
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	data, err := c.t.RecvData(context.Background())
	if err != nil {
		if errors.Is(err, tunnel.ErrRemoteClosed) {
			return 0, io.EOF
		}
		return 0, err
	}
	n := copy(p, data)
	if n < len(data) {
		c.pending = data[n:]
	}
	return n, nil
}

func (c *tunnelConn) Write(p []byte) (int, error) {
	if err := c.t.SendData(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CancelRead implements bridge.Canceler: it interrupts a pending
// RecvData from another goroutine without performing a Read itself, so
// Close's own drain loop below never races a still-active
// copyDirection goroutine reading this same tunnel. Once the peer's
// CLOSE has been read (HalfClosedRemote) no RecvData is pending, so the
// tunnel is left intact for Close to finish the CLOSE handshake.
func (c *tunnelConn) CancelRead() {
	if c.t.State() == tunnel.HalfClosedRemote {
		return
	}
	c.t.Interrupt()
}

func (c *tunnelConn) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeDrainTimeout)
		defer cancel()

		_ = c.t.CloseLocal(ctx)
		for {
			_, err := c.t.RecvData(ctx)
			if err != nil {
				break
			}
			// DATA the peer still sends after our own CLOSE (before its
			// own CLOSE arrives) is discarded.
		}
		c.release(c.t)
	})
	return nil
}
