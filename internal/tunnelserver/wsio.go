package tunnelserver

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cortexuvula/gonetunnel/internal/tunnel"
)

// closeDrainTimeout bounds how long Close waits for the peer's CLOSE
// frame before giving up, mirroring the gateway's own tunnelConn.
const closeDrainTimeout = 5 * time.Second

// tunnelIO adapts one open tunnel.Tunnel to io.ReadWriteCloser so it
// can be bridged against a plain net.Conn with bridge.Bridge, the same
// way the gateway's tunnelConn adapts a Tunnel for the client side.
type tunnelIO struct {
	t         *tunnel.Tunnel
	closeOnce sync.Once
	pending   []byte
}

func newTunnelIO(t *tunnel.Tunnel) *tunnelIO {
	return &tunnelIO{t: t}
}

func (c *tunnelIO) Read(p []byte) (int, error) {
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

func (c *tunnelIO) Write(p []byte) (int, error) {
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
func (c *tunnelIO) CancelRead() {
	if c.t.State() == tunnel.HalfClosedRemote {
		return
	}
	c.t.Interrupt()
}

// Close drains the CLOSE handshake so the underlying WebSocket can
// carry another OPEN once both directions are finished. Whether the
// tunnel ended up reusable is observed afterwards via t.Reusable().
// When CancelRead has interrupted the tunnel (the upstream side ended
// first), CloseLocal fails and the WebSocket is not reused.
func (c *tunnelIO) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeDrainTimeout)
		defer cancel()
		if e := c.t.CloseLocal(ctx); e != nil {
			err = e
			return
		}
		for {
			if _, e := c.t.RecvData(ctx); e != nil {
				break
			}
		}
	})
	return err
}
