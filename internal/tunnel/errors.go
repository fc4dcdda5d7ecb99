package tunnel

import "errors"

var (
	// ErrDenied is returned by OpenClient when the server's OPEN-ACK
	// carries ALLOW:false.
	ErrDenied = errors.New("tunnel: open denied by server")

	// ErrProtocolViolation is returned when a text frame arrives in a
	// state that only permits CLOSE, or a control frame fails to
	// decode. The WebSocket must be abandoned, never returned to a pool.
	ErrProtocolViolation = errors.New("tunnel: protocol violation")

	// ErrRemoteClosed is returned by RecvData once the peer's CLOSE
	// frame has been observed; no further DATA will arrive from them.
	ErrRemoteClosed = errors.New("tunnel: remote sent close")

	// ErrClosed is returned by RecvData when the tunnel is not in a
	// state that receives DATA (Open or HalfClosedLocal), e.g. once it
	// has fully closed. SendData reports ErrWrongState instead.
	ErrClosed = errors.New("tunnel: closed")

	// ErrWrongState is returned when an operation is attempted from a
	// state that does not permit it (programmer error).
	ErrWrongState = errors.New("tunnel: invalid state transition")
)
