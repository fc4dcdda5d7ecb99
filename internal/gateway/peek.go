package gateway

import (
	"bufio"
	"io"
	"net"
)

// peekReader is a small lookahead wrapper around a net.Conn: callers can
// Peek at upcoming bytes to sniff the application protocol, then Read
// normally and see exactly the same bytes, in order. This replaces the
// "poke the buffer and push bytes back" trick of pushing sniffed bytes
// into a library's internal read buffer — the conn's real buffering
// lives entirely inside this type instead.
type peekReader struct {
	net.Conn
	br *bufio.Reader
}

func newPeekReader(c net.Conn) *peekReader {
	return &peekReader{Conn: c, br: bufio.NewReaderSize(c, 4096)}
}

// Peek returns the next n bytes without advancing the read position.
func (p *peekReader) Peek(n int) ([]byte, error) {
	return p.br.Peek(n)
}

// Read satisfies io.Reader by delegating to the buffered reader, so
// peeked bytes are re-delivered exactly once.
func (p *peekReader) Read(b []byte) (int, error) {
	return p.br.Read(b)
}

var _ io.ReadWriteCloser = (*peekReader)(nil)
