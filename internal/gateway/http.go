package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cortexuvula/gonetunnel/internal/bridge"
)

// handleHTTP services one HTTP-speaking connection: CONNECT (tunneled
// as an opaque byte pipe after the 200 reply) or an absolute-URI
// request (rewritten and forwarded, request and response each parsed
// with net/http's own reader — the state-machine work of honoring
// Content-Length/chunked/connection-close is not worth reimplementing
// when the standard library already gets it right).
func (g *Gateway) handleHTTP(ctx context.Context, pr *peekReader) error {
	br := bufio.NewReader(pr)
	req, err := http.ReadRequest(br)
	if err != nil {
		return err
	}

	// br may have buffered bytes past the blank line (e.g. a TLS
	// ClientHello sent immediately after CONNECT, pipelined ahead of
	// our 200 reply) — reads for the post-handshake tunnel must go
	// through br, not pr directly, or those bytes would be dropped.
	left := &bufferedReadWriteCloser{r: br, wc: pr}

	if req.Method == http.MethodConnect {
		return g.handleConnect(ctx, left, req)
	}
	return g.handleAbsoluteURI(ctx, left, req)
}

// bufferedReadWriteCloser replays a bufio.Reader's already-consumed
// underlying bytes before falling through to further reads, while
// writes and close go straight to the original connection.
type bufferedReadWriteCloser struct {
	r  *bufio.Reader
	wc interface {
		io.Writer
		io.Closer
	}
}

func (b *bufferedReadWriteCloser) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *bufferedReadWriteCloser) Write(p []byte) (int, error) { return b.wc.Write(p) }
func (b *bufferedReadWriteCloser) Close() error                { return b.wc.Close() }

func (g *Gateway) handleConnect(ctx context.Context, left io.ReadWriteCloser, req *http.Request) error {
	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil {
		host, portStr = req.Host, "443"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeHTTPStatus(left, 502, "Bad Gateway")
		return fmt.Errorf("gateway: invalid CONNECT port %q: %w", portStr, err)
	}

	upstream, err := g.Connect(ctx, host, port)
	if err != nil {
		writeHTTPStatus(left, connectFailureStatus(err), connectFailureReason(err))
		return err
	}

	if _, err := fmt.Fprintf(left, "HTTP/1.1 200 Connection Established\r\nContent-Length: 0\r\n\r\n"); err != nil {
		upstream.Close()
		return err
	}

	(&bridge.Bridge{Left: left, Right: upstream}).Run(ctx)
	return nil
}

// defaultPortFor returns the scheme's implied port when the URI omits one.
func defaultPortFor(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func (g *Gateway) handleAbsoluteURI(ctx context.Context, left io.ReadWriteCloser, req *http.Request) error {
	target := req.URL
	if target.Scheme == "" || target.Host == "" {
		writeHTTPStatus(left, 502, "Bad Gateway")
		return fmt.Errorf("%w: HTTP request is not an absolute-URI", ErrUnsupportedCommand)
	}

	host := target.Hostname()
	portStr := target.Port()
	if portStr == "" {
		portStr = defaultPortFor(target.Scheme)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeHTTPStatus(left, 502, "Bad Gateway")
		return fmt.Errorf("gateway: invalid URI port %q: %w", portStr, err)
	}

	upstream, err := g.Connect(ctx, host, port)
	if err != nil {
		writeHTTPStatus(left, connectFailureStatus(err), connectFailureReason(err))
		return err
	}
	defer upstream.Close()

	// Strip scheme://host from the request target before forwarding,
	// per spec §4.3: "rewrite the request target to path".
	req.URL = &url.URL{Path: target.Path, RawQuery: target.RawQuery}
	req.RequestURI = ""
	req.Host = host

	if err := req.Write(upstream); err != nil {
		return err
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		writeHTTPStatus(left, 502, "Bad Gateway")
		return err
	}
	defer resp.Body.Close()
	return resp.Write(left)
}

func connectFailureStatus(err error) int {
	if errors.Is(err, ErrTimeout) {
		return 504
	}
	return 502
}

func connectFailureReason(err error) string {
	if errors.Is(err, ErrTimeout) {
		return "Gateway Timeout"
	}
	return "Bad Gateway"
}

func writeHTTPStatus(w io.Writer, code int, reason string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, reason)
}
