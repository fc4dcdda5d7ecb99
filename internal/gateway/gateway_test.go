package gateway

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cortexuvula/gonetunnel/internal/rules"
)

// newEchoTCPServer starts a plain TCP server that echoes everything it
// reads back to the writer, used as the "direct dial" destination for
// end-to-end gateway tests.
func newEchoTCPServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func newTestGateway(t *testing.T) (*Listener, string) {
	t.Helper()
	rs, err := rules.Load(nil, "", "")
	if err != nil {
		t.Fatalf("rules.Load: %v", err)
	}
	gw := NewGateway(nil, rs, nil, PolicyDirect)
	gw.DialTimeout = 2 * time.Second

	l, err := Listen("127.0.0.1:0", gw)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go l.Serve()
	return l, l.Addr().String()
}

func TestSocks5ConnectDirectRoundTrip(t *testing.T) {
	echoAddr := newEchoTCPServer(t)
	_, gwAddr := newTestGateway(t)

	client, err := net.Dial("tcp", gwAddr)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer client.Close()

	// Greeting: VER=5, NMETHODS=1, METHODS=[0x00].
	if _, err := client.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	r := bufio.NewReader(client)
	greetReply := make([]byte, 2)
	if _, err := io.ReadFull(r, greetReply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if greetReply[0] != 0x05 || greetReply[1] != 0x00 {
		t.Fatalf("greeting reply = % x, want 05 00", greetReply)
	}

	host, portStr, _ := net.SplitHostPort(echoAddr)
	ip := net.ParseIP(host).To4()
	if ip == nil {
		t.Fatalf("echo server address %q is not IPv4", echoAddr)
	}
	port := mustParsePort(t, portStr)

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, ip...)
	req = append(req, byte(port>>8), byte(port))
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(r, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatalf("connect reply = % x, want success", reply)
	}

	payload := []byte("hello through socks5")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("echo = %q, want %q", got, payload)
	}
}

func TestSocks4ConnectDirectRoundTrip(t *testing.T) {
	echoAddr := newEchoTCPServer(t)
	_, gwAddr := newTestGateway(t)

	client, err := net.Dial("tcp", gwAddr)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer client.Close()

	host, portStr, _ := net.SplitHostPort(echoAddr)
	ip := net.ParseIP(host).To4()
	port := mustParsePort(t, portStr)

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port)}
	req = append(req, ip...)
	req = append(req, 'u', 's', 'e', 'r', 0x00)
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	r := bufio.NewReader(client)
	reply := make([]byte, 8)
	if _, err := io.ReadFull(r, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != 0x00 || reply[1] != 0x90 {
		t.Fatalf("reply = % x, want 00 90", reply)
	}

	payload := []byte("hello through socks4")
	client.Write(payload)
	got := make([]byte, len(payload))
	io.ReadFull(r, got)
	if string(got) != string(payload) {
		t.Fatalf("echo = %q, want %q", got, payload)
	}
}

func TestHTTPConnectDirectRoundTrip(t *testing.T) {
	echoAddr := newEchoTCPServer(t)
	_, gwAddr := newTestGateway(t)

	client, err := net.Dial("tcp", gwAddr)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer client.Close()

	req := "CONNECT " + echoAddr + " HTTP/1.1\r\nHost: " + echoAddr + "\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if want := "HTTP/1.1 200"; len(line) < len(want) || line[:len(want)] != want {
		t.Fatalf("status line = %q, want prefix %q", line, want)
	}
	for {
		hdrLine, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if hdrLine == "\r\n" {
			break
		}
	}

	payload := []byte("hello through http connect")
	client.Write(payload)
	got := make([]byte, len(payload))
	io.ReadFull(r, got)
	if string(got) != string(payload) {
		t.Fatalf("echo = %q, want %q", got, payload)
	}
}

func TestNeedProxyPolicyOverrides(t *testing.T) {
	rs, err := rules.Load(nil, "", "")
	if err != nil {
		t.Fatalf("rules.Load: %v", err)
	}

	if d := needProxy(PolicyProxy, rs, "anything.test"); !d.useTunnel {
		t.Fatalf("PolicyProxy must always use tunnel")
	}
	if d := needProxy(PolicyDirect, rs, "anything.test"); d.useTunnel {
		t.Fatalf("PolicyDirect must never use tunnel")
	}
}

func TestNeedProxyPrivateAddressShortcutsToDirect(t *testing.T) {
	rs, err := rules.Load(nil, "", "")
	if err != nil {
		t.Fatalf("rules.Load: %v", err)
	}
	// Under White (tunnel-by-default for Unknown verdicts), a private
	// literal address still takes the private-address fast path to
	// Direct per spec §4.3's need_proxy table.
	d := needProxy(PolicyWhite, rs, "10.1.2.3")
	if d.useTunnel {
		t.Fatalf("private address must be direct under PolicyWhite")
	}
}

func mustParsePort(t *testing.T, s string) int {
	t.Helper()
	var port int
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("bad port %q", s)
		}
		port = port*10 + int(c-'0')
	}
	return port
}
