package tunnelserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/gonetunnel/internal/config"
	"github.com/cortexuvula/gonetunnel/internal/security"
	"github.com/cortexuvula/gonetunnel/internal/stats"
	"github.com/cortexuvula/gonetunnel/internal/tunnel"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Security.TailscaleOnly = false
	cfg.Security.RateLimit.Enabled = false
	cfg.TunnelServer.DialTimeout = 5 * time.Second
	return cfg
}

func testHandler(cfg *config.Config, creds map[string]string) *Handler {
	return NewHandler(cfg, security.NewCredentials(creds), nil, stats.New(), context.Background())
}

func TestHandlerRejectNonTailscaleIP(t *testing.T) {
	cfg := testConfig()
	cfg.Security.TailscaleOnly = true
	handler := testHandler(cfg, nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestHandlerRejectMissingAuth(t *testing.T) {
	cfg := testConfig()
	handler := testHandler(cfg, map[string]string{"alice": "secret"})

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandlerRejectWrongAuth(t *testing.T) {
	cfg := testConfig()
	handler := testHandler(cfg, map[string]string{"alice": "secret"})

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	req.SetBasicAuth("alice", "wrong")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandlerRejectMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxConnections = 1

	st := stats.New()
	st.TryIncrementConnections("127.0.0.1", 1000, 100) // fill the slot

	handler := NewHandler(cfg, security.NewCredentials(map[string]string{"alice": "secret"}), nil, st, context.Background())

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	req.SetBasicAuth("alice", "secret")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestHandlerUpdateConfig(t *testing.T) {
	cfg := testConfig()
	handler := testHandler(cfg, nil)

	if handler.GetConfig().Gateway.ProxyPolicy != "AUTO" {
		t.Error("expected default proxy_policy initially")
	}

	newCfg := testConfig()
	newCfg.Gateway.ProxyPolicy = "DIRECT"
	handler.UpdateConfig(newCfg)

	if handler.GetConfig().Gateway.ProxyPolicy != "DIRECT" {
		t.Error("expected updated proxy_policy")
	}
}

// newEchoTCPServer starts a raw TCP server that echoes whatever it reads.
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
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

// TestOpenAllowBridgeRoundTrip drives a full OPEN -> ALLOW -> DATA ->
// CLOSE cycle against a real TCP echo server through the handler.
func TestOpenAllowBridgeRoundTrip(t *testing.T) {
	echoAddr := newEchoTCPServer(t)
	echoHost, echoPort, err := net.SplitHostPort(echoAddr)
	if err != nil {
		t.Fatalf("split echo addr: %v", err)
	}

	cfg := testConfig()
	handler := testHandler(cfg, map[string]string{"alice": "secret"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.SetBasicAuth("alice", "secret")
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	tun := tunnel.New(conn)
	var port int
	fmtSscan(echoPort, &port)
	if err := tun.OpenClient(ctx, echoHost, port); err != nil {
		t.Fatalf("OpenClient: %v", err)
	}

	payload := []byte("hello through the tunnel")
	if err := tun.SendData(ctx, payload); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	got, err := tun.RecvData(ctx)
	if err != nil {
		t.Fatalf("RecvData: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("echoed payload = %q, want %q", got, payload)
	}

	if err := tun.CloseLocal(ctx); err != nil {
		t.Fatalf("CloseLocal: %v", err)
	}
	for {
		if _, err := tun.RecvData(ctx); err != nil {
			if errors.Is(err, tunnel.ErrRemoteClosed) {
				break
			}
			t.Fatalf("draining close handshake: %v", err)
		}
	}
}

func TestOpenDeniedOnUnreachableHost(t *testing.T) {
	cfg := testConfig()
	cfg.TunnelServer.DialTimeout = 500 * time.Millisecond
	handler := testHandler(cfg, map[string]string{"alice": "secret"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.SetBasicAuth("alice", "secret")
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	tun := tunnel.New(conn)
	err = tun.OpenClient(ctx, "127.0.0.1", 1) // nothing listens on port 1
	if !errors.Is(err, tunnel.ErrDenied) {
		t.Fatalf("OpenClient error = %v, want ErrDenied", err)
	}
}

func fmtSscan(s string, out *int) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int(c-'0')
	}
	*out = n
}
