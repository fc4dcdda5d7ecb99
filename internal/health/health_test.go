package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/gonetunnel/internal/pool"
	"github.com/cortexuvula/gonetunnel/internal/stats"
)

func newWarmPool(t *testing.T) *pool.Pool {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	factory, err := pool.NewDialFactory([]string{wsURL}, "")
	if err != nil {
		t.Fatalf("NewDialFactory: %v", err)
	}
	p := pool.New(factory, pool.WithTargetSize(1), pool.WithMaintenanceInterval(50*time.Millisecond))
	t.Cleanup(p.Close)

	deadline := time.After(2 * time.Second)
	for p.IdleCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("pool never warmed up")
		case <-time.After(5 * time.Millisecond):
		}
	}
	return p
}

func TestHealthHandlerHealthyWithPool(t *testing.T) {
	p := newWarmPool(t)
	h := NewHandler(stats.New(), p, "test-version", true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if resp.PoolReachable == nil || !*resp.PoolReachable {
		t.Error("pool_reachable should be true")
	}
	if resp.Details == nil {
		t.Error("details should not be nil")
	}
}

func TestHealthHandlerPoolUnreachable(t *testing.T) {
	p := newWarmPool(t)
	p.Close() // drains idle set to zero

	h := NewHandler(stats.New(), p, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want %q", resp.Status, "degraded")
	}
	if resp.PoolReachable == nil || *resp.PoolReachable {
		t.Error("pool_reachable should be false")
	}
}

func TestHealthHandlerNoPool(t *testing.T) {
	// Tunnel-server process: no upstream pool to report on.
	h := NewHandler(stats.New(), nil, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PoolReachable != nil {
		t.Error("pool_reachable should be omitted when no pool is configured")
	}
}

func TestHealthHandlerActiveConnections(t *testing.T) {
	st := stats.New()
	st.TryIncrementConnections("100.64.0.1", 0, 0)
	st.TryIncrementConnections("100.64.0.2", 0, 0)

	h := NewHandler(st, nil, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ActiveConnections != 2 {
		t.Errorf("active_connections = %d, want 2", resp.ActiveConnections)
	}
}
