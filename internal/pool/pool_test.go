package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// newEchoServer starts a WebSocket-accepting server usable as a dial
// target for the pool's factory.
func newEchoServer(t *testing.T) *httptest.Server {
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
	return srv
}

func dialFactory(t *testing.T, srv *httptest.Server) Factory {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		return conn, err
	}
}

func TestWarmUpReachesTargetSize(t *testing.T) {
	srv := newEchoServer(t)
	p := New(dialFactory(t, srv), WithTargetSize(3), WithMaintenanceInterval(50*time.Millisecond))
	t.Cleanup(p.Close)

	deadline := time.After(2 * time.Second)
	for {
		if p.IdleCount() == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("idle count = %d, want 3 within deadline", p.IdleCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAcquireReleaseConcurrentNoDoubleHandout(t *testing.T) {
	srv := newEchoServer(t)
	p := New(dialFactory(t, srv), WithTargetSize(3), WithMaintenanceInterval(50*time.Millisecond))
	t.Cleanup(p.Close)

	const n = 10
	seen := make(map[*websocket.Conn]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			seen[conn]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	// Every connection is held until all acquires are done, so a count
	// above 1 can only mean two callers held it at once.
	for conn := range seen {
		p.Release(conn)
	}

	mu.Lock()
	defer mu.Unlock()
	for conn, count := range seen {
		if count > 1 {
			t.Errorf("connection %p handed out %d times concurrently-unsafely", conn, count)
		}
	}
}

func TestTrimToDoubleTargetAfterSurplusRelease(t *testing.T) {
	srv := newEchoServer(t)
	p := New(dialFactory(t, srv), WithTargetSize(3), WithMaintenanceInterval(30*time.Millisecond))
	t.Cleanup(p.Close)

	// Wait for warm-up.
	deadline := time.After(2 * time.Second)
	for p.IdleCount() != 3 {
		select {
		case <-deadline:
			t.Fatalf("warm-up never reached target")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Run 10 concurrent acquires (they take the 3 warm connections and
	// dial the rest, draining idle to 0), then release all 10.
	var conns []*websocket.Conn
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, c := range conns {
		p.Release(c)
	}

	// Within a couple of maintenance ticks, idle must be trimmed to 2N.
	deadline = time.After(2 * time.Second)
	for {
		if p.IdleCount() <= 6 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("idle count = %d, want <= 6 (2N) after trim", p.IdleCount())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestAcquireNeverReturnsDeadConnection(t *testing.T) {
	srv := newEchoServer(t)
	p := New(dialFactory(t, srv), WithTargetSize(1), WithMaintenanceInterval(time.Hour))
	t.Cleanup(p.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn.CloseNow() // kill it behind the pool's back
	p.Release(conn)

	conn2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after dead release: %v", err)
	}
	if conn2 == conn {
		t.Fatalf("acquire handed back a dead connection")
	}
	p.Release(conn2)
}

func TestIdleChangeMetricsHookFires(t *testing.T) {
	srv := newEchoServer(t)
	var calls atomic.Int64
	p := New(dialFactory(t, srv),
		WithTargetSize(2),
		WithMaintenanceInterval(time.Hour),
		WithMetricsHook(func(n int) { calls.Add(1) }),
	)
	t.Cleanup(p.Close)

	deadline := time.After(2 * time.Second)
	for p.IdleCount() != 2 {
		select {
		case <-deadline:
			t.Fatalf("warm-up never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if calls.Load() == 0 {
		t.Fatalf("expected metrics hook to have fired during warm-up")
	}
}
