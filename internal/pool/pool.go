// Package pool maintains a size-bounded set of warm, authenticated
// WebSocket connections to one or more tunnel servers so that opening
// a logical tunnel rarely pays the cost of a fresh TLS+WebSocket
// handshake.
package pool

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Factory dials a new, authenticated WebSocket connection to a tunnel
// server. Implementations round-robin across configured servers.
type Factory func(ctx context.Context) (*websocket.Conn, error)

// Pool holds idle WebSocketConnections and amortizes tunnel setup
// cost. Target size N (default 7): after any maintenance tick,
// |idle| <= 2N; dead connections are dropped before being handed out;
// maintenance never blocks the acquire fast path.
type Pool struct {
	factory Factory
	target  int
	tickDur time.Duration
	dialCtx func() (context.Context, context.CancelFunc)

	mu   sync.Mutex
	idle []*websocket.Conn

	backoff time.Duration
	maxBack time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup

	onIdleChange func(n int) // optional metrics hook
}

const (
	defaultTarget      = 7
	defaultTick        = 7 * time.Second
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithTargetSize overrides the default target idle size N (7).
func WithTargetSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.target = n
		}
	}
}

// WithMaintenanceInterval overrides the default 7s maintenance tick.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.tickDur = d
		}
	}
}

// WithMetricsHook registers a callback invoked whenever the idle count
// changes, so callers can export a gauge without the pool importing a
// metrics package directly.
func WithMetricsHook(fn func(n int)) Option {
	return func(p *Pool) { p.onIdleChange = fn }
}

// New creates a Pool and starts its background warm-up and maintenance
// goroutines. Call Close to stop them and discard all idle
// connections.
func New(factory Factory, opts ...Option) *Pool {
	p := &Pool{
		factory: factory,
		target:  defaultTarget,
		tickDur: defaultTick,
		backoff: defaultBaseBackoff,
		maxBack: defaultMaxBackoff,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(2)
	go p.warmUp()
	go p.maintain()
	return p
}

// Acquire pops one idle connection, skipping and discarding any that
// have gone dead, synchronously dialing a fresh one if the idle set is
// empty. When popping drops |idle| below the target, a background
// refill is spawned — Acquire itself never blocks on dialing unless the
// idle set was already empty.
func (p *Pool) Acquire(ctx context.Context) (*websocket.Conn, error) {
	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.notifyIdle(len(p.idle))
			p.mu.Unlock()

			if !p.isAlive(ctx, conn) {
				conn.CloseNow()
				continue
			}
			if len(p.idle) < p.target {
				p.refillAsync()
			}
			return conn, nil
		}
		p.mu.Unlock()
		return p.dial(ctx)
	}
}

// Release returns a connection to the idle set, or discards it if
// dead. Multiple acquirers racing on Release never hand the same
// connection to two callers since the idle set is only appended to
// (here) and popped from (in Acquire) under the lock.
func (p *Pool) Release(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	if !p.isAlive(context.Background(), conn) {
		conn.CloseNow()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.notifyIdle(len(p.idle))
	p.mu.Unlock()
}

// Discard closes conn without returning it to the pool — the caller
// observed a protocol violation or abrupt drop (tunnel.ErrProtocolViolation,
// WS-level error) so the connection is not reusable.
func (p *Pool) Discard(conn *websocket.Conn) {
	if conn != nil {
		conn.CloseNow()
	}
}

// IdleCount returns the current number of idle connections.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close stops the background goroutines and closes all idle
// connections.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.CloseNow()
	}
	p.idle = nil
}

func (p *Pool) notifyIdle(n int) {
	if p.onIdleChange != nil {
		p.onIdleChange(n)
	}
}

func (p *Pool) isAlive(ctx context.Context, conn *websocket.Conn) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return conn.Ping(pingCtx) == nil
}

func (p *Pool) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		slog.Warn("pool: dial failed", "error", err)
		return nil, err
	}
	return conn, nil
}

// refillAsync spawns a background create, never blocking the caller's
// Acquire. It is deliberately fire-and-forget: a failed create is
// logged and naturally retried on the next maintenance tick.
func (p *Pool) refillAsync() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := p.dial(ctx)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.notifyIdle(len(p.idle))
		p.mu.Unlock()
	}()
}

// warmUp eagerly creates up to target idle connections at start, with
// bounded exponential backoff between repeated failures.
func (p *Pool) warmUp() {
	defer p.wg.Done()
	backoff := p.backoff
	for i := 0; i < p.target; i++ {
		select {
		case <-p.stop:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := p.dial(ctx)
		cancel()
		if err != nil {
			select {
			case <-time.After(jitter(backoff)):
			case <-p.stop:
				return
			}
			if backoff < p.maxBack {
				backoff *= 2
				if backoff > p.maxBack {
					backoff = p.maxBack
				}
			}
			continue
		}
		backoff = p.backoff
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.notifyIdle(len(p.idle))
		p.mu.Unlock()
	}
}

// maintain runs every tickDur (default 7s): drop dead idle
// connections, trim surplus above 2N, and top up a deficit below N.
func (p *Pool) maintain() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.tickDur)
	defer ticker.Stop()

	backoff := p.backoff
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			backoff = p.tick(backoff)
		}
	}
}

func (p *Pool) tick(backoff time.Duration) time.Duration {
	ctx := context.Background()

	// Snapshot the idle set and ping outside the lock: isAlive blocks on
	// a WebSocket ping for up to 2s per connection, and a tick scanning
	// up to 2N of them must never hold p.mu while doing it, or Acquire
	// stalls behind the whole scan. The snapshot is ping-tested
	// unlocked; only the resulting dead set is then removed from
	// whatever p.idle holds by the time we re-lock, so connections
	// Released or refilled during the scan are never dropped on the
	// floor.
	p.mu.Lock()
	snapshot := append([]*websocket.Conn(nil), p.idle...)
	p.mu.Unlock()

	dead := make(map[*websocket.Conn]bool, len(snapshot))
	for _, c := range snapshot {
		if !p.isAlive(ctx, c) {
			dead[c] = true
		}
	}

	p.mu.Lock()
	if len(dead) > 0 {
		kept := p.idle[:0]
		for _, c := range p.idle {
			if !dead[c] {
				kept = append(kept, c)
			}
		}
		p.idle = kept
	}

	var excess []*websocket.Conn
	cap2N := 2 * p.target
	if len(p.idle) > cap2N {
		excess = append([]*websocket.Conn(nil), p.idle[cap2N:]...)
		p.idle = p.idle[:cap2N]
	}
	deficit := p.target - len(p.idle)
	p.notifyIdle(len(p.idle))
	p.mu.Unlock()

	for c := range dead {
		c.CloseNow()
	}
	for _, c := range excess {
		c.CloseNow()
	}

	if deficit <= 0 {
		return p.backoff
	}

	failures := 0
	for i := 0; i < deficit; i++ {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := p.dial(dialCtx)
		cancel()
		if err != nil {
			failures++
			continue
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.notifyIdle(len(p.idle))
		p.mu.Unlock()
	}

	if failures == 0 {
		return p.backoff
	}
	if backoff < p.backoff {
		backoff = p.backoff
	}
	select {
	case <-time.After(jitter(backoff)):
	case <-p.stop:
	}
	next := backoff * 2
	if next > p.maxBack {
		next = p.maxBack
	}
	return next
}

// jitter adds up to 20% random variance to a backoff duration so many
// pools under the same outage don't all retry in lockstep.
func jitter(d time.Duration) time.Duration {
	span := int64(d) / 5
	if span <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(span))
}
