package wireql

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wireql/wireql/metrics"
)

// PoolConfig configures a Pool: the connection template plus sizing and
// lifecycle knobs from §3/§6's create_pool().
type PoolConfig struct {
	Config

	MinSize int
	MaxSize int

	// PoolRecycle is the maximum age a pooled idle connection may reach
	// before Acquire discards and replaces it. Negative disables
	// recycling entirely (§4.6/§9 Open Question: checked at acquire
	// time only); zero recycles on every acquire, matching
	// pool_recycle=0's documented behavior in §8 scenario 7. nil means
	// "not set by the caller" and defaults to -1 (no recycling) in
	// withDefaults, per spec.md §6's documented default — distinguishing
	// this from an explicit zero is exactly why this is a pointer rather
	// than a bare time.Duration.
	PoolRecycle *time.Duration

	// AcquireTimeout bounds how long Acquire will wait for a free slot
	// when the pool is saturated; zero means wait indefinitely (subject
	// to the caller's context).
	AcquireTimeout time.Duration

	Echo bool

	// Name labels every metric this Pool reports via Metrics, so one
	// process running several named pools (admin.Server's Register) gets
	// a distinct series per pool. Defaults to "default".
	Name string

	// Metrics, when set, receives pool lifecycle observations (acquire
	// duration, saturation, recycling, dial failures) exactly at the
	// points the teacher's proxy handlers call into internal/metrics.
	// Nil is a valid zero value: every call site below guards on it.
	Metrics *metrics.Collector

	// IdleTimeout, when positive, starts a background reaper goroutine
	// that proactively closes idle connections above MinSize once they've
	// sat unused longer than this, the way the teacher's health.Checker
	// runs its own periodic loop. This is additive to, and never a
	// substitute for, the mandatory recycle/ping check Acquire always
	// performs: a reaper-missed connection is still caught there.
	IdleTimeout time.Duration
}

func (pc PoolConfig) withDefaults() PoolConfig {
	if pc.MaxSize <= 0 {
		pc.MaxSize = 10
	}
	if pc.MinSize <= 0 {
		pc.MinSize = 1
	}
	if pc.MinSize > pc.MaxSize {
		pc.MinSize = pc.MaxSize
	}
	if pc.Name == "" {
		pc.Name = "default"
	}
	if pc.PoolRecycle == nil {
		noRecycle := time.Duration(-1)
		pc.PoolRecycle = &noRecycle
	}
	// Propagate onto the embedded Config so every Connect call this pool
	// makes (including the standalone-looking ones in NewPool/Acquire)
	// carries the same metrics/label pair through to per-query and
	// per-auth-failure observations in connection.go.
	pc.Config.Metrics = pc.Metrics
	pc.Config.PoolName = pc.Name
	return pc
}

type idleConn struct {
	conn      *Connection
	idleSince time.Time
}

// acquireWaiter is a one-shot delivery handle for a blocked Acquire
// call (§3's "FIFO of pending acquirers"). The channel is buffered so
// Release/Close can hand off without blocking, per §4.6's "never
// blocks".
type acquireWaiter struct {
	result chan acquireResult
}

type acquireResult struct {
	conn *Connection
	err  error
}

// Pool is a bounded set of Connections with FIFO-fair waiter queueing,
// age-based recycling, and graceful/immediate shutdown (§3/§4.6).
//
// The teacher's TenantPool parks waiters on a sync.Cond and wakes one
// with Signal(), which does not guarantee FIFO order among blocked
// waiters. This Pool instead gives each waiter its own one-shot channel
// appended to an explicit list, so release() always wakes the longest-
// waiting acquirer — a deliberate divergence from the teacher's pool in
// shape, not in locking discipline or lifecycle semantics.
//
// An idle connection that the server closed while it sat in the pool is
// not noticed until the liveness ping in the next Acquire, which closes
// it and moves on to another free connection or a fresh dial; until then
// it still counts toward Size and FreeSize.
type Pool struct {
	cfg PoolConfig

	mu       sync.Mutex
	free     []idleConn
	acquired map[*Connection]struct{}
	waiters  *list.List // of *acquireWaiter

	closing        bool
	closedSignaled bool
	closedCh       chan struct{}

	reapStop chan struct{}
	reapWG   sync.WaitGroup
}

// NewPool opens MinSize connections and returns a ready Pool.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:      cfg,
		acquired: make(map[*Connection]struct{}),
		waiters:  list.New(),
		closedCh: make(chan struct{}),
	}
	for i := 0; i < cfg.MinSize; i++ {
		conn, err := Connect(ctx, cfg.Config)
		if err != nil {
			if cfg.Metrics != nil {
				cfg.Metrics.DialError(cfg.Name)
			}
			p.Close()
			return nil, err
		}
		p.free = append(p.free, idleConn{conn: conn, idleSince: time.Now()})
	}
	if cfg.IdleTimeout > 0 {
		p.startReaper(cfg.IdleTimeout)
	}
	return p, nil
}

// startReaper runs a ticker loop that closes idle connections above
// MinSize once they've sat free longer than idleTimeout, mirroring the
// teacher's health.Checker.run loop shape (ticker + stop channel + a
// single background goroutine).
func (p *Pool) startReaper(idleTimeout time.Duration) {
	p.reapStop = make(chan struct{})
	interval := idleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	p.reapWG.Add(1)
	go func() {
		defer p.reapWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.reapIdle(idleTimeout)
			case <-p.reapStop:
				return
			}
		}
	}()
}

// reapIdle closes idle connections older than idleTimeout, keeping at
// least MinSize connections in the pool.
func (p *Pool) reapIdle(idleTimeout time.Duration) {
	now := time.Now()
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	var keep []idleConn
	var stale []idleConn
	for _, ic := range p.free {
		if len(stale)+len(p.acquired)+len(keep) >= p.cfg.MinSize && now.Sub(ic.idleSince) > idleTimeout {
			stale = append(stale, ic)
		} else {
			keep = append(keep, ic)
		}
	}
	p.free = keep
	p.mu.Unlock()

	for _, ic := range stale {
		slog.Info("wireql: reaper closing excess idle connection", "idle_for", now.Sub(ic.idleSince))
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.Recycled(p.cfg.Name, "idle_timeout")
		}
		ic.conn.Close()
	}
}

// Size returns the total number of connections the pool currently owns
// (free + acquired).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) + len(p.acquired)
}

// FreeSize returns the number of idle connections.
func (p *Pool) FreeSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Closing reports whether Close or Terminate has been called, letting a
// caller like admin.Server's /healthz distinguish a live pool from one
// that is shutting down.
func (p *Pool) Closing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

// MinSize returns the configured minimum pool size.
func (p *Pool) MinSize() int { return p.cfg.MinSize }

// MaxSize returns the configured maximum pool size.
func (p *Pool) MaxSize() int { return p.cfg.MaxSize }

// Acquire implements §4.6's algorithm: serve a recycled-or-live idle
// connection, open a fresh one under MaxSize, or queue as a FIFO
// waiter.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	start := time.Now()
	if p.cfg.Metrics != nil {
		defer func() { p.cfg.Metrics.AcquireDuration(p.cfg.Name, time.Since(start)) }()
	}

	for {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return nil, wrapErr(KindInterface, "pool is closing", ErrPoolClosed)
		}

		if len(p.free) > 0 {
			ic := p.free[0]
			p.free = p.free[1:]
			p.mu.Unlock()

			if *p.cfg.PoolRecycle >= 0 && time.Since(ic.idleSince) > *p.cfg.PoolRecycle {
				if p.cfg.Metrics != nil {
					p.cfg.Metrics.Recycled(p.cfg.Name, "age")
				}
				ic.conn.Close()
				continue
			}
			if err := ic.conn.Ping(ctx); err != nil {
				slog.Warn("wireql: discarding dead pooled connection", "error", err)
				if p.cfg.Metrics != nil {
					p.cfg.Metrics.Recycled(p.cfg.Name, "ping")
				}
				ic.conn.Close()
				continue
			}
			p.mu.Lock()
			p.acquired[ic.conn] = struct{}{}
			p.mu.Unlock()
			return ic.conn, nil
		}

		if len(p.acquired) < p.cfg.MaxSize {
			p.mu.Unlock()
			conn, err := Connect(ctx, p.cfg.Config)
			if err != nil {
				if p.cfg.Metrics != nil {
					p.cfg.Metrics.DialError(p.cfg.Name)
				}
				return nil, err
			}
			p.mu.Lock()
			p.acquired[conn] = struct{}{}
			p.mu.Unlock()
			return conn, nil
		}

		if p.cfg.Metrics != nil {
			p.cfg.Metrics.PoolExhausted(p.cfg.Name)
		}
		w := &acquireWaiter{result: make(chan acquireResult, 1)}
		elem := p.waiters.PushBack(w)
		p.mu.Unlock()

		select {
		case res := <-w.result:
			if res.err != nil {
				return nil, res.err
			}
			return res.conn, nil
		case <-ctx.Done():
			p.mu.Lock()
			p.waiters.Remove(elem)
			p.mu.Unlock()
			return nil, wrapErr(KindOperational, "acquire timed out", ctx.Err())
		}
	}
}

// Release returns conn to the pool, per §4.6. A closed or broken
// connection (one whose protocol state a cancelled/failed read left
// indeterminate, per §5) is discarded instead of pooled. Never blocks.
func (p *Pool) Release(conn *Connection) {
	p.mu.Lock()
	delete(p.acquired, conn)

	if p.closing || conn.Closed() {
		p.mu.Unlock()
		conn.Close()
		p.mu.Lock()
		p.signalClosedIfDoneLocked()
		p.mu.Unlock()
		return
	}

	if elem := p.waiters.Front(); elem != nil {
		w := p.waiters.Remove(elem).(*acquireWaiter)
		p.acquired[conn] = struct{}{}
		p.mu.Unlock()
		w.result <- acquireResult{conn: conn}
		return
	}

	p.free = append(p.free, idleConn{conn: conn, idleSince: time.Now()})
	p.mu.Unlock()
}

// Clear closes every currently idle connection, keeping acquired ones
// untouched (§4.6).
func (p *Pool) Clear() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()
	for _, ic := range free {
		ic.conn.Close()
	}
}

// Close marks the pool closing, closes every idle connection, fails
// every currently queued waiter, and arranges for acquired connections
// to be closed (not pooled) as they're released (§4.6).
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	free := p.free
	p.free = nil

	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		w := elem.Value.(*acquireWaiter)
		w.result <- acquireResult{err: wrapErr(KindInterface, "pool closed while waiting", ErrPoolClosed)}
	}
	p.waiters.Init()
	p.signalClosedIfDoneLocked()
	p.mu.Unlock()

	if p.reapStop != nil {
		close(p.reapStop)
		p.reapWG.Wait()
	}

	for _, ic := range free {
		ic.conn.Close()
	}
	return nil
}

// Terminate does everything Close does, and additionally force-closes
// every currently acquired connection immediately, failing their
// owners' in-flight operations (§4.6).
func (p *Pool) Terminate() error {
	p.Close()

	p.mu.Lock()
	acquired := make([]*Connection, 0, len(p.acquired))
	for c := range p.acquired {
		acquired = append(acquired, c)
	}
	p.mu.Unlock()

	for _, c := range acquired {
		c.Close()
	}

	p.mu.Lock()
	for _, c := range acquired {
		delete(p.acquired, c)
	}
	p.signalClosedIfDoneLocked()
	p.mu.Unlock()
	return nil
}

// WaitClosed blocks until Size() == 0, which only happens once Close or
// Terminate has run and every connection has actually been closed
// (§4.6).
func (p *Pool) WaitClosed(ctx context.Context) error {
	select {
	case <-p.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalClosedIfDoneLocked must be called with p.mu held. It closes
// closedCh exactly once, the first time the pool is both closing and
// empty.
func (p *Pool) signalClosedIfDoneLocked() {
	if p.closedSignaled || !p.closing {
		return
	}
	if len(p.free) == 0 && len(p.acquired) == 0 {
		p.closedSignaled = true
		close(p.closedCh)
	}
}
