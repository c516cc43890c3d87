package wireql

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/wireql/wireql/internal/auth"
	"github.com/wireql/wireql/internal/wire"
)

// poolFakeServer accepts any number of connections and drives each one
// through a minimal handshake + SET autocommit + command loop, answering
// every command with an OK packet until COM_QUIT. Unlike fakeServer (which
// serves exactly one connection), this is what the pool tests need since a
// Pool dials more than one backend connection over its lifetime.
type poolFakeServer struct {
	ln net.Listener

	mu       sync.Mutex
	accepted int
}

// recyclePtr is test sugar for PoolConfig.PoolRecycle, which is a
// *time.Duration so "unset" (nil, defaults to -1) and an explicit 0
// (recycle every acquire, §8 scenario 7) don't collide.
func recyclePtr(d time.Duration) *time.Duration {
	return &d
}

func startPoolFakeServer(t *testing.T) *poolFakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ps := &poolFakeServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ps.mu.Lock()
			ps.accepted++
			ps.mu.Unlock()
			go ps.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ps
}

func (ps *poolFakeServer) acceptedCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.accepted
}

func (ps *poolFakeServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ps.ln.Addr().String())
	if err != nil {
		t.Fatalf("split host/port: %v", err)
	}
	var port int
	if _, err := fmtSscan(portStr, &port); err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func (ps *poolFakeServer) serve(conn net.Conn) {
	defer conn.Close()
	pc := wire.NewConn(conn)
	seed := []byte("01234567890123456789")

	if err := poolWriteGreeting(pc, seed); err != nil {
		return
	}
	if _, err := pc.ReadPacket(); err != nil { // handshake response
		return
	}
	if err := poolWriteOK(pc, 0, 0); err != nil {
		return
	}

	pc.ResetSequence()
	if _, err := pc.ReadPacket(); err != nil { // SET autocommit
		return
	}
	if err := poolWriteOK(pc, 0, 0); err != nil {
		return
	}

	for {
		pc.ResetSequence()
		pkt, err := pc.ReadPacket()
		if err != nil || len(pkt) == 0 {
			return
		}
		if wire.Command(pkt[0]) == wire.ComQuit {
			return
		}
		if err := poolWriteOK(pc, 0, 0); err != nil {
			return
		}
	}
}

// deadOnceFakeServer serves its first accepted connection through the
// handshake and then immediately drops it, simulating a connection that
// died while idle in the pool; every later connection behaves like a
// normal poolFakeServer.
type deadOnceFakeServer struct {
	*poolFakeServer
	killedFirst bool
}

func startDeadOnceFakeServer(t *testing.T) *deadOnceFakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ds := &deadOnceFakeServer{poolFakeServer: &poolFakeServer{ln: ln}}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ds.poolFakeServer.mu.Lock()
			ds.accepted++
			killFirst := !ds.killedFirst
			if killFirst {
				ds.killedFirst = true
			}
			ds.poolFakeServer.mu.Unlock()
			if killFirst {
				go ds.serveThenDie(conn)
			} else {
				go ds.serve(conn)
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ds
}

func (ds *deadOnceFakeServer) serveThenDie(conn net.Conn) {
	pc := wire.NewConn(conn)
	seed := []byte("01234567890123456789")
	if err := poolWriteGreeting(pc, seed); err != nil {
		conn.Close()
		return
	}
	if _, err := pc.ReadPacket(); err != nil {
		conn.Close()
		return
	}
	if err := poolWriteOK(pc, 0, 0); err != nil {
		conn.Close()
		return
	}
	pc.ResetSequence()
	if _, err := pc.ReadPacket(); err != nil {
		conn.Close()
		return
	}
	if err := poolWriteOK(pc, 0, 0); err != nil {
		conn.Close()
		return
	}
	// Drop the connection instead of servicing the next command, so the
	// pool's liveness Ping on its next Acquire observes a closed socket.
	conn.Close()
}

func poolWriteGreeting(pc *wire.Conn, seed []byte) error {
	caps := wire.BaseCapabilities
	buf := []byte{10}
	buf = append(buf, []byte("8.0.30-fake")...)
	buf = append(buf, 0)
	buf = append(buf, 1, 0, 0, 0)
	buf = append(buf, seed[:8]...)
	buf = append(buf, 0)
	buf = append(buf, byte(caps), byte(caps>>8))
	buf = append(buf, 45)
	buf = append(buf, 2, 0)
	buf = append(buf, byte(caps>>16), byte(caps>>24))
	buf = append(buf, byte(len(seed)+1))
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, seed[8:]...)
	buf = append(buf, 0)
	buf = append(buf, []byte(auth.MySQLNativePassword)...)
	buf = append(buf, 0)
	return pc.WritePacket(buf)
}

func poolWriteOK(pc *wire.Conn, affectedRows, lastInsertID uint64) error {
	buf := wire.PutLengthEncodedInteger(nil, affectedRows)
	buf = wire.PutLengthEncodedInteger(buf, lastInsertID)
	buf = append(buf, 2, 0)
	buf = append(buf, 0, 0)
	pkt := append([]byte{wire.OKPacketHeader}, buf...)
	return pc.WritePacket(pkt)
}

func poolTestConfig(t *testing.T, ps *poolFakeServer) Config {
	host, port := ps.hostPort(t)
	return Config{
		Host:           host,
		Port:           port,
		User:           "tester",
		Password:       "secret",
		ConnectTimeout: 2 * time.Second,
	}
}

func TestPoolAcquireReleaseReusesConnection(t *testing.T) {
	ps := startPoolFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:      poolTestConfig(t, ps),
		MinSize:     1,
		MaxSize:     1,
		PoolRecycle: recyclePtr(-1), // never age-recycle
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	c1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	pool.Release(c1)

	c2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected the same pooled *Connection to be reused, got different ones")
	}
	if ps.acceptedCount() != 1 {
		t.Fatalf("expected exactly one dialed connection, got %d", ps.acceptedCount())
	}
}

func TestPoolAcquireBlocksUntilMaxSize(t *testing.T) {
	ps := startPoolFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:      poolTestConfig(t, ps),
		MinSize:     1,
		MaxSize:     1,
		PoolRecycle: recyclePtr(-1),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	c1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan *Connection, 1)
	go func() {
		c, err := pool.Acquire(ctx)
		if err != nil {
			t.Errorf("blocked Acquire: %v", err)
			return
		}
		done <- c
	}()

	select {
	case <-done:
		t.Fatal("second Acquire returned before the pool had a free slot")
	case <-time.After(100 * time.Millisecond):
	}

	pool.Release(c1)

	select {
	case c2 := <-done:
		if c2 != c1 {
			t.Fatalf("expected the waiter to receive the released connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up after Release")
	}
}

func TestPoolFIFOWaiterOrder(t *testing.T) {
	ps := startPoolFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:      poolTestConfig(t, ps),
		MinSize:     1,
		MaxSize:     1,
		PoolRecycle: recyclePtr(-1),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	held, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	const n = 4
	order := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			c, err := pool.Acquire(ctx)
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			pool.Release(c)
		}()
		// Stagger launches so each waiter reaches the FIFO queue in launch
		// order before the next one starts.
		time.Sleep(20 * time.Millisecond)
	}

	pool.Release(held)

	var got []int
	for i := 0; i < n; i++ {
		select {
		case w := <-order:
			got = append(got, w)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for waiter %d to be served", i)
		}
	}
	for i, w := range got {
		if w != i {
			t.Fatalf("waiters served out of order: got %v, want [0 1 2 3]", got)
		}
	}
}

func TestPoolRecycleByAge(t *testing.T) {
	ps := startPoolFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:      poolTestConfig(t, ps),
		MinSize:     1,
		MaxSize:     1,
		PoolRecycle: recyclePtr(5 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	time.Sleep(20 * time.Millisecond)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Release(conn)

	if ps.acceptedCount() != 2 {
		t.Fatalf("expected the aged connection to be discarded and a fresh one dialed, got %d accepted connections", ps.acceptedCount())
	}
}

// TestPoolRecycleUnsetDefaultsToNoRecycle pins the documented default
// (spec.md §6: pool_recycle=-1) for a PoolConfig that leaves PoolRecycle
// unset entirely, the way cmd/wireql-cli builds one from a bare -dsn flag
// and the way LoadPoolConfig builds one from a YAML pool entry that omits
// pool_recycle. Before PoolRecycle became a *time.Duration, the zero value
// of an unset field collided with "recycle every acquire" and every idle
// connection was discarded on its very next Acquire.
func TestPoolRecycleUnsetDefaultsToNoRecycle(t *testing.T) {
	ps := startPoolFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:  poolTestConfig(t, ps),
		MinSize: 1,
		MaxSize: 1,
		// PoolRecycle intentionally left unset (nil).
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	time.Sleep(20 * time.Millisecond)

	c1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	pool.Release(c1)

	c2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected the idle connection to be reused under the unset default, got a fresh one")
	}
	if ps.acceptedCount() != 1 {
		t.Fatalf("expected exactly one dialed connection under the unset default, got %d", ps.acceptedCount())
	}
}

// TestPoolRecycleZeroRecyclesEveryAcquire exercises §8 scenario 7's
// explicit pool_recycle=0, distinct from the unset default above: every
// released connection, however briefly idle, is discarded on its next
// Acquire rather than reused.
func TestPoolRecycleZeroRecyclesEveryAcquire(t *testing.T) {
	ps := startPoolFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:      poolTestConfig(t, ps),
		MinSize:     1,
		MaxSize:     1,
		PoolRecycle: recyclePtr(0),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	c1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	pool.Release(c1)

	c2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if c1 == c2 {
		t.Fatalf("expected pool_recycle=0 to discard the idle connection and dial a fresh one")
	}
	if ps.acceptedCount() != 3 {
		t.Fatalf("expected three dialed connections under pool_recycle=0 (the initial one plus one per Acquire), got %d", ps.acceptedCount())
	}
}

func TestPoolDiscardsDeadConnectionOnPing(t *testing.T) {
	ds := startDeadOnceFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:      poolTestConfig(t, ds.poolFakeServer),
		MinSize:     1,
		MaxSize:     1,
		PoolRecycle: recyclePtr(-1),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	// Give the first (doomed) connection's server side time to drop the
	// socket before Acquire pings it.
	time.Sleep(20 * time.Millisecond)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after dead idle connection: %v", err)
	}
	pool.Release(conn)

	if ds.acceptedCount() != 2 {
		t.Fatalf("expected a replacement connection to be dialed, got %d accepted connections", ds.acceptedCount())
	}
}

func TestPoolCloseIsIdempotentAndWaitClosedReturns(t *testing.T) {
	ps := startPoolFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:  poolTestConfig(t, ps),
		MinSize: 1,
		MaxSize: 1,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if err := pool.WaitClosed(waitCtx); err != nil {
		t.Fatalf("WaitClosed: %v", err)
	}
	if pool.Size() != 0 {
		t.Fatalf("pool Size() after Close = %d, want 0", pool.Size())
	}
}

func TestPoolAcquireAfterCloseFails(t *testing.T) {
	ps := startPoolFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:  poolTestConfig(t, ps),
		MinSize: 1,
		MaxSize: 1,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = pool.Acquire(ctx)
	if err == nil {
		t.Fatal("expected Acquire on a closed pool to fail")
	}
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("got %v, want an error wrapping ErrPoolClosed", err)
	}
}

func TestPoolReaperClosesExcessIdleConnections(t *testing.T) {
	ps := startPoolFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:      poolTestConfig(t, ps),
		MinSize:     1,
		MaxSize:     3,
		PoolRecycle: recyclePtr(-1),
		IdleTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	// Grow the pool to 3 idle connections, above MinSize.
	c1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	c2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	c3, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 3: %v", err)
	}
	pool.Release(c1)
	pool.Release(c2)
	pool.Release(c3)

	if got := pool.FreeSize(); got != 3 {
		t.Fatalf("got FreeSize()=%d right after releasing, want 3", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pool.Size() > pool.MinSize() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if pool.Size() != pool.MinSize() {
		t.Fatalf("reaper did not shrink the pool back to MinSize: Size()=%d MinSize()=%d", pool.Size(), pool.MinSize())
	}
}

func TestPoolTerminateClosesAcquiredConnections(t *testing.T) {
	ps := startPoolFakeServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, PoolConfig{
		Config:  poolTestConfig(t, ps),
		MinSize: 1,
		MaxSize: 1,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := pool.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !conn.Closed() {
		t.Fatal("Terminate did not close an in-flight acquired connection")
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if err := pool.WaitClosed(waitCtx); err != nil {
		t.Fatalf("WaitClosed after Terminate: %v", err)
	}
}
