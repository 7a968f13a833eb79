// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package https

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/https-go/pkg/https/internal/coio"
)

const (
	// acquireDeadline bounds one foreground connect attempt.
	acquireDeadline = 10 * time.Second
	// acquireInitialDelay is the first checkpoint distance; it doubles
	// each iteration up to the deadline.
	acquireInitialDelay = 8 * time.Millisecond
	// speculativeDeadline bounds a background connect, per address.
	speculativeDeadline = 300 * time.Millisecond

	// purgeBatch is the number of removals between purge pacing sleeps,
	// capping the clean rate at roughly 6400 sockets/sec.
	purgeBatch      = 64
	purgeBatchPause = 10 * time.Millisecond
)

// idleSocket is one parked connection: the socket plus its handshaken
// stream, if any.
type idleSocket struct {
	conn   *coio.Conn
	stream *ClientStream
}

// PooledConn is a connection handed out by the pool to exactly one user at
// a time. It is either released back on success or dropped on error; a
// stream that comes back out of the pool has completed its handshake
// exactly once.
type PooledConn struct {
	cache  *ConnCache
	conn   *coio.Conn
	stream *ClientStream
	host   *ResolvedHost

	// Reused is true when Acquire's initial drain of the idle queue
	// supplied the connection. A queued connection adopted at a connect
	// checkpoint reports false.
	Reused bool

	settled bool
}

// Conn exposes the underlying socket.
func (pc *PooledConn) Conn() *coio.Conn {
	return pc.conn
}

// Stream returns the attached TLS stream, nil before the first handshake.
func (pc *PooledConn) Stream() *ClientStream {
	return pc.stream
}

// SetStream attaches the TLS stream, possibly before its first handshake;
// it follows the socket through the pool from here on.
func (pc *PooledConn) SetStream(s *ClientStream) {
	pc.stream = s
}

// Drop closes the connection instead of returning it to the pool.
func (pc *PooledConn) Drop() {
	if pc.settled {
		return
	}
	pc.settled = true

	pc.cache.active.Add(-1)
	if pc.stream != nil {
		pc.stream.Close(false)
	} else {
		_ = pc.conn.Close()
	}
}

// connList is one host's queue of idle connections. Acquire pops the
// newest entry, the purger shaves the oldest.
type connList struct {
	mu    sync.Mutex
	conns []*idleSocket
}

func (l *connList) pushNewest(is *idleSocket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns = append(l.conns, is)
}

func (l *connList) pushOldest(is *idleSocket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns = append([]*idleSocket{is}, l.conns...)
}

func (l *connList) popNewest() *idleSocket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.conns) == 0 {
		return nil
	}
	is := l.conns[len(l.conns)-1]
	l.conns = l.conns[:len(l.conns)-1]
	return is
}

func (l *connList) popOldest() *idleSocket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.conns) == 0 {
		return nil
	}
	is := l.conns[0]
	l.conns = l.conns[1:]
	return is
}

func (l *connList) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// ConnCache is the per-host pool of idle outgoing connections. It honours
// a soft/hard fd budget, hedges fresh connects with speculative background
// ones, and sheds idle connections through a dedicated purger goroutine.
type ConnCache struct {
	mu     sync.Mutex
	limits FdLimits

	active atomic.Int64
	cached atomic.Int64

	lists     sync.Map // host id -> *connList
	maxHostID atomic.Int64

	inPurge   atomic.Bool
	purgeMu   sync.Mutex
	purgeCond *sync.Cond
	purgeReq  bool
	shutdown  bool
	purgeAck  chan struct{}
}

// NewConnCache creates the pool and starts its purger.
func NewConnCache(limits FdLimits) *ConnCache {
	cc := &ConnCache{
		limits:   limits,
		purgeAck: make(chan struct{}),
	}
	cc.maxHostID.Store(-1)
	cc.purgeCond = sync.NewCond(&cc.purgeMu)

	go cc.purger()

	return cc
}

// Close shuts the purger down and drops every idle connection.
func (cc *ConnCache) Close() {
	cc.purgeMu.Lock()
	cc.shutdown = true
	cc.purgeCond.Signal()
	cc.purgeMu.Unlock()

	<-cc.purgeAck

	cc.lists.Range(func(_, value any) bool {
		lst := value.(*connList)
		for is := lst.popNewest(); is != nil; is = lst.popNewest() {
			cc.cached.Add(-1)
			_ = is.conn.Close()
		}
		return true
	})
}

func (cc *ConnCache) fdLimits() FdLimits {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.limits
}

// SetFdLimits replaces the fd budget.
func (cc *ConnCache) SetFdLimits(limits FdLimits) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.limits = limits
}

func (cc *ConnCache) totalSockets() int {
	return int(cc.active.Load() + cc.cached.Load())
}

func (cc *ConnCache) exceedSoftLimit() int {
	return ExceedLimit(cc.totalSockets(), cc.fdLimits().Soft)
}

func (cc *ConnCache) list(id int) *connList {
	if lst, ok := cc.lists.Load(id); ok {
		return lst.(*connList)
	}
	lst, _ := cc.lists.LoadOrStore(id, new(connList))
	return lst.(*connList)
}

// Stats is a point-in-time snapshot of the pool counters.
type Stats struct {
	Active    int `json:"active"`
	Cached    int `json:"cached"`
	SoftLimit int `json:"soft_limit"`
	HardLimit int `json:"hard_limit"`
}

// Stats snapshots the pool counters.
func (cc *ConnCache) Stats() Stats {
	limits := cc.fdLimits()
	return Stats{
		Active:    int(cc.active.Load()),
		Cached:    int(cc.cached.Load()),
		SoftLimit: limits.Soft,
		HardLimit: limits.Hard,
	}
}

// Acquire hands out a connection to host: a live idle one when available,
// a fresh one otherwise. Fresh connects run an adaptive checkpoint loop
// that keeps re-checking the idle queue, so a speculative connect landing
// in between is adopted instead of waited out.
func (cc *ConnCache) Acquire(ctx context.Context, host *ResolvedHost) (*PooledConn, *Error) {
	if cc.totalSockets() >= cc.fdLimits().Hard {
		return nil, newError(KindOutputLimit, "output connections limit reached")
	}

	lst := cc.list(host.ID)

	for is := lst.popNewest(); is != nil; is = lst.popNewest() {
		cc.cached.Add(-1)

		if !is.conn.Alive() {
			_ = is.conn.Close()
			continue
		}

		if lst.size() == 0 {
			// available connections exhausted, restock in the background
			go cc.connector(host)
		}

		cc.active.Add(1)
		return &PooledConn{cache: cc, conn: is.conn, stream: is.stream, host: host, Reused: true}, nil
	}

	// hedge the foreground connect with a speculative one
	go cc.connector(host)

	return cc.connectForeground(ctx, host, lst)
}

type dialResult struct {
	conn *net.TCPConn
	err  error
}

func (cc *ConnCache) connectForeground(ctx context.Context, host *ResolvedHost, lst *connList) (*PooledConn, *Error) {
	deadline := time.Now().Add(acquireDeadline)

	dialCtx, dialCancel := context.WithDeadline(ctx, deadline)
	dialCh := make(chan dialResult, 1)
	go func() {
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", host.Addrs[0])
		if err != nil {
			dialCh <- dialResult{err: err}
			return
		}
		dialCh <- dialResult{conn: conn.(*net.TCPConn)}
	}()

	delay := acquireInitialDelay
	for {
		checkpoint := time.Now().Add(delay)
		if checkpoint.After(deadline) {
			checkpoint = deadline
		}
		timer := time.NewTimer(time.Until(checkpoint))

		select {
		case res := <-dialCh:
			timer.Stop()
			dialCancel()

			if res.err != nil {
				if ctx.Err() != nil {
					return nil, newError(KindCancelled, "canceled")
				}
				return nil, wrapError(KindConnect, "can not connect to "+host.Addrs[0],
					multierror.Append(nil, res.err))
			}

			conn, err := coio.Wrap(res.conn)
			if err != nil {
				_ = res.conn.Close()
				return nil, wrapError(KindConnect, "can not prepare socket", err)
			}
			_ = conn.SetNoDelay(true)

			cc.active.Add(1)
			return &PooledConn{cache: cc, conn: conn, host: host}, nil

		case <-timer.C:
			// checkpoint: a speculative connect may have landed meanwhile
			if is := lst.popNewest(); is != nil {
				cc.cached.Add(-1)

				if is.conn.Alive() {
					// adopt the queued one; the in-flight dial turns into a
					// second speculative connect and lands in the pool
					go cc.adoptInflight(host, dialCh, dialCancel)

					cc.active.Add(1)
					return &PooledConn{cache: cc, conn: is.conn, stream: is.stream, host: host}, nil
				}
				_ = is.conn.Close()
			}

			if !time.Now().Before(deadline) {
				dialCancel()
				go drainDial(dialCh)
				return nil, newError(KindConnect, "can not connect to "+host.Addrs[0])
			}

			delay += delay
		}
	}
}

// adoptInflight gives an abandoned foreground dial the same treatment as a
// speculative connect: up to 300 ms to finish, then release into the pool.
func (cc *ConnCache) adoptInflight(host *ResolvedHost, dialCh <-chan dialResult, cancel context.CancelFunc) {
	defer cancel()

	timer := time.NewTimer(speculativeDeadline)
	defer timer.Stop()

	select {
	case res := <-dialCh:
		cc.adoptDialed(host, res)

	case <-timer.C:
		cancel()
		cc.adoptDialed(host, <-dialCh)
	}
}

func (cc *ConnCache) adoptDialed(host *ResolvedHost, res dialResult) {
	if res.err != nil {
		return
	}

	conn, err := coio.Wrap(res.conn)
	if err != nil {
		_ = res.conn.Close()
		return
	}
	_ = conn.SetNoDelay(true)

	cc.active.Add(1)
	cc.Release(&PooledConn{cache: cc, conn: conn, host: host})
}

func drainDial(dialCh <-chan dialResult) {
	if res := <-dialCh; res.conn != nil {
		_ = res.conn.Close()
	}
}

// connector is the speculative background connect: try each address with a
// 300 ms deadline and release the first success into the pool. Errors are
// swallowed; this is a best-effort fill.
func (cc *ConnCache) connector(host *ResolvedHost) {
	for _, addr := range host.Addrs {
		tcp, err := net.DialTimeout("tcp", addr, speculativeDeadline)
		if err != nil {
			continue
		}

		conn, err := coio.Wrap(tcp.(*net.TCPConn))
		if err != nil {
			_ = tcp.Close()
			return
		}
		_ = conn.SetNoDelay(true)

		cc.active.Add(1)
		cc.Release(&PooledConn{cache: cc, conn: conn, host: host})
		return
	}
}

// Release parks the connection for reuse, or drops it when the pool is
// already over its hard limit. A release that pushes the cache over the
// soft limit nudges the purger.
func (cc *ConnCache) Release(pc *PooledConn) {
	if pc.settled {
		return
	}

	if cc.totalSockets() <= cc.fdLimits().Hard {
		for {
			cur := cc.maxHostID.Load()
			if cur >= int64(pc.host.ID) || cc.maxHostID.CompareAndSwap(cur, int64(pc.host.ID)) {
				break
			}
		}

		pc.settled = true
		cc.cached.Add(1)
		cc.active.Add(-1)
		cc.list(pc.host.ID).pushNewest(&idleSocket{conn: pc.conn, stream: pc.stream})
	} else {
		pc.Drop()
	}

	if cc.cached.Load() > 0 && cc.exceedSoftLimit() > 0 {
		cc.suggestPurge()
	}
}

// suggestPurge wakes the purger if a run looks worthwhile right now. The
// need grows as the pool nears its hard limit and as the cache dwarfs the
// working set.
func (cc *ConnCache) suggestPurge() {
	if !cc.inPurge.CompareAndSwap(false, true) {
		return
	}

	cached := cc.cached.Load()
	maxID := cc.maxHostID.Load() + 1

	if maxID > 1024 {
		maxID = 1024
	}
	if cached > maxID>>4 {
		active := cc.active.Load()
		delta := int64(cc.fdLimits().Delta())

		closenessToHardLimit256 := ((active + 1) << 8) / (delta + 1)
		cacheUselessness256 := ((cached + 1) << 8) / (active + 1)

		if closenessToHardLimit256+cacheUselessness256 >= 256 {
			cc.purgeMu.Lock()
			cc.purgeReq = true
			cc.purgeCond.Signal()
			cc.purgeMu.Unlock()
			// the purger unlocks inPurge after its run
			return
		}
	}

	cc.inPurge.Store(false)
}

func (cc *ConnCache) purger() {
	defer close(cc.purgeAck)

	for {
		cc.purgeMu.Lock()
		for !cc.purgeReq && !cc.shutdown {
			cc.purgeCond.Wait()
		}
		if cc.shutdown {
			cc.purgeMu.Unlock()
			return
		}
		cc.purgeReq = false
		cc.purgeMu.Unlock()

		cc.purge()

		cc.inPurge.Store(false)
	}
}

// purge sheds a fraction of every host's idle queue, at least 1/32 and at
// most all of it, proportional to the soft-limit excess. A queue of at most
// two entries whose share rounds down to zero gets a liveness check instead
// of a blind removal.
func (cc *ConnCache) purge() {
	exceed := int64(cc.exceedSoftLimit())
	frac256 := (exceed << 8) / (cc.cached.Load() + 1)
	if frac256 < 256/32 {
		frac256 = 256 / 32
	}
	if frac256 > 256 {
		frac256 = 256
	}

	processed := 0
	maxID := int(cc.maxHostID.Load())
	for id := 0; id <= maxID && !cc.isShutdown(); id++ {
		lst, ok := cc.lists.Load(id)
		if !ok {
			continue
		}
		queue := lst.(*connList)

		qsize := queue.size()
		if qsize == 0 {
			continue
		}

		purgeCounter := (qsize * int(frac256)) >> 8
		if purgeCounter == 0 {
			if qsize <= 2 {
				if is := queue.popOldest(); is != nil {
					if is.conn.Alive() {
						queue.pushOldest(is)
					} else {
						_ = is.conn.Close()
						cc.onPurgedSocket(&processed)
					}
				}
				continue
			}
			purgeCounter = 1
		}

		for ; purgeCounter > 0; purgeCounter-- {
			is := queue.popOldest()
			if is == nil {
				break
			}
			_ = is.conn.Close()
			cc.onPurgedSocket(&processed)
		}
	}

	log.WithFields(log.Fields{
		"purged": processed,
		"cached": cc.cached.Load(),
	}).Debug("Connection cache purge finished")
}

func (cc *ConnCache) onPurgedSocket(processed *int) {
	cc.cached.Add(-1)
	*processed++
	if *processed%purgeBatch == 0 {
		time.Sleep(purgeBatchPause)
	}
}

func (cc *ConnCache) isShutdown() bool {
	cc.purgeMu.Lock()
	defer cc.purgeMu.Unlock()
	return cc.shutdown
}
