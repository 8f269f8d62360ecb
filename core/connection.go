package core

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

const readChunkSize = 8192

// Connection owns one socket: a read pump that feeds the levin handler and
// a single-writer send queue. The read pump goroutine is the connection's
// serialization domain for the receive state machine; the send queue is
// guarded by its own lock with at most one writer goroutine in flight.
type Connection struct {
	mgr     *ConnectionManager
	conn    net.Conn
	ctx     *ConnectionContext
	handler *LevinHandler

	sendMu  sync.Mutex
	sendQ   deque.Deque[ByteSlice]
	writing bool

	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func newConnection(mgr *ConnectionManager, raw net.Conn, incoming bool) *Connection {
	ctx := NewConnectionContext(raw.RemoteAddr().String(), incoming)
	c := &Connection{
		mgr:  mgr,
		conn: raw,
		ctx:  ctx,
		done: make(chan struct{}),
	}
	c.handler = NewLevinHandler(mgr.levin, c, ctx)
	mgr.track(c)
	go c.readLoop()
	return c
}

// Context returns the connection's metadata.
func (c *Connection) Context() *ConnectionContext { return c.ctx }

// doSend implements serviceEndpoint: enqueue one framed message, spinning
// up the writer when the queue was idle. A full queue fails the send.
func (c *Connection) doSend(msg ByteSlice) bool {
	if c.closed.Load() {
		return false
	}
	c.sendMu.Lock()
	if c.sendQ.Len() >= c.mgr.levin.SendQueueMax {
		c.sendMu.Unlock()
		logrus.Warnf("net: %s send queue full, dropping message", c.ctx.RemoteAddr)
		return false
	}
	c.sendQ.PushBack(msg)
	start := !c.writing
	if start {
		c.writing = true
	}
	c.sendMu.Unlock()
	if start {
		go c.writeLoop()
	}
	return true
}

// closeConnection implements serviceEndpoint.
func (c *Connection) closeConnection() bool {
	c.terminate()
	return true
}

func (c *Connection) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		if t := c.mgr.cfg.ReadTimeout; t > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(t))
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			if d := ThrottleDown().ComputeSleep(n); d > 0 {
				c.mgr.clockSleep(d)
			}
			if herr := c.handler.OnReceive(buf[:n]); herr != nil {
				logrus.Warnf("net: %s protocol error: %v", c.ctx.RemoteAddr, herr)
				c.terminate()
				return
			}
		}
		if err != nil {
			if !c.closed.Load() {
				logrus.Debugf("net: %s read ended: %v", c.ctx.RemoteAddr, err)
			}
			c.terminate()
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		c.sendMu.Lock()
		if c.sendQ.Len() == 0 || c.closed.Load() {
			c.writing = false
			c.sendMu.Unlock()
			return
		}
		msg := c.sendQ.PopFront()
		c.sendMu.Unlock()

		if d := ThrottleUp().ComputeSleep(msg.Len()); d > 0 {
			c.mgr.clockSleep(d)
		}
		if t := c.mgr.cfg.WriteTimeout; t > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(t))
		}
		if _, err := c.conn.Write(msg.Data()); err != nil {
			if !c.closed.Load() {
				logrus.Debugf("net: %s write failed: %v", c.ctx.RemoteAddr, err)
			}
			c.terminate()
			return
		}
		c.ctx.AddSend(uint64(msg.Len()))
		metricBytesOut.Add(float64(msg.Len()))
	}
}

// terminate is the connection's single terminal transition: close the
// socket, drop queued writes, fire pending invokes with a destruction
// notice and deregister everywhere. Idempotent.
func (c *Connection) terminate() {
	c.once.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()

		c.sendMu.Lock()
		c.sendQ.Clear()
		c.sendMu.Unlock()

		c.handler.releaseProtocol()
		c.mgr.untrack(c)
		close(c.done)
	})
}

// Done is closed once the connection has fully terminated.
func (c *Connection) Done() <-chan struct{} { return c.done }
