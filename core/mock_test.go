package core

import (
	"sync"

	"github.com/google/uuid"
)

// testEndpoint records everything a handler asks the connection layer to
// do.
type testEndpoint struct {
	mu       sync.Mutex
	sent     []ByteSlice
	closed   bool
	failSend bool
}

func (e *testEndpoint) doSend(msg ByteSlice) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failSend || e.closed {
		return false
	}
	e.sent = append(e.sent, msg)
	return true
}

func (e *testEndpoint) closeConnection() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return true
}

func (e *testEndpoint) sentMessages() []ByteSlice {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ByteSlice, len(e.sent))
	copy(out, e.sent)
	return out
}

func (e *testEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type notifyRecord struct {
	command uint32
	payload []byte
	conn    uuid.UUID
}

// testCommands is a scriptable commands handler.
type testCommands struct {
	mu         sync.Mutex
	notifies   []notifyRecord
	invokes    []notifyRecord
	opened     []uuid.UUID
	closedIDs  []uuid.UUID
	handshook  map[uuid.UUID]bool
	invokeCode int32
	invokeOut  []byte
	perCmdMax  map[uint32]uint64
}

func newTestCommands() *testCommands {
	return &testCommands{handshook: make(map[uuid.UUID]bool)}
}

func (c *testCommands) Invoke(command uint32, in []byte, ctx *ConnectionContext) (int32, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invokes = append(c.invokes, notifyRecord{command, append([]byte{}, in...), ctx.ID})
	if command == CommandHandshake {
		c.handshook[ctx.ID] = true
	}
	return c.invokeCode, c.invokeOut
}

func (c *testCommands) Notify(command uint32, in []byte, ctx *ConnectionContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifies = append(c.notifies, notifyRecord{command, append([]byte{}, in...), ctx.ID})
}

func (c *testCommands) OnConnectionNew(ctx *ConnectionContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = append(c.opened, ctx.ID)
}

func (c *testCommands) OnConnectionClose(ctx *ConnectionContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedIDs = append(c.closedIDs, ctx.ID)
}

func (c *testCommands) Callback(ctx *ConnectionContext) {}

func (c *testCommands) HandshakeCommand() uint32 { return CommandHandshake }

func (c *testCommands) HandshakeComplete(ctx *ConnectionContext) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshook[ctx.ID]
}

func (c *testCommands) MaxBytes(command uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perCmdMax != nil {
		if limit, ok := c.perCmdMax[command]; ok {
			return limit
		}
	}
	return DefaultMaxPacketSize
}

func (c *testCommands) notifyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notifies)
}

func (c *testCommands) lastNotify() notifyRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifies[len(c.notifies)-1]
}

// waitStrand blocks until every task queued on s before the call has run.
func waitStrand(s *Strand) {
	done := make(chan struct{})
	s.Post(func() { close(done) })
	<-done
}

// testCoreEvents records relay callbacks.
type testCoreEvents struct {
	mu      sync.Mutex
	relayed []RelayMethod
}

func (e *testCoreEvents) IsSynchronized() bool            { return true }
func (e *testCoreEvents) CurrentBlockchainHeight() uint64 { return 100 }

func (e *testCoreEvents) OnTransactionsRelayed(txs [][]byte, method RelayMethod) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relayed = append(e.relayed, method)
}

func (e *testCoreEvents) methods() []RelayMethod {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RelayMethod, len(e.relayed))
	copy(out, e.relayed)
	return out
}
