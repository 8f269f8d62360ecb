package core

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Handler limit defaults, taken over from the wire protocol's reference
// deployment. The pre-handshake cap is deliberately small so an anonymous
// peer cannot force large allocations before it has identified itself.
const (
	DefaultInitialMaxPacketSize uint64 = 256 * 1024
	DefaultMaxPacketSize        uint64 = 100 * 1024 * 1024
	DefaultInvokeTimeout               = 5 * time.Second
	DefaultSendQueueMax                = 1000
	DefaultFragmentTimeout             = 60 * time.Second
)

// HandlerConfig is the shared state of every levin handler: the registry of
// live connections, the global limits and the pluggable commands handler.
// Mutations are guarded by one lock; callbacks into the commands handler
// are always made outside it.
type HandlerConfig struct {
	Commands CommandsHandler
	Clock    clock.Clock

	InvokeTimeout        time.Duration
	InitialMaxPacketSize uint64
	MaxPacketSize        uint64
	SendQueueMax         int
	FragmentTimeout      time.Duration

	mu            sync.Mutex
	conns         map[uuid.UUID]*LevinHandler
	incomingCount int
	outgoingCount int
}

// NewHandlerConfig returns a config with the default limits and a live
// wall clock.
func NewHandlerConfig(commands CommandsHandler) *HandlerConfig {
	return &HandlerConfig{
		Commands:             commands,
		Clock:                clock.New(),
		InvokeTimeout:        DefaultInvokeTimeout,
		InitialMaxPacketSize: DefaultInitialMaxPacketSize,
		MaxPacketSize:        DefaultMaxPacketSize,
		SendQueueMax:         DefaultSendQueueMax,
		FragmentTimeout:      DefaultFragmentTimeout,
		conns:                make(map[uuid.UUID]*LevinHandler),
	}
}

func (c *HandlerConfig) register(h *LevinHandler) {
	c.mu.Lock()
	if c.conns == nil {
		c.conns = make(map[uuid.UUID]*LevinHandler)
	}
	c.conns[h.ctx.ID] = h
	if h.ctx.Incoming {
		c.incomingCount++
	} else {
		c.outgoingCount++
	}
	c.mu.Unlock()
	c.Commands.OnConnectionNew(h.ctx)
}

func (c *HandlerConfig) unregister(h *LevinHandler) {
	c.mu.Lock()
	_, present := c.conns[h.ctx.ID]
	if present {
		delete(c.conns, h.ctx.ID)
		if h.ctx.Incoming {
			c.incomingCount--
		} else {
			c.outgoingCount--
		}
	}
	c.mu.Unlock()
	if present {
		c.Commands.OnConnectionClose(h.ctx)
	}
}

func (c *HandlerConfig) find(id uuid.UUID) *LevinHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[id]
}

// ConnectionCount reports (incoming, outgoing) live connections.
func (c *HandlerConfig) ConnectionCount() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incomingCount, c.outgoingCount
}

// Send enqueues an already-framed message on the identified connection.
func (c *HandlerConfig) Send(msg ByteSlice, id uuid.UUID) bool {
	h := c.find(id)
	if h == nil {
		return false
	}
	return h.Send(msg)
}

// InvokeAsync issues a request on the identified connection; cb fires
// exactly once with the response, a timeout, a destruction notice or a
// send failure.
func (c *HandlerConfig) InvokeAsync(id uuid.UUID, command uint32, payload []byte, cb InvokeCallback, timeout time.Duration) error {
	h := c.find(id)
	if h == nil {
		return ErrConnectionDestroyed
	}
	if timeout <= 0 {
		timeout = c.InvokeTimeout
	}
	return h.InvokeAsync(command, payload, cb, timeout)
}

// Close requests termination of the identified connection.
func (c *HandlerConfig) Close(id uuid.UUID) bool {
	h := c.find(id)
	if h == nil {
		return false
	}
	h.Close()
	return true
}

// RequestCallback schedules a commands-handler callback on the identified
// connection.
func (c *HandlerConfig) RequestCallback(id uuid.UUID) bool {
	h := c.find(id)
	if h == nil {
		return false
	}
	c.Commands.Callback(h.ctx)
	return true
}

// ForEachConnection calls fn for every live connection. The registry is
// snapshotted under the lock and fn runs outside it; returning false stops
// the iteration.
func (c *HandlerConfig) ForEachConnection(fn func(h *LevinHandler) bool) {
	c.mu.Lock()
	snapshot := make([]*LevinHandler, 0, len(c.conns))
	for _, h := range c.conns {
		snapshot = append(snapshot, h)
	}
	c.mu.Unlock()
	for _, h := range snapshot {
		if !fn(h) {
			return
		}
	}
}

// ForConnection calls fn with the identified connection, if it is live.
func (c *HandlerConfig) ForConnection(id uuid.UUID, fn func(h *LevinHandler) bool) bool {
	h := c.find(id)
	if h == nil {
		return false
	}
	return fn(h)
}

// OutgoingConnections snapshots the ids of live outbound connections; the
// relay zones rebuild their stem maps from it.
func (c *HandlerConfig) OutgoingConnections() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, c.outgoingCount)
	for id, h := range c.conns {
		if !h.ctx.Incoming {
			out = append(out, id)
		}
	}
	return out
}

// DeleteConnections closes up to count random connections of the given
// direction.
func (c *HandlerConfig) DeleteConnections(count int, incoming bool) {
	c.mu.Lock()
	candidates := make([]*LevinHandler, 0, len(c.conns))
	for _, h := range c.conns {
		if h.ctx.Incoming == incoming {
			candidates = append(candidates, h)
		}
	}
	c.mu.Unlock()

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if count < len(candidates) {
		candidates = candidates[:count]
	}
	for _, h := range candidates {
		h.Close()
	}
}
