package core

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// P2P command ids understood by the relay core. Higher-level payloads are
// opaque to the transport; these two ids matter because the handshake
// raises the packet-size limit and the tx notification drives the relay
// engine.
const (
	CommandHandshake       uint32 = 1001
	CommandNewTransactions uint32 = 2002
)

// RelayMethod describes how a transaction entered (or should leave) the
// relay engine.
type RelayMethod int

const (
	RelayNone RelayMethod = iota
	RelayLocal
	RelayForward
	RelayStem
	RelayFluff
	RelayBlock
)

func (m RelayMethod) String() string {
	switch m {
	case RelayNone:
		return "none"
	case RelayLocal:
		return "local"
	case RelayForward:
		return "forward"
	case RelayStem:
		return "stem"
	case RelayFluff:
		return "fluff"
	case RelayBlock:
		return "block"
	}
	return "unknown"
}

// ConnState tracks the lifecycle of a connection's protocol handler.
type ConnState int

const (
	StateReadingHeader ConnState = iota
	StateReadingBody
	StateClosing
	StateTerminated
)

// ConnectionContext is the per-connection metadata handed to the commands
// handler on every callback. The ID keys the connection in the registry,
// the dandelion map and the relay zones.
type ConnectionContext struct {
	ID         uuid.UUID
	RemoteAddr string
	Incoming   bool

	recvBytes atomic.Uint64
	sendBytes atomic.Uint64
}

// NewConnectionContext allocates a context with a fresh random id.
func NewConnectionContext(remoteAddr string, incoming bool) *ConnectionContext {
	return &ConnectionContext{ID: uuid.New(), RemoteAddr: remoteAddr, Incoming: incoming}
}

// AddRecv accounts n received bytes.
func (c *ConnectionContext) AddRecv(n uint64) { c.recvBytes.Add(n) }

// AddSend accounts n sent bytes.
func (c *ConnectionContext) AddSend(n uint64) { c.sendBytes.Add(n) }

// RecvBytes reports the total bytes received on the connection.
func (c *ConnectionContext) RecvBytes() uint64 { return c.recvBytes.Load() }

// SendBytes reports the total bytes sent on the connection.
func (c *ConnectionContext) SendBytes() uint64 { return c.sendBytes.Load() }

// CommandsHandler is implemented outside the core and receives every
// decoded message plus connection lifecycle callbacks.
type CommandsHandler interface {
	// Invoke handles a request that expects a response and returns the
	// return code plus the response payload.
	Invoke(command uint32, in []byte, ctx *ConnectionContext) (int32, []byte)
	// Notify handles a one-way request.
	Notify(command uint32, in []byte, ctx *ConnectionContext)

	OnConnectionNew(ctx *ConnectionContext)
	OnConnectionClose(ctx *ConnectionContext)
	Callback(ctx *ConnectionContext)

	// HandshakeCommand identifies the command whose successful completion
	// lifts the pre-handshake packet-size limit.
	HandshakeCommand() uint32
	// HandshakeComplete reports whether the handshake has finished for the
	// connection.
	HandshakeComplete(ctx *ConnectionContext) bool
	// MaxBytes bounds the payload size of an individual command; sizes
	// above the global packet cap are clamped to it.
	MaxBytes(command uint32) uint64
}

// CoreEvents is the narrow view of the consensus engine the relay notifier
// needs.
type CoreEvents interface {
	IsSynchronized() bool
	CurrentBlockchainHeight() uint64
	// OnTransactionsRelayed tells the mempool how a batch of transactions
	// left this node so their visibility can be tracked.
	OnTransactionsRelayed(txs [][]byte, method RelayMethod)
}
