package main

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"veilnet-network/core"
)

// nopCommands is the daemon's placeholder protocol logic: it accepts every
// handshake, forwards transaction notifies into the relay engine and
// answers unknown invokes with an error code. The real cryptonote command
// set plugs in through the same interface.
type nopCommands struct {
	notifier *core.Notifier

	mu        sync.Mutex
	handshook map[uuid.UUID]bool
}

func newNopCommands() *nopCommands {
	return &nopCommands{handshook: make(map[uuid.UUID]bool)}
}

func (c *nopCommands) Invoke(command uint32, in []byte, ctx *core.ConnectionContext) (int32, []byte) {
	if command == core.CommandHandshake {
		c.mu.Lock()
		c.handshook[ctx.ID] = true
		c.mu.Unlock()
		return 0, nil
	}
	logrus.Debugf("veilnetd: unhandled invoke %d from %s", command, ctx.RemoteAddr)
	return -1, nil
}

func (c *nopCommands) Notify(command uint32, in []byte, ctx *core.ConnectionContext) {
	if command != core.CommandNewTransactions || c.notifier == nil {
		return
	}
	msg, err := core.DecodeTxMessage(in)
	if err != nil {
		logrus.Debugf("veilnetd: bad tx notify from %s: %v", ctx.RemoteAddr, err)
		return
	}
	method := core.RelayStem
	if msg.DandelionFluff {
		method = core.RelayFluff
	}
	c.notifier.SendTxs(msg.Txs, ctx.ID, method)
}

func (c *nopCommands) OnConnectionNew(ctx *core.ConnectionContext) {
	logrus.Debugf("veilnetd: connection %s up (%s)", ctx.ID, ctx.RemoteAddr)
}

func (c *nopCommands) OnConnectionClose(ctx *core.ConnectionContext) {
	c.mu.Lock()
	delete(c.handshook, ctx.ID)
	c.mu.Unlock()
	if c.notifier != nil {
		c.notifier.OnConnectionClose(ctx.ID)
	}
}

func (c *nopCommands) Callback(ctx *core.ConnectionContext) {}

func (c *nopCommands) HandshakeCommand() uint32 { return core.CommandHandshake }

func (c *nopCommands) HandshakeComplete(ctx *core.ConnectionContext) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handshook[ctx.ID] {
		if c.notifier != nil {
			c.notifier.OnHandshakeComplete(ctx.ID, ctx.Incoming)
		}
		return true
	}
	return false
}

func (c *nopCommands) MaxBytes(command uint32) uint64 { return core.DefaultMaxPacketSize }

// nopCoreEvents satisfies the relay engine when no consensus engine is
// linked in.
type nopCoreEvents struct{}

func (nopCoreEvents) IsSynchronized() bool                                   { return true }
func (nopCoreEvents) CurrentBlockchainHeight() uint64                        { return 0 }
func (nopCoreEvents) OnTransactionsRelayed(txs [][]byte, m core.RelayMethod) {}
