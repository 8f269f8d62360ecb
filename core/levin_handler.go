package core

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

// minBytesWanted is the smallest chunk of a partial message body that
// counts as forward progress; receiving at least this much resets the
// front invoke timer so large legitimate responses do not time out.
const minBytesWanted = 512

// InvokeCallback receives the outcome of an asynchronous invoke. Exactly
// one outcome fires it: a response (err nil), a timeout
// (ErrConnectionTimedOut), connection teardown (ErrConnectionDestroyed) or
// a failure to queue the request (ErrSendFailed).
type InvokeCallback func(err error, returnCode int32, payload []byte, ctx *ConnectionContext)

type invokeWaiter struct {
	command uint32
	timeout time.Duration
	cb      InvokeCallback
	timer   *clock.Timer
	fired   atomic.Bool
}

// fire invokes the callback at most once.
func (w *invokeWaiter) fire(err error, returnCode int32, payload []byte, ctx *ConnectionContext) {
	if !w.fired.CompareAndSwap(false, true) {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cb(err, returnCode, payload, ctx)
}

// serviceEndpoint is the narrow view of a connection the protocol handler
// needs: queue bytes for writing, request termination.
type serviceEndpoint interface {
	doSend(msg ByteSlice) bool
	closeConnection() bool
}

// LevinHandler decodes one connection's inbound byte stream into logical
// messages, dispatches them to the commands handler and frames outbound
// traffic. All receive-side calls are serialized by the connection strand;
// the invoke table and send path are safe to use from any goroutine.
type LevinHandler struct {
	config   *HandlerConfig
	endpoint serviceEndpoint
	ctx      *ConnectionContext

	// Receive side, only touched on the connection strand.
	recv     Buffer
	state    atomic.Int32
	curHead  LevinHeader
	fragment []byte

	fragmentTimer *clock.Timer
	maxPacket     atomic.Uint64
	handshaken    atomic.Bool

	invokeMu sync.Mutex
	invokes  deque.Deque[*invokeWaiter]
	closed   atomic.Bool
}

// NewLevinHandler binds a handler to its connection endpoint and registers
// it with the shared config.
func NewLevinHandler(config *HandlerConfig, endpoint serviceEndpoint, ctx *ConnectionContext) *LevinHandler {
	h := &LevinHandler{
		config:   config,
		endpoint: endpoint,
		ctx:      ctx,
	}
	h.state.Store(int32(StateReadingHeader))
	h.maxPacket.Store(config.InitialMaxPacketSize)
	config.register(h)
	return h
}

// Context returns the connection metadata the handler serves.
func (h *LevinHandler) Context() *ConnectionContext { return h.ctx }

// State reports the receive state machine's current state.
func (h *LevinHandler) State() ConnState { return ConnState(h.state.Load()) }

// OnReceive appends freshly read bytes and advances the state machine as
// far as the buffered data allows. A non-nil return is a fatal protocol
// error; the caller must terminate the connection.
func (h *LevinHandler) OnReceive(data []byte) error {
	if h.closed.Load() {
		return nil
	}
	maxPacket := h.maxPacket.Load()
	if uint64(len(data))+uint64(h.recv.Size())+uint64(len(h.fragment)) > maxPacket {
		logrus.Warnf("levin: %s exceeded maximum packet size %d", h.ctx.RemoteAddr, maxPacket)
		return h.fatal(ErrPacketTooLarge)
	}
	h.recv.Append(data)
	h.ctx.AddRecv(uint64(len(data)))
	metricBytesIn.Add(float64(len(data)))

	for {
		switch h.State() {
		case StateReadingHeader:
			if h.recv.Size() < LevinHeaderSize {
				// The signature occupies the first eight bytes, so a bogus
				// peer can be cut off before the full header arrives.
				if h.recv.Size() >= 8 {
					span, _ := h.recv.Span(8)
					if binary.LittleEndian.Uint64(span) != LevinSignature {
						logrus.Warnf("levin: %s sent bad signature", h.ctx.RemoteAddr)
						return h.fatal(ErrBadSignature)
					}
				}
				return nil
			}
			raw, _ := h.recv.Carve(LevinHeaderSize)
			head, err := ParseHeader(raw)
			if err != nil {
				logrus.Warnf("levin: %s sent unparsable header: %v", h.ctx.RemoteAddr, err)
				return h.fatal(err)
			}
			if head.PayloadLen > h.commandMax(head.Command) {
				logrus.Warnf("levin: %s command %d payload of %d bytes over limit", h.ctx.RemoteAddr, head.Command, head.PayloadLen)
				return h.fatal(ErrPacketTooLarge)
			}
			h.curHead = head
			h.state.Store(int32(StateReadingBody))

		case StateReadingBody:
			if uint64(h.recv.Size()) < h.curHead.PayloadLen {
				// Partial body: treat a sizable chunk as progress on the
				// oldest outstanding invoke so a long transfer is not
				// killed by the idle timeout.
				if h.recv.Size() >= minBytesWanted {
					h.resetFrontInvokeTimer()
				}
				return nil
			}
			payload, _ := h.recv.Carve(int(h.curHead.PayloadLen))
			head := h.curHead
			h.state.Store(int32(StateReadingHeader))
			if err := h.handleMessage(head, payload); err != nil {
				return h.fatal(err)
			}
			if h.closed.Load() {
				return nil
			}

		default:
			return nil
		}
	}
}

// commandMax is the per-message cap for a given command: the lower of the
// connection's current packet limit and the command-specific bound.
func (h *LevinHandler) commandMax(command uint32) uint64 {
	limit := h.maxPacket.Load()
	if per := h.config.Commands.MaxBytes(command); per < limit {
		limit = per
	}
	return limit
}

func (h *LevinHandler) handleMessage(head LevinHeader, payload []byte) error {
	if head.IsFragment() {
		return h.handleFragment(head, payload)
	}
	return h.dispatch(head, payload)
}

func (h *LevinHandler) handleFragment(head LevinHeader, payload []byte) error {
	if head.IsNoise() {
		// Dummy traffic: drop silently.
		return nil
	}
	if head.Flags&LevinPacketBegin != 0 {
		h.fragment = h.fragment[:0]
		h.armFragmentTimer()
	}
	h.fragment = append(h.fragment, payload...)
	if head.Flags&LevinPacketEnd == 0 {
		return nil
	}
	h.disarmFragmentTimer()

	if len(h.fragment) < LevinHeaderSize {
		logrus.Warnf("levin: %s completed fragment smaller than a header", h.ctx.RemoteAddr)
		return ErrBadFragment
	}
	inner, err := ParseHeader(h.fragment[:LevinHeaderSize])
	if err != nil {
		return fmt.Errorf("%w: inner header: %v", ErrBadFragment, err)
	}
	if inner.PayloadLen > h.commandMax(inner.Command) {
		return ErrPacketTooLarge
	}
	if inner.PayloadLen > uint64(len(h.fragment)-LevinHeaderSize) {
		return fmt.Errorf("%w: truncated inner payload", ErrBadFragment)
	}
	// Trailing zero padding past the inner payload is discarded.
	body := h.fragment[LevinHeaderSize : LevinHeaderSize+int(inner.PayloadLen)]
	err = h.dispatch(inner, body)
	h.fragment = nil
	return err
}

func (h *LevinHandler) dispatch(head LevinHeader, payload []byte) error {
	switch {
	case head.Flags&LevinPacketResponse != 0:
		w := h.popInvoke()
		if w == nil {
			logrus.Warnf("levin: %s sent a response with no invoke pending", h.ctx.RemoteAddr)
			return ErrNoInvoke
		}
		w.fire(nil, head.ReturnCode, payload, h.ctx)

	case head.ReturnData:
		code, out := h.config.Commands.Invoke(head.Command, payload, h.ctx)
		if !h.Send(MakeResponse(head.Command, code, out)) {
			return ErrSendFailed
		}
		if head.Command == h.config.Commands.HandshakeCommand() && !h.handshaken.Load() &&
			h.config.Commands.HandshakeComplete(h.ctx) {
			h.handshaken.Store(true)
			h.maxPacket.Store(h.config.MaxPacketSize)
		}

	default:
		h.config.Commands.Notify(head.Command, payload, h.ctx)
	}
	return nil
}

// Send enqueues an already-framed message; false means the connection is
// gone or its send queue is full.
func (h *LevinHandler) Send(msg ByteSlice) bool {
	if h.closed.Load() {
		return false
	}
	return h.endpoint.doSend(msg)
}

// InvokeAsync frames and sends a request, registering a waiter that fires
// cb exactly once: with the response, on timeout, when the connection
// dies first, or with ErrSendFailed when the request cannot be queued.
func (h *LevinHandler) InvokeAsync(command uint32, payload []byte, cb InvokeCallback, timeout time.Duration) error {
	if h.closed.Load() {
		return ErrConnectionDestroyed
	}
	if timeout <= 0 {
		timeout = h.config.InvokeTimeout
	}
	w := &invokeWaiter{command: command, timeout: timeout, cb: cb}

	h.invokeMu.Lock()
	h.invokes.PushBack(w)
	h.invokeMu.Unlock()

	w.timer = h.config.Clock.AfterFunc(timeout, func() { h.onInvokeTimeout(w) })

	if !h.endpoint.doSend(MakeInvoke(command, payload)) {
		h.removeInvoke(w)
		w.fire(ErrSendFailed, 0, nil, h.ctx)
		return ErrSendFailed
	}
	return nil
}

func (h *LevinHandler) onInvokeTimeout(w *invokeWaiter) {
	if w.fired.Load() {
		return
	}
	logrus.Debugf("levin: %s invoke %d timed out after %s", h.ctx.RemoteAddr, w.command, w.timeout)
	h.removeInvoke(w)
	w.fire(ErrConnectionTimedOut, 0, nil, h.ctx)
	h.Close()
}

func (h *LevinHandler) popInvoke() *invokeWaiter {
	h.invokeMu.Lock()
	defer h.invokeMu.Unlock()
	for h.invokes.Len() > 0 {
		w := h.invokes.PopFront()
		// Skip waiters whose timer already claimed them.
		if !w.fired.Load() {
			return w
		}
	}
	return nil
}

func (h *LevinHandler) removeInvoke(target *invokeWaiter) {
	h.invokeMu.Lock()
	defer h.invokeMu.Unlock()
	for i := 0; i < h.invokes.Len(); i++ {
		if h.invokes.At(i) == target {
			h.invokes.Remove(i)
			return
		}
	}
}

func (h *LevinHandler) resetFrontInvokeTimer() {
	h.invokeMu.Lock()
	defer h.invokeMu.Unlock()
	if h.invokes.Len() == 0 {
		return
	}
	w := h.invokes.Front()
	if !w.fired.Load() && w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (h *LevinHandler) armFragmentTimer() {
	h.disarmFragmentTimer()
	if h.config.FragmentTimeout <= 0 {
		return
	}
	h.fragmentTimer = h.config.Clock.AfterFunc(h.config.FragmentTimeout, func() {
		logrus.Warnf("levin: %s fragment reassembly stalled, closing", h.ctx.RemoteAddr)
		h.Close()
	})
}

func (h *LevinHandler) disarmFragmentTimer() {
	if h.fragmentTimer != nil {
		h.fragmentTimer.Stop()
		h.fragmentTimer = nil
	}
}

func (h *LevinHandler) fatal(err error) error {
	h.Close()
	return err
}

// Close is idempotent: it marks the handler closing and asks the endpoint
// to tear the socket down. Pending invokes are drained when the endpoint
// reaches its terminal state and calls releaseProtocol.
func (h *LevinHandler) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.state.Store(int32(StateClosing))
	h.endpoint.closeConnection()
}

// releaseProtocol fires every pending invoke with a destruction notice and
// unregisters the handler. The waiter list is swapped out under the lock
// and the callbacks run outside it.
func (h *LevinHandler) releaseProtocol() {
	h.closed.Store(true)
	h.state.Store(int32(StateTerminated))
	h.disarmFragmentTimer()

	h.invokeMu.Lock()
	var pending []*invokeWaiter
	for h.invokes.Len() > 0 {
		pending = append(pending, h.invokes.PopFront())
	}
	h.invokeMu.Unlock()

	for _, w := range pending {
		w.fire(ErrConnectionDestroyed, 0, nil, h.ctx)
	}
	h.config.unregister(h)
}
