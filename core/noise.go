package core

import (
	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// noiseChannel emits one fixed-size frame per randomized interval on its
// assigned connection. While a real message is queued its fragments ride
// the same cadence, so the traffic shape never changes. All fields are
// owned by the channel strand.
type noiseChannel struct {
	strand *Strand
	active ByteSlice
	queue  deque.Deque[ByteSlice]
	conn   uuid.UUID
	timer  *clock.Timer
}

func newNoiseChannel() *noiseChannel {
	return &noiseChannel{strand: NewStrand()}
}

// bind points the channel at a new connection. A message in flight is
// dropped rather than resumed: finishing the remaining fragments on a new
// peer would betray that the previous frames carried a real payload.
func (ch *noiseChannel) bind(conn uuid.UUID) {
	ch.conn = conn
	ch.active = ByteSlice{}
	if conn == uuid.Nil {
		ch.queue.Clear()
	}
}

// enqueue appends a fragmented message for covert transmission.
func (ch *noiseChannel) enqueue(msg ByteSlice) {
	ch.queue.PushBack(msg)
}

// nextFrame returns the next frame to put on the wire: the in-flight
// message's next fragment, the first fragment of a freshly dequeued
// message, or a noise frame when nothing is pending.
func (ch *noiseChannel) nextFrame(z *relayZone) ByteSlice {
	if ch.active.Empty() && ch.queue.Len() > 0 {
		ch.active = ch.queue.PopFront().Clone()
	}
	if !ch.active.Empty() {
		return ch.active.TakePrefix(z.cfg.NoiseBytes)
	}
	return z.noise.Clone()
}

// send emits one frame and reports whether the connection survived.
func (ch *noiseChannel) send(z *relayZone) bool {
	if ch.conn == uuid.Nil {
		return true
	}
	frame := ch.nextFrame(z)
	if z.p2p.Send(frame, ch.conn) {
		return true
	}
	logrus.Debugf("relay: noise channel lost connection %s", ch.conn)
	ch.bind(uuid.Nil)
	return false
}

func (ch *noiseChannel) stop() {
	if ch.timer != nil {
		ch.timer.Stop()
	}
}
