package core

import (
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// NetworkZone is a network plane with its own connection set and relay
// policy. Only the public zone runs the stem/fluff coin flip; anonymity
// overlays either use noise channels or fluff immediately.
type NetworkZone int

const (
	ZonePublic NetworkZone = iota
	ZoneTor
	ZoneI2P
)

func (z NetworkZone) String() string {
	switch z {
	case ZonePublic:
		return "public"
	case ZoneTor:
		return "tor"
	case ZoneI2P:
		return "i2p"
	}
	return "invalid"
}

// RelayMode optionally pins the epoch decision instead of the randomized
// Dandelion++ coin flip.
type RelayMode int

const (
	ModeDandelion RelayMode = iota // randomized stem/fluff epochs
	ModeFluff                      // every epoch fluffs
	ModeStem                       // every epoch stems
)

// RelayConfig collects the tunables of the relay engine. The defaults are
// the reference network values.
type RelayConfig struct {
	StemCount     int
	NoiseChannels int
	NoiseBytes    int
	MaxFragments  int

	NoiseMinEpoch   time.Duration
	NoiseEpochRange time.Duration

	DandelionMinEpoch   time.Duration
	DandelionEpochRange time.Duration

	FluffAverageIn  time.Duration
	FluffAverageOut time.Duration

	NoiseMinDelay   time.Duration
	NoiseDelayRange time.Duration

	// FluffProbability is the percent chance that a public-zone epoch is
	// a fluff epoch.
	FluffProbability int

	PadTxs bool
	Mode   RelayMode
}

// DefaultRelayConfig returns the reference network tuning.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		StemCount:           2,
		NoiseChannels:       2,
		NoiseBytes:          3072,
		MaxFragments:        20,
		NoiseMinEpoch:       5 * time.Minute,
		NoiseEpochRange:     30 * time.Second,
		DandelionMinEpoch:   10 * time.Minute,
		DandelionEpochRange: 30 * time.Second,
		FluffAverageIn:      5 * time.Second,
		FluffAverageOut:     2500 * time.Millisecond,
		NoiseMinDelay:       10 * time.Second,
		NoiseDelayRange:     5 * time.Second,
		FluffProbability:    10,
	}
}

// fluffContext queues transactions bound for one connection until its
// Poisson-delayed flush deadline passes.
type fluffContext struct {
	pending   [][]byte
	flushTime time.Time
	incoming  bool
}

// relayZone holds all relay state of one network plane. The dandelion map,
// the fluff contexts and the flush timer are only touched on the zone
// strand; each noise channel's state only on that channel's strand.
type relayZone struct {
	clk  clock.Clock
	p2p  *HandlerConfig
	core CoreEvents
	cfg  RelayConfig
	kind NetworkZone

	// noise is the pre-built dummy frame; a non-empty template means the
	// zone hides its traffic behind noise channels.
	noise    ByteSlice
	channels []*noiseChannel

	strand     *Strand
	epochTimer *clock.Timer

	flushTimer *clock.Timer
	flushArmed bool
	flushAt    time.Time

	dmap            *DandelionMap
	contexts        map[uuid.UUID]*fluffContext
	fluffing        bool
	connectionCount int
	stopped         bool
}

// Notifier relays transactions for one zone with Dandelion++ semantics:
// stem epochs forward each source's txs to a sticky outbound peer, fluff
// epochs broadcast after per-connection Poisson delays, and covert zones
// slice everything into constant-rate noise frames.
type Notifier struct {
	zone *relayZone
}

// NewNotifier builds and starts the relay engine for one zone. When
// noiseEnabled is set the zone opens cfg.NoiseChannels covert channels
// emitting cfg.NoiseBytes frames. clk may be nil for the wall clock.
func NewNotifier(p2p *HandlerConfig, core CoreEvents, kind NetworkZone, noiseEnabled bool, cfg RelayConfig, clk clock.Clock) (*Notifier, error) {
	if clk == nil {
		clk = clock.New()
	}
	z := &relayZone{
		clk:      clk,
		p2p:      p2p,
		core:     core,
		cfg:      cfg,
		kind:     kind,
		strand:   NewStrand(),
		contexts: make(map[uuid.UUID]*fluffContext),
		dmap:     NewDandelionMap(nil, cfg.StemCount),
	}
	if noiseEnabled {
		noise, err := MakeNoise(cfg.NoiseBytes)
		if err != nil {
			return nil, err
		}
		z.noise = noise
		for i := 0; i < cfg.NoiseChannels; i++ {
			z.channels = append(z.channels, newNoiseChannel())
		}
	}
	z.strand.Dispatch(z.changeEpoch)
	for _, ch := range z.channels {
		z.scheduleNoise(ch)
	}
	return &Notifier{zone: z}, nil
}

// Zone reports which network plane the notifier serves.
func (n *Notifier) Zone() NetworkZone { return n.zone.kind }

// Status reports whether the zone uses noise channels and whether enough
// outbound connections exist to fill them.
func (n *Notifier) Status() (hasNoise, connectionsFilled bool) {
	z := n.zone
	hasNoise = !z.noise.Empty()
	done := make(chan struct{})
	z.strand.Dispatch(func() {
		connectionsFilled = z.cfg.NoiseChannels <= z.connectionCount
		close(done)
	})
	<-done
	return hasNoise, connectionsFilled
}

// RunEpoch forces an immediate epoch rotation. Intended for operator
// tooling; the zone otherwise rotates itself.
func (n *Notifier) RunEpoch() {
	n.zone.strand.Dispatch(n.zone.changeEpoch)
}

// RunFlush forces all queued fluff txs out immediately.
func (n *Notifier) RunFlush() {
	z := n.zone
	z.strand.Dispatch(func() { z.fluffFlush(true) })
}

// Stop cancels the zone's timers and flushes any queued transactions so
// nothing queued is silently dropped at shutdown.
func (n *Notifier) Stop() {
	z := n.zone
	z.strand.Dispatch(func() {
		if z.stopped {
			return
		}
		z.stopped = true
		if z.epochTimer != nil {
			z.epochTimer.Stop()
		}
		if z.flushTimer != nil {
			z.flushTimer.Stop()
		}
		for _, ch := range z.channels {
			ch.stop()
		}
		z.fluffFlush(true)
	})
}

// OnHandshakeComplete registers a connection with the zone once its
// handshake finished; from now on it can receive fluffed transactions. A
// new outbound connection also refreshes the covert channel bindings while
// the zone is short of channels.
func (n *Notifier) OnHandshakeComplete(id uuid.UUID, incoming bool) {
	z := n.zone
	z.strand.Dispatch(func() {
		if z.stopped {
			return
		}
		z.contexts[id] = &fluffContext{incoming: incoming}
		if !incoming && !z.noise.Empty() && z.connectionCount < z.cfg.NoiseChannels {
			z.updateChannels(z.p2p.OutgoingConnections())
		}
	})
}

// OnConnectionClose drops the zone state of a closed connection.
func (n *Notifier) OnConnectionClose(id uuid.UUID) {
	z := n.zone
	z.strand.Dispatch(func() {
		delete(z.contexts, id)
	})
}

// SendTxs relays a batch of transactions originating at source. The relay
// method decides stem/fluff handling; over covert channels stem is
// meaningless and local semantics apply. Returns false when the batch
// cannot be relayed at all.
func (n *Notifier) SendTxs(txs [][]byte, source uuid.UUID, method RelayMethod) bool {
	z := n.zone
	if len(txs) == 0 {
		return true
	}
	metricTxsRelayed.WithLabelValues(method.String()).Add(float64(len(txs)))

	if !z.noise.Empty() && len(z.channels) > 0 {
		if method == RelayStem {
			method = RelayLocal
		}
		z.core.OnTransactionsRelayed(txs, method)
		msg, err := MakeFragmentedTxNotify(txs, z.cfg.NoiseBytes)
		if err != nil {
			logrus.Errorf("relay: building covert tx message: %v", err)
			return false
		}
		if msg.Len() > z.cfg.MaxFragments*z.cfg.NoiseBytes {
			logrus.Errorf("relay: tx batch needs %d bytes, exceeding %d noise fragments", msg.Len(), z.cfg.MaxFragments)
			return false
		}
		for _, ch := range z.channels {
			ch := ch
			m := msg.Clone()
			ch.strand.Dispatch(func() { ch.enqueue(m) })
		}
		return true
	}

	switch method {
	case RelayNone, RelayBlock:
		return false
	case RelayStem, RelayForward, RelayLocal:
		if z.kind == ZonePublic {
			z.strand.Dispatch(func() { z.dandelionppNotify(txs, source, method) })
			return true
		}
		// Anonymity overlays without noise fluff immediately; the overlay
		// itself already hides the origin.
		fallthrough
	case RelayFluff:
		z.core.OnTransactionsRelayed(txs, method)
		z.strand.Dispatch(func() { z.fluffNotify(txs, source) })
	}
	return true
}

// changeEpoch rotates all zone state: the stem/fluff decision, the
// dandelion map and the covert channel bindings. Runs on the zone strand.
func (z *relayZone) changeEpoch() {
	if z.stopped {
		return
	}
	if z.epochTimer != nil {
		z.epochTimer.Stop()
	}

	minEpoch, epochRange := z.cfg.DandelionMinEpoch, z.cfg.DandelionEpochRange
	if !z.noise.Empty() {
		minEpoch, epochRange = z.cfg.NoiseMinEpoch, z.cfg.NoiseEpochRange
	}

	switch z.cfg.Mode {
	case ModeFluff:
		z.fluffing = true
	case ModeStem:
		z.fluffing = false
	default:
		z.fluffing = z.kind == ZonePublic && rand.IntN(100) < z.cfg.FluffProbability
	}

	stems := z.cfg.StemCount
	if !z.noise.Empty() {
		stems = z.cfg.NoiseChannels
	}
	outs := z.p2p.OutgoingConnections()
	z.dmap = NewDandelionMap(outs, stems)
	z.refreshChannels()

	logrus.Debugf("relay: %s zone epoch rotated (fluffing=%v, stems=%d/%d)", z.kind, z.fluffing, z.dmap.Size(), stems)

	z.epochTimer = z.clk.AfterFunc(minEpoch+randomUniformDuration(epochRange), func() {
		z.strand.Dispatch(z.changeEpoch)
	})
}

// updateChannels merges the current outbound set into the stem map and, on
// change, rebinds the covert channels. Runs on the zone strand.
func (z *relayZone) updateChannels(outs []uuid.UUID) {
	if z.dmap.Update(outs) {
		z.refreshChannels()
	}
}

// refreshChannels rebinds every covert channel to its stem slot. Runs on
// the zone strand.
func (z *relayZone) refreshChannels() {
	z.connectionCount = z.dmap.Size()
	if z.noise.Empty() {
		return
	}
	for i, ch := range z.channels {
		ch := ch
		conn := z.dmap.OutSlot(i)
		ch.strand.Post(func() { ch.bind(conn) })
	}
}

// scheduleNoise arms a channel's next send after a randomized interval.
func (z *relayZone) scheduleNoise(ch *noiseChannel) {
	delay := z.cfg.NoiseMinDelay + randomUniformDuration(z.cfg.NoiseDelayRange)
	ch.timer = z.clk.AfterFunc(delay, func() {
		ch.strand.Dispatch(func() {
			if !ch.send(z) {
				z.strand.Post(func() {
					if !z.stopped {
						z.updateChannels(z.p2p.OutgoingConnections())
					}
				})
			}
		})
		z.strand.Dispatch(func() {
			if !z.stopped {
				z.scheduleNoise(ch)
			}
		})
	})
}

// dandelionppNotify is the stem half of the algorithm: unless the epoch
// fluffs (local txs always stem), forward the whole batch to the source's
// sticky stem peer, refreshing the map after each failed try (two tries
// in all). Anything unsent
// falls back to fluffing. Runs on the zone strand.
func (z *relayZone) dandelionppNotify(txs [][]byte, source uuid.UUID, method RelayMethod) {
	if z.stopped {
		return
	}
	if !z.fluffing || method == RelayLocal {
		z.core.OnTransactionsRelayed(txs, RelayStem)
		msg := MakeTxNotify(txs, z.cfg.PadTxs, false)
		for tries := 0; tries < 2; tries++ {
			dest := z.dmap.GetStem(source)
			if dest != uuid.Nil && z.p2p.Send(msg.Clone(), dest) {
				return
			}
			z.updateChannels(z.p2p.OutgoingConnections())
		}
		logrus.Debugf("relay: no stem peer reachable for %s, fluffing instead", source)
	}
	z.fluffNotify(txs, source)
}

// fluffNotify queues the batch on every eligible connection, drawing each
// connection's flush delay from its Poisson distribution the first time
// its queue goes non-empty. Runs on the zone strand.
func (z *relayZone) fluffNotify(txs [][]byte, source uuid.UUID) {
	if z.stopped {
		return
	}
	now := z.clk.Now()
	var nextFlush time.Time

	logrus.Debugf("relay: queueing %d transaction(s) for fluffing", len(txs))
	for id, fc := range z.contexts {
		if id == source {
			continue
		}
		// Anonymity overlays only fluff to outbound connections.
		if z.kind != ZonePublic && fc.incoming {
			continue
		}
		if len(fc.pending) == 0 {
			mean := z.cfg.FluffAverageOut
			if fc.incoming {
				mean = z.cfg.FluffAverageIn
			}
			fc.flushTime = now.Add(randomPoissonSubseconds(mean))
		}
		fc.pending = append(fc.pending, txs...)
		if nextFlush.IsZero() || fc.flushTime.Before(nextFlush) {
			nextFlush = fc.flushTime
		}
	}

	if nextFlush.IsZero() {
		logrus.Warnf("relay: unable to send transaction(s), no available connections")
		return
	}
	if !z.flushArmed || nextFlush.Before(z.flushAt) {
		z.armFlush(nextFlush)
	}
}

func (z *relayZone) armFlush(at time.Time) {
	if z.flushTimer != nil {
		z.flushTimer.Stop()
	}
	z.flushArmed = true
	z.flushAt = at
	delay := at.Sub(z.clk.Now())
	if delay < 0 {
		delay = 0
	}
	z.flushTimer = z.clk.AfterFunc(delay, func() {
		z.strand.Dispatch(func() { z.fluffFlush(false) })
	})
}

// fluffFlush drains every context whose deadline passed (or all of them on
// a forced flush) into one sorted notify per connection, then re-arms the
// timer for the next deadline. Runs on the zone strand.
func (z *relayZone) fluffFlush(force bool) {
	z.flushArmed = false
	now := z.clk.Now()
	var nextFlush time.Time

	for id, fc := range z.contexts {
		if len(fc.pending) == 0 {
			continue
		}
		if !force && fc.flushTime.After(now) {
			if nextFlush.IsZero() || fc.flushTime.Before(nextFlush) {
				nextFlush = fc.flushTime
			}
			continue
		}
		txs := fc.pending
		fc.pending = nil
		if !z.p2p.Send(MakeTxNotify(txs, z.cfg.PadTxs, true), id) {
			logrus.Debugf("relay: fluff send to %s failed", id)
		}
	}

	if !nextFlush.IsZero() {
		z.armFlush(nextFlush)
	}
}
