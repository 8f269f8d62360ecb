package core

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SSL policy for both listeners and outbound dials.
const (
	SSLDisabled   = "disabled"
	SSLAutodetect = "autodetect"
	SSLEnabled    = "enabled"
)

// NetConfig tunes the connection manager.
type NetConfig struct {
	ListenAddr   string // IPv4 listen address, empty disables
	ListenAddrV6 string // optional IPv6 listen address
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SSLMode      string
	DataDir      string
	RateUp       int64
	RateDown     int64
}

// DefaultNetConfig returns conservative transport defaults.
func DefaultNetConfig() NetConfig {
	return NetConfig{
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 30 * time.Second,
		SSLMode:      SSLDisabled,
	}
}

// ConnectionManager owns the listeners and every socket: it accepts and
// dials peers, applies the TLS policy, runs the per-connection pumps and
// exposes the registry through its HandlerConfig.
type ConnectionManager struct {
	cfg   NetConfig
	levin *HandlerConfig
	clk   clock.Clock

	tlsConf *tls.Config

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[uuid.UUID]*Connection

	group   errgroup.Group
	connWG  sync.WaitGroup
	stop    chan struct{}
	stopped atomic.Bool
}

// NewConnectionManager wires the manager to a handler config. TLS material
// is loaded from {data_dir}/rpc_ssl.{crt,key}, generated and persisted on
// first use when the mode requires it.
func NewConnectionManager(cfg NetConfig, levin *HandlerConfig) (*ConnectionManager, error) {
	m := &ConnectionManager{
		cfg:   cfg,
		levin: levin,
		clk:   levin.Clock,
		conns: make(map[uuid.UUID]*Connection),
		stop:  make(chan struct{}),
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	if cfg.SSLMode == SSLAutodetect || cfg.SSLMode == SSLEnabled {
		conf, err := loadOrCreateServerTLS(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("net: tls setup: %w", err)
		}
		m.tlsConf = conf
	}
	ThrottleUp().SetLimit(cfg.RateUp)
	ThrottleDown().SetLimit(cfg.RateDown)
	return m, nil
}

// Listen opens the configured listeners and starts their accept loops.
func (m *ConnectionManager) Listen() error {
	addrs := make([]string, 0, 2)
	if m.cfg.ListenAddr != "" {
		addrs = append(addrs, m.cfg.ListenAddr)
	}
	if m.cfg.ListenAddrV6 != "" {
		addrs = append(addrs, m.cfg.ListenAddrV6)
	}
	for _, addr := range addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("net: listen %s: %w", addr, err)
		}
		logrus.Infof("net: listening on %s", l.Addr())
		m.mu.Lock()
		m.listeners = append(m.listeners, l)
		m.mu.Unlock()
		m.group.Go(func() error { return m.acceptLoop(l) })
	}
	return nil
}

// ListenerAddrs reports the bound listener addresses (useful when the
// configured port was 0).
func (m *ConnectionManager) ListenerAddrs() []net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]net.Addr, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l.Addr())
	}
	return out
}

func (m *ConnectionManager) acceptLoop(l net.Listener) error {
	for {
		raw, err := l.Accept()
		if err != nil {
			if m.stopped.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go m.setupIncoming(raw)
	}
}

func (m *ConnectionManager) setupIncoming(raw net.Conn) {
	conn := raw
	switch m.cfg.SSLMode {
	case SSLEnabled:
		tc := tls.Server(raw, m.tlsConf)
		if err := tc.Handshake(); err != nil {
			logrus.Debugf("net: %s tls handshake failed: %v", raw.RemoteAddr(), err)
			_ = raw.Close()
			return
		}
		conn = tc
	case SSLAutodetect:
		detected, isTLS, err := detectTLSClientHello(raw)
		if err != nil {
			logrus.Debugf("net: %s autodetect failed: %v", raw.RemoteAddr(), err)
			_ = raw.Close()
			return
		}
		if isTLS {
			tc := tls.Server(detected, m.tlsConf)
			if err := tc.Handshake(); err != nil {
				logrus.Debugf("net: %s tls handshake failed: %v", raw.RemoteAddr(), err)
				_ = raw.Close()
				return
			}
			conn = tc
		} else {
			conn = detected
		}
	}
	c := newConnection(m, conn, true)
	logrus.Debugf("net: accepted %s as %s", conn.RemoteAddr(), c.ctx.ID)
}

// Connect dials a peer with a timeout and registers the connection.
// Returns the new connection's id.
func (m *ConnectionManager) Connect(addr string, timeout time.Duration, bindIP string) (uuid.UUID, error) {
	if m.stopped.Load() {
		return uuid.Nil, ErrShuttingDown
	}
	if timeout <= 0 {
		timeout = m.cfg.DialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	if bindIP != "" {
		local, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(bindIP, "0"))
		if err != nil {
			return uuid.Nil, fmt.Errorf("net: bind ip %s: %w", bindIP, err)
		}
		dialer.LocalAddr = local
	}
	raw, err := dialer.Dial("tcp", addr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("net: connect %s: %w", addr, err)
	}
	conn := raw
	if m.cfg.SSLMode == SSLEnabled {
		tc := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
		if err := tc.Handshake(); err != nil {
			_ = raw.Close()
			return uuid.Nil, fmt.Errorf("net: tls connect %s: %w", addr, err)
		}
		conn = tc
	}
	c := newConnection(m, conn, false)
	logrus.Debugf("net: connected to %s as %s", addr, c.ctx.ID)
	return c.ctx.ID, nil
}

// AddIdleCallback runs fn every period on its own timer until fn returns
// false or the manager stops.
func (m *ConnectionManager) AddIdleCallback(period time.Duration, fn func() bool) {
	ticker := m.clk.Ticker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.stopped.Load() || !fn() {
					return
				}
			case <-m.stop:
				return
			}
		}
	}()
}

// SendStopSignal breaks the accept loops and begins closing every
// connection. It does not wait; pair with TimedWaitServerStop.
func (m *ConnectionManager) SendStopSignal() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	close(m.stop)
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = nil
	snapshot := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		snapshot = append(snapshot, c)
	}
	m.mu.Unlock()
	for _, l := range listeners {
		_ = l.Close()
	}
	for _, c := range snapshot {
		c.terminate()
	}
}

// TimedWaitServerStop blocks until every accept loop and connection pump
// has exited, or the deadline passes.
func (m *ConnectionManager) TimedWaitServerStop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		_ = m.group.Wait()
		m.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("net: shutdown incomplete after %s: %w", timeout, ErrShuttingDown)
	}
}

func (m *ConnectionManager) track(c *Connection) {
	m.connWG.Add(1)
	m.mu.Lock()
	m.conns[c.ctx.ID] = c
	m.mu.Unlock()
	metricConnections.WithLabelValues(directionLabel(c.ctx.Incoming)).Inc()
	// A connection that raced the stop signal would otherwise outlive it.
	if m.stopped.Load() {
		c.terminate()
	}
}

func (m *ConnectionManager) untrack(c *Connection) {
	m.mu.Lock()
	_, present := m.conns[c.ctx.ID]
	delete(m.conns, c.ctx.ID)
	m.mu.Unlock()
	if present {
		metricConnections.WithLabelValues(directionLabel(c.ctx.Incoming)).Dec()
		m.connWG.Done()
	}
}

func (m *ConnectionManager) clockSleep(d time.Duration) {
	m.clk.Sleep(d)
}

func directionLabel(incoming bool) string {
	if incoming {
		return "in"
	}
	return "out"
}
