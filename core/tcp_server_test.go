package core

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func startManager(t *testing.T, tune func(*NetConfig)) (*ConnectionManager, *HandlerConfig, *testCommands, string) {
	t.Helper()
	commands := newTestCommands()
	cfg := NewHandlerConfig(commands)
	nc := DefaultNetConfig()
	nc.ListenAddr = "127.0.0.1:0"
	nc.ReadTimeout = 30 * time.Second
	if tune != nil {
		tune(&nc)
	}
	mgr, err := NewConnectionManager(nc, cfg)
	require.NoError(t, err)
	require.NoError(t, mgr.Listen())
	t.Cleanup(func() {
		mgr.SendStopSignal()
		_ = mgr.TimedWaitServerStop(5 * time.Second)
	})
	addrs := mgr.ListenerAddrs()
	require.Len(t, addrs, 1)
	return mgr, cfg, commands, addrs[0].String()
}

func TestLoopbackNotify(t *testing.T) {
	mgr, _, commands, addr := startManager(t, nil)

	id, err := mgr.Connect(addr, 5*time.Second, "")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	require.True(t, mgr.levin.Send(MakeNotify(33, []byte("over the wire")), id))

	require.Eventually(t, func() bool {
		return commands.notifyCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	rec := commands.lastNotify()
	require.EqualValues(t, 33, rec.command)
	require.Equal(t, "over the wire", string(rec.payload))
}

func TestLoopbackInvokeRoundTrip(t *testing.T) {
	mgr, cfg, commands, addr := startManager(t, nil)
	commands.invokeCode = 5
	commands.invokeOut = []byte("echo")

	id, err := mgr.Connect(addr, 5*time.Second, "")
	require.NoError(t, err)

	var mu sync.Mutex
	var gotErr error
	var gotCode int32
	var gotBody []byte
	done := make(chan struct{})
	err = cfg.InvokeAsync(id, 21, []byte("ping"), func(err error, rc int32, body []byte, _ *ConnectionContext) {
		mu.Lock()
		gotErr, gotCode, gotBody = err, rc, append([]byte{}, body...)
		mu.Unlock()
		close(done)
	}, 5*time.Second)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("invoke response never arrived")
	}
	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, gotErr)
	require.EqualValues(t, 5, gotCode)
	require.Equal(t, "echo", string(gotBody))
}

func TestLoopbackOversizeTerminatesConnection(t *testing.T) {
	_, _, commands, addr := startManager(t, nil)

	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer raw.Close()

	head := LevinHeader{
		Signature:  LevinSignature,
		PayloadLen: DefaultInitialMaxPacketSize + 1,
		Command:    1,
		Flags:      LevinPacketRequest,
		Version:    LevinProtocolVer,
	}
	var frame [LevinHeaderSize]byte
	head.encodeTo(frame[:])
	_, err = raw.Write(frame[:])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		commands.mu.Lock()
		defer commands.mu.Unlock()
		return len(commands.closedIDs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The server must have dropped the socket.
	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	_, err = raw.Read(one)
	require.Error(t, err)
}

func TestConnectionCallbacksFire(t *testing.T) {
	mgr, _, commands, addr := startManager(t, nil)

	id, err := mgr.Connect(addr, 5*time.Second, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		commands.mu.Lock()
		defer commands.mu.Unlock()
		return len(commands.opened) == 2 // one outbound, one accepted
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, mgr.levin.Close(id))
	require.Eventually(t, func() bool {
		commands.mu.Lock()
		defer commands.mu.Unlock()
		return len(commands.closedIDs) >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGracefulStop(t *testing.T) {
	mgr, cfg, _, addr := startManager(t, nil)
	_, err := mgr.Connect(addr, 5*time.Second, "")
	require.NoError(t, err)

	mgr.SendStopSignal()
	require.NoError(t, mgr.TimedWaitServerStop(5*time.Second))

	in, out := cfg.ConnectionCount()
	require.Zero(t, in+out, "all handlers must deregister on shutdown")

	_, err = mgr.Connect(addr, time.Second, "")
	require.Error(t, err, "stopped manager must refuse new dials")
}

func TestTLSAutodetectAcceptsBoth(t *testing.T) {
	dir := t.TempDir()
	_, _, commands, addr := startManager(t, func(nc *NetConfig) {
		nc.SSLMode = SSLAutodetect
		nc.DataDir = dir
	})

	// Plaintext peer.
	plain, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer plain.Close()
	_, err = plain.Write(MakeNotify(1, []byte("plain")).Data())
	require.NoError(t, err)

	// TLS peer.
	secure, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer secure.Close()
	_, err = secure.Write(MakeNotify(2, []byte("secure")).Data())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return commands.notifyCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Auto-generated key material is persisted for the next start.
	_, err = os.Stat(filepath.Join(dir, "rpc_ssl.crt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "rpc_ssl.key"))
	require.NoError(t, err)
}

func TestIdleCallbackRunsAndStops(t *testing.T) {
	mgr, _, _, _ := startManager(t, nil)

	var mu sync.Mutex
	runs := 0
	mgr.AddIdleCallback(10*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return runs < 3
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs == 3
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, runs, "callback returning false must stop the timer")
}
