package chain

import (
	"testing"
	"time"

	"github.com/taowallet/electrum/ticker"
)

// TestFailoverToHealthyServer starts the manager with one refusing and one
// healthy server and asserts that a connection is established within the
// backoff bounds, whichever server is drawn first.
func TestFailoverToHealthyServer(t *testing.T) {
	server := newMockElectrumServer(t)
	defer server.stop()

	listener := newRecordingListener()
	manager := newTestManager(
		t, listener, refusedServer(t), server.server(),
	)
	defer manager.Stop()

	awaitSignal(t, listener.connected, "connection")

	if _, err := manager.currentConn(); err != nil {
		t.Fatalf("no current connection after OnConnection: %v", err)
	}
}

// TestReconnectAfterDrop asserts that losing an established connection fires
// OnDisconnect, blacklists the server, and, with only one server configured,
// clears the blacklist and reconnects to the same server.
func TestReconnectAfterDrop(t *testing.T) {
	server := newMockElectrumServer(t)
	defer server.stop()

	listener := newRecordingListener()
	manager := newTestManager(t, listener, server.server())
	defer manager.Stop()

	awaitSignal(t, listener.connected, "first connection")

	server.dropClient()

	awaitSignal(t, listener.disconnected, "disconnect")
	awaitSignal(t, listener.connected, "reconnection")

	server.awaitConns(2)
	if server.acceptedConns() < 2 {
		t.Fatalf("expected at least two connections, got %d",
			server.acceptedConns())
	}
}

// TestFacadeWhileDisconnected asserts that facade operations issued without
// a connection fail with ErrNotConnected and reach no listener and no
// server.
func TestFacadeWhileDisconnected(t *testing.T) {
	listener := newRecordingListener()

	manager, err := NewManager(&Config{
		Coin:         BitcoinMainNet,
		Servers:      []ServerAddress{refusedServer(t)},
		PingInterval: -1,
	})
	if err != nil {
		t.Fatalf("unable to create manager: %v", err)
	}

	if err := manager.Ping(); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	addr, err := NewAddress(testAddress, BitcoinMainNet)
	if err != nil {
		t.Fatalf("unable to parse address: %v", err)
	}
	status := AddressStatus{Address: addr}

	if err := manager.GetUnspent(status, listener); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := manager.SubscribeAddresses(
		[]Address{addr}, listener,
	); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	select {
	case <-listener.unspents:
		t.Fatalf("listener invoked while disconnected")
	case <-listener.statuses:
		t.Fatalf("listener invoked while disconnected")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestStopDuringBackoff asserts that a stop issued while the reconnect timer
// is pending returns promptly, removes the timer and leaves the manager
// unable to start again.
func TestStopDuringBackoff(t *testing.T) {
	manager, err := NewManager(&Config{
		Coin:    BitcoinMainNet,
		Servers: []ServerAddress{refusedServer(t)},
		// A long backoff guarantees the supervisor sits in the timer
		// wait when Stop arrives.
		RetryBaseDelay: time.Minute,
		RetryMaxDelay:  16 * time.Minute,
		ConnectTimeout: time.Second,
		PingInterval:   -1,
	})
	if err != nil {
		t.Fatalf("unable to create manager: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("unable to start manager: %v", err)
	}

	// Let the first (refused) connection attempt play out so the
	// supervisor reaches the backoff wait.
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("stop did not cancel the pending reconnect")
	}

	if err := manager.Start(); err != ErrManagerStopped {
		t.Fatalf("expected ErrManagerStopped, got %v", err)
	}
}

// TestStopIdempotent asserts that stopping twice leaves the manager stopped
// without blocking or panicking.
func TestStopIdempotent(t *testing.T) {
	server := newMockElectrumServer(t)
	defer server.stop()

	listener := newRecordingListener()
	manager := newTestManager(t, listener, server.server())

	awaitSignal(t, listener.connected, "connection")

	manager.Stop()
	manager.Stop()

	if err := manager.Start(); err != ErrManagerStopped {
		t.Fatalf("expected ErrManagerStopped, got %v", err)
	}
}

// TestRetryResetAfterConnect asserts that the reconnect delay resets after a
// successful run: after several drop-and-reconnect rounds, each of which
// doubles the delay once, a successful connection followed by a drop must
// still reconnect within two base delays.
func TestRetryResetAfterConnect(t *testing.T) {
	server := newMockElectrumServer(t)
	defer server.stop()

	listener := newRecordingListener()
	manager := newTestManager(t, listener, server.server())
	defer manager.Stop()

	awaitSignal(t, listener.connected, "first connection")

	// Drop the connection a few times; each round trips through backoff
	// doubling.
	for i := 0; i < 3; i++ {
		server.awaitConns(i + 1)
		server.dropClient()
		awaitSignal(t, listener.disconnected, "disconnect")
		awaitSignal(t, listener.connected, "reconnection")
	}

	// The last reconnection reset the delay, so the next one may take at
	// most two base delays plus scheduling slack.
	server.awaitConns(4)
	server.dropClient()
	awaitSignal(t, listener.disconnected, "final disconnect")

	start := time.Now()
	awaitSignal(t, listener.connected, "final reconnection")
	if elapsed := time.Since(start); elapsed > 8*fastRetry {
		t.Fatalf("reconnect delay did not reset: took %v", elapsed)
	}
}

// TestListenerAddRemove asserts that removing a connection listener returns
// the registry to its prior state: the removed listener observes no further
// events while remaining listeners still do.
func TestListenerAddRemove(t *testing.T) {
	server := newMockElectrumServer(t)
	defer server.stop()

	keep := newRecordingListener()
	remove := newRecordingListener()

	manager := newTestManager(t, keep, server.server())
	defer manager.Stop()
	manager.AddConnectionListener(remove, nil)

	awaitSignal(t, keep.connected, "connection")

	manager.RemoveConnectionListener(remove)

	// Drain anything the removed listener got before removal.
	for {
		select {
		case <-remove.connected:
			continue
		default:
		}
		break
	}

	server.dropClient()
	awaitSignal(t, keep.disconnected, "disconnect")

	select {
	case <-remove.disconnected:
		t.Fatalf("removed listener still receiving events")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestKeepalivePing asserts that a keepalive tick while connected sends a
// liveness probe to the server.
func TestKeepalivePing(t *testing.T) {
	server := newMockElectrumServer(t)
	defer server.stop()

	force := ticker.NewForce()
	listener := newRecordingListener()

	manager, err := NewManager(&Config{
		Coin:           BitcoinMainNet,
		Servers:        []ServerAddress{server.server()},
		RetryBaseDelay: fastRetry,
		ConnectTimeout: time.Second,
		PingInterval:   time.Minute,
		PingTicker:     force,
	})
	if err != nil {
		t.Fatalf("unable to create manager: %v", err)
	}
	manager.AddConnectionListener(listener, nil)
	if err := manager.Start(); err != nil {
		t.Fatalf("unable to start manager: %v", err)
	}
	defer manager.Stop()

	awaitSignal(t, listener.connected, "connection")

	force.Force <- time.Now()

	deadline := time.Now().Add(testTimeout)
	for server.requestCount(methodServerVersion) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no keepalive request reached the server")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
