package chain

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcutil"
)

// testTimeout bounds every blocking assertion in this file.
const testTimeout = 5 * time.Second

// fastRetry makes supervisor tests run in milliseconds instead of the
// production backoff seconds.
const fastRetry = 20 * time.Millisecond

// testAddress is a well-formed mainnet address for tests that need one.
const testAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

// mockElectrumServer is a scriptable Electrum-style server on a real TCP
// socket. Handlers are keyed by method and return the raw result JSON, an
// error payload, or nothing to leave the request unanswered.
type mockElectrumServer struct {
	t *testing.T

	lis net.Listener

	mtx      sync.Mutex
	handlers map[string]func(params []json.RawMessage) (string, string)
	conn     net.Conn
	accepted int
	requests map[string]int

	wg sync.WaitGroup
}

func newMockElectrumServer(t *testing.T) *mockElectrumServer {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}

	s := &mockElectrumServer{
		t:   t,
		lis: lis,
		handlers: make(
			map[string]func([]json.RawMessage) (string, string),
		),
		requests: make(map[string]int),
	}

	// Answer pings by default so keepalives do not interfere.
	s.handleResult(methodServerVersion, `["mock 1.4", "1.2"]`)

	s.wg.Add(1)
	go s.acceptLoop()

	return s
}

// server returns the ServerAddress clients should dial.
func (s *mockElectrumServer) server() ServerAddress {
	tcpAddr := s.lis.Addr().(*net.TCPAddr)
	return ServerAddress{Host: "127.0.0.1", Port: uint16(tcpAddr.Port)}
}

// handle installs a handler returning (result, errPayload); exactly one of
// the two should be non-empty, or both empty to stay silent.
func (s *mockElectrumServer) handle(method string,
	handler func(params []json.RawMessage) (string, string)) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.handlers[method] = handler
}

// handleResult installs a fixed raw result for the method.
func (s *mockElectrumServer) handleResult(method, result string) {
	s.handle(method, func([]json.RawMessage) (string, string) {
		return result, ""
	})
}

func (s *mockElectrumServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.lis.Accept()
		if err != nil {
			return
		}

		s.mtx.Lock()
		s.conn = conn
		s.accepted++
		s.mtx.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *mockElectrumServer) serveConn(conn net.Conn) {
	defer s.wg.Done()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			s.t.Errorf("server received bad request: %v", err)
			return
		}

		s.mtx.Lock()
		handler := s.handlers[req.Method]
		s.requests[req.Method]++
		s.mtx.Unlock()
		if handler == nil {
			continue
		}

		result, errPayload := handler(req.Params)
		var reply string
		switch {
		case errPayload != "":
			reply = fmt.Sprintf(`{"id": %d, "error": %s}`,
				req.ID, errPayload)
		case result != "":
			reply = fmt.Sprintf(`{"id": %d, "result": %s}`,
				req.ID, result)
		default:
			continue
		}

		if _, err := conn.Write(append([]byte(reply), '\n')); err != nil {
			return
		}
	}
}

// notify pushes a notification to the connected client.
func (s *mockElectrumServer) notify(method, params string) {
	s.mtx.Lock()
	conn := s.conn
	s.mtx.Unlock()
	if conn == nil {
		s.t.Fatalf("no client connected")
	}

	line := fmt.Sprintf(`{"method": %q, "params": %s}`, method, params)
	if _, err := conn.Write(append([]byte(line), '\n')); err != nil {
		s.t.Errorf("unable to notify: %v", err)
	}
}

// dropClient severs the current client connection, simulating a server-side
// failure.
func (s *mockElectrumServer) dropClient() {
	s.mtx.Lock()
	conn := s.conn
	s.conn = nil
	s.mtx.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// requestCount returns how many requests for the given method the server
// has seen.
func (s *mockElectrumServer) requestCount(method string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.requests[method]
}

// acceptedConns returns how many connections the server has accepted.
func (s *mockElectrumServer) acceptedConns() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.accepted
}

// awaitConns waits, up to testTimeout, until the server has accepted at least
// n connections. A client can announce its connection before the accept loop
// has recorded it, so tests that act on the server side of a fresh connection
// wait for it here first.
func (s *mockElectrumServer) awaitConns(n int) {
	deadline := time.Now().Add(testTimeout)
	for s.acceptedConns() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *mockElectrumServer) stop() {
	s.lis.Close()
	s.dropClient()
	s.wg.Wait()
}

// refusedServer returns a ServerAddress that is guaranteed to refuse
// connections.
func refusedServer(t *testing.T) ServerAddress {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	tcpAddr := lis.Addr().(*net.TCPAddr)
	lis.Close()

	return ServerAddress{Host: "127.0.0.1", Port: uint16(tcpAddr.Port)}
}

// recordingListener records every event it receives on buffered channels so
// tests can assert on ordering and absence.
type recordingListener struct {
	connected    chan struct{}
	disconnected chan struct{}

	statuses  chan AddressStatus
	unspents  chan []UnspentTx
	histories chan []HistoryTx
	balances  chan [2]btcutil.Amount
	txs       chan *Transaction
	broadcast chan *Transaction
	bcastErrs chan error
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		connected:    make(chan struct{}, 8),
		disconnected: make(chan struct{}, 8),
		statuses:     make(chan AddressStatus, 8),
		unspents:     make(chan []UnspentTx, 8),
		histories:    make(chan []HistoryTx, 8),
		balances:     make(chan [2]btcutil.Amount, 8),
		txs:          make(chan *Transaction, 8),
		broadcast:    make(chan *Transaction, 8),
		bcastErrs:    make(chan error, 8),
	}
}

func (r *recordingListener) OnConnection(m *Manager) {
	r.connected <- struct{}{}
}

func (r *recordingListener) OnDisconnect() {
	r.disconnected <- struct{}{}
}

func (r *recordingListener) OnAddressStatusUpdate(status AddressStatus) {
	r.statuses <- status
}

func (r *recordingListener) OnUnspentTransactionUpdate(status AddressStatus,
	utxos []UnspentTx) {

	r.unspents <- utxos
}

func (r *recordingListener) OnTransactionHistory(status AddressStatus,
	history []HistoryTx) {

	r.histories <- history
}

func (r *recordingListener) OnAddressBalanceUpdate(status AddressStatus,
	confirmed, unconfirmed btcutil.Amount) {

	r.balances <- [2]btcutil.Amount{confirmed, unconfirmed}
}

func (r *recordingListener) OnTransactionUpdate(tx *Transaction) {
	r.txs <- tx
}

func (r *recordingListener) OnTransactionBroadcast(tx *Transaction) {
	r.broadcast <- tx
}

func (r *recordingListener) OnTransactionBroadcastError(tx *Transaction,
	err error) {

	r.bcastErrs <- err
}

// awaitSignal fails the test unless the channel fires within the timeout.
func awaitSignal(t *testing.T, c <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-c:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// newTestManager builds a Manager with millisecond backoff against the given
// servers, registers the listener and starts it.
func newTestManager(t *testing.T, listener *recordingListener,
	servers ...ServerAddress) *Manager {

	t.Helper()

	manager, err := NewManager(&Config{
		Coin:           BitcoinMainNet,
		Servers:        servers,
		RetryBaseDelay: fastRetry,
		RetryMaxDelay:  16 * fastRetry,
		ConnectTimeout: time.Second,
		PingInterval:   -1,
	})
	if err != nil {
		t.Fatalf("unable to create manager: %v", err)
	}

	if listener != nil {
		manager.AddConnectionListener(listener, nil)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("unable to start manager: %v", err)
	}

	return manager
}
