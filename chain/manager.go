package chain

import (
	"context"
	prand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taowallet/electrum/jsonrpc"
	"github.com/taowallet/electrum/ticker"
	"golang.org/x/time/rate"
)

const (
	// defaultRetryBaseDelay is the reset value of the reconnect delay. The
	// first retry after a run that reached the connected state waits twice
	// this value.
	defaultRetryBaseDelay = time.Second

	// defaultRetryMaxDelay caps the doubling reconnect delay.
	defaultRetryMaxDelay = 16 * time.Second

	// defaultPingInterval paces the keepalive pings sent while connected.
	defaultPingInterval = time.Minute

	// defaultSubscribeRate bounds how many address subscriptions per
	// second a bulk SubscribeAddresses call issues, so that watching a
	// large wallet does not hammer the backend.
	defaultSubscribeRate = 32

	// subscribeBurst is the burst allowance of the subscription limiter.
	subscribeBurst = 8
)

// Config parameterizes a Manager. Coin and Servers are required; every other
// field has a usable default.
type Config struct {
	// Coin is the chain the servers are expected to serve.
	Coin CoinType

	// Servers is the fixed set of interchangeable backends. Selection is
	// random among the ones not currently blacklisted.
	Servers []ServerAddress

	// RetryBaseDelay overrides the reconnect delay reset value.
	RetryBaseDelay time.Duration

	// RetryMaxDelay overrides the reconnect delay ceiling.
	RetryMaxDelay time.Duration

	// ConnectTimeout bounds each dial attempt, except dials through Proxy.
	ConnectTimeout time.Duration

	// RequestTimeout, when non-zero, bounds every individual RPC.
	RequestTimeout time.Duration

	// Proxy, when set, routes connections through a SOCKS5 proxy.
	Proxy string

	// Dial overrides the transport dialer. Intended for tests.
	Dial jsonrpc.DialFunc

	// PingInterval overrides the keepalive pacing. A negative value
	// disables keepalive pings.
	PingInterval time.Duration

	// PingTicker overrides the keepalive ticker. Intended for tests.
	PingTicker ticker.Ticker

	// SubscribeRate overrides the per-second bound on bulk address
	// subscriptions.
	SubscribeRate rate.Limit
}

// Manager supervises the connection to the backend servers: it selects a
// server, runs one transport connection at a time, reacts to its termination
// and schedules reconnects with bounded exponential backoff. It also exposes
// the blockchain operations of the facade, which all run against the current
// connection.
type Manager struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg Config

	connMtx sync.RWMutex
	conn    *jsonrpc.Client

	connListeners connListenerRegistry
	txExecs       txExecutors

	subLimiter *rate.Limiter

	ctx       context.Context
	ctxCancel context.CancelFunc

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewManager validates the config and builds a Manager. Start must be called
// before any facade operation can succeed.
func NewManager(cfg *Config) (*Manager, error) {
	if len(cfg.Servers) == 0 {
		return nil, ErrNoServers
	}

	m := &Manager{
		cfg:  *cfg,
		quit: make(chan struct{}),
	}

	if m.cfg.RetryBaseDelay <= 0 {
		m.cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if m.cfg.RetryMaxDelay <= 0 {
		m.cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	if m.cfg.PingInterval == 0 {
		m.cfg.PingInterval = defaultPingInterval
	}
	if m.cfg.SubscribeRate <= 0 {
		m.cfg.SubscribeRate = defaultSubscribeRate
	}

	m.subLimiter = rate.NewLimiter(m.cfg.SubscribeRate, subscribeBurst)
	m.ctx, m.ctxCancel = context.WithCancel(context.Background())

	return m, nil
}

// Start launches the connection supervisor. A Manager starts at most once;
// once stopped it stays stopped.
func (m *Manager) Start() error {
	if atomic.LoadInt32(&m.stopped) != 0 {
		return ErrManagerStopped
	}
	if atomic.AddInt32(&m.started, 1) != 1 {
		return ErrManagerStarted
	}

	log.Infof("Starting %v connection manager with %d servers", m.cfg.Coin,
		len(m.cfg.Servers))

	m.wg.Add(1)
	go m.connHandler()

	if m.cfg.PingInterval > 0 {
		m.wg.Add(1)
		go m.pingHandler()
	}

	return nil
}

// StopAsync requests shutdown and returns immediately: the pending reconnect
// (if any) is abandoned, the current connection is torn down and no new run
// is started. Safe to call from any state, any number of times, including
// from a process exit hook.
func (m *Manager) StopAsync() {
	if atomic.AddInt32(&m.stopped, 1) != 1 {
		return
	}

	log.Infof("Stopping %v connection manager", m.cfg.Coin)

	m.ctxCancel()
	close(m.quit)

	m.connMtx.RLock()
	conn := m.conn
	m.connMtx.RUnlock()
	if conn != nil {
		conn.Stop()
	}
}

// Stop requests shutdown and blocks until all supervisor goroutines have
// exited.
func (m *Manager) Stop() {
	m.StopAsync()
	m.wg.Wait()
}

// AddConnectionListener registers a listener for connection lifecycle
// events. A nil exec runs the listener on a dedicated serialized executor
// owned by the Manager.
func (m *Manager) AddConnectionListener(listener ConnectionEventListener,
	exec Executor) {

	m.connListeners.add(listener, exec)
}

// RemoveConnectionListener unregisters a previously added listener.
func (m *Manager) RemoveConnectionListener(listener ConnectionEventListener) {
	m.connListeners.remove(listener)
}

// RegisterTransactionListener associates an executor with a transaction
// event listener ahead of its first use. Without prior registration, a
// listener passed to a facade call gets a dedicated serialized executor
// owned by the Manager.
func (m *Manager) RegisterTransactionListener(
	listener TransactionEventListener, exec Executor) {

	m.txExecs.register(listener, exec)
}

// ReleaseTransactionListener drops the listener's executor association and
// stops its owned executor, if any.
func (m *Manager) ReleaseTransactionListener(
	listener TransactionEventListener) {

	m.txExecs.release(listener)
}

// connHandler is the supervisor's single goroutine. It owns the retry delay,
// the blacklist and the current transport, serializing every state
// transition: select a server, run a connection, blacklist on involuntary
// termination, back off, repeat. At most one backoff wait is ever pending
// and it is abandoned in O(1) on shutdown.
func (m *Manager) connHandler() {
	defer m.wg.Done()
	defer m.txExecs.teardown()
	defer m.connListeners.teardown()

	retryDelay := m.cfg.RetryBaseDelay
	failed := make(map[string]struct{})

	for {
		select {
		case <-m.quit:
			return
		default:
		}

		server := pickServer(m.cfg.Servers, failed)

		involuntary := m.runConnection(server, &retryDelay)
		if m.isStopped() {
			return
		}

		if involuntary {
			failed[server.String()] = struct{}{}
		}

		retryDelay *= 2
		if retryDelay > m.cfg.RetryMaxDelay {
			retryDelay = m.cfg.RetryMaxDelay
		}

		log.Infof("Reconnecting to a %v server in %v", m.cfg.Coin,
			retryDelay)

		backoff := time.NewTimer(retryDelay)
		select {
		case <-backoff.C:
		case <-m.quit:
			backoff.Stop()
			return
		}
	}
}

// runConnection performs one connection run against the given server: dial,
// serve until termination, tear down. It reports whether the run ended
// involuntarily (and should therefore blacklist the server) as opposed to
// being stopped by us.
func (m *Manager) runConnection(server ServerAddress,
	retryDelay *time.Duration) bool {

	log.Debugf("Connecting to %v server %v", m.cfg.Coin, server)

	stateEvents := make(chan jsonrpc.StateEvent, 4)
	client := jsonrpc.New(&jsonrpc.ConnConfig{
		Host:           server.String(),
		ConnectTimeout: m.cfg.ConnectTimeout,
		RequestTimeout: m.cfg.RequestTimeout,
		Proxy:          m.cfg.Proxy,
		Dial:           m.cfg.Dial,
		StateEvents:    stateEvents,
	})

	if err := client.Start(); err != nil {
		return true
	}

	connected := false
	involuntary := true

out:
	for {
		select {
		case event := <-stateEvents:
			switch event.State {
			case jsonrpc.StateRunning:
				connected = true
				m.setConn(client)

				// A successful connection resets the backoff.
				*retryDelay = m.cfg.RetryBaseDelay

				log.Infof("Connected to %v server %v",
					m.cfg.Coin, server)
				m.connListeners.broadcastConnected(m)

			case jsonrpc.StateTerminated:
				if event.Prev == jsonrpc.StateStopping {
					involuntary = false
				}
				break out
			}

		case <-m.quit:
			client.Stop()
			involuntary = false
			break out
		}
	}

	client.WaitForShutdown()

	if connected {
		m.clearConn(client)
		log.Infof("Lost connection to %v server %v", m.cfg.Coin,
			server)
		m.connListeners.broadcastDisconnected()
	}

	return involuntary
}

// pickServer samples uniformly from the configured servers until one outside
// the blacklist is drawn. When every server has failed, the blacklist is
// cleared first so a single-server configuration can never deadlock.
func pickServer(servers []ServerAddress,
	failed map[string]struct{}) ServerAddress {

	if len(failed) >= len(servers) {
		for addr := range failed {
			delete(failed, addr)
		}
	}

	for {
		server := servers[prand.Intn(len(servers))]
		if _, ok := failed[server.String()]; !ok {
			return server
		}
	}
}

// pingHandler issues a keepalive ping on every tick while a connection is
// up. Ping failures are only logged; liveness decisions belong to the
// transport's own I/O errors.
func (m *Manager) pingHandler() {
	defer m.wg.Done()

	pingTicker := m.cfg.PingTicker
	if pingTicker == nil {
		pingTicker = ticker.New(m.cfg.PingInterval)
	}
	pingTicker.Resume()
	defer pingTicker.Stop()

	for {
		select {
		case <-pingTicker.Ticks():
			if err := m.Ping(); err != nil {
				log.Debugf("Keepalive ping skipped: %v", err)
			}

		case <-m.quit:
			return
		}
	}
}

// setConn publishes the client as the current connection.
func (m *Manager) setConn(client *jsonrpc.Client) {
	m.connMtx.Lock()
	defer m.connMtx.Unlock()

	m.conn = client
}

// clearConn withdraws the client if it still is the current connection.
func (m *Manager) clearConn(client *jsonrpc.Client) {
	m.connMtx.Lock()
	defer m.connMtx.Unlock()

	if m.conn == client {
		m.conn = nil
	}
}

// currentConn returns the current connection, or ErrNotConnected when no run
// is established.
func (m *Manager) currentConn() (*jsonrpc.Client, error) {
	m.connMtx.RLock()
	defer m.connMtx.RUnlock()

	if m.conn == nil {
		return nil, ErrNotConnected
	}

	return m.conn, nil
}

// isStopped reports whether StopAsync has been called.
func (m *Manager) isStopped() bool {
	return atomic.LoadInt32(&m.stopped) != 0
}
