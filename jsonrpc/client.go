// Package jsonrpc implements the line-delimited JSON-RPC client used to talk
// to Electrum-style backend servers: plain TCP, newline-terminated JSON
// frames, request/response correlation by id and server-initiated
// notifications routed to persistent subscription handlers.
package jsonrpc

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
)

const (
	// defaultConnectTimeout is the dial deadline applied when the caller
	// does not provide one.
	defaultConnectTimeout = 20 * time.Second
)

// State describes the lifecycle of a Client. A Client moves strictly forward
// through these states and never reconnects; reconnection is the owner's
// concern, which reacts to the Terminated event by building a fresh Client.
type State int32

const (
	// StateNew is the state of a Client that has not been started yet.
	StateNew State = iota

	// StateStarting is entered when Start begins dialing the server.
	StateStarting

	// StateRunning is entered once the socket is up and the worker
	// goroutines are processing traffic.
	StateRunning

	// StateStopping is entered when Stop is called on a running Client.
	StateStopping

	// StateTerminated is the terminal state. Every pending call has been
	// failed and the socket is closed.
	StateTerminated
)

// String returns a human readable state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StateEvent is the lifecycle message emitted on the configured StateEvents
// channel. A Client emits Running at most once, when the socket comes up, and
// Terminated exactly once, carrying the state the Client was in before
// termination.
type StateEvent struct {
	State State
	Prev  State
}

// Result resolves one call future: either the raw result member of the reply,
// or the error that failed the call (*RPCError, ErrDisconnected or
// ErrCallTimeout).
type Result struct {
	Result json.RawMessage
	Err    error
}

// NotificationHandler is invoked for every server notification matching a
// subscription. Handlers run on the connection's dispatch goroutine and must
// not block; hand anything expensive off to another goroutine.
type NotificationHandler func(params json.RawMessage)

// ReplyHandler is optionally invoked with a subscription's initial reply, on
// the dispatch goroutine, strictly before the NotificationHandler sees any
// notification that arrived after the reply. Like NotificationHandler, it
// must not block.
type ReplyHandler func(Result)

// DialFunc dials the backend. It exists so tests and callers with special
// transport needs can replace the dialer wholesale.
type DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// ConnConfig describes one connection to one server.
type ConnConfig struct {
	// Host is the host:port of the backend server.
	Host string

	// ConnectTimeout bounds a direct dial and is passed to a Dial
	// override. Zero means a 20 second default. A dial through Proxy is
	// not bounded by it.
	ConnectTimeout time.Duration

	// RequestTimeout, when non-zero, bounds every individual call. An
	// expired call fails with ErrCallTimeout without affecting the
	// connection.
	RequestTimeout time.Duration

	// Proxy, when set, routes the connection through the given SOCKS5
	// proxy address.
	Proxy string

	// Dial overrides the dialer. Proxy is ignored when set.
	Dial DialFunc

	// StateEvents, when non-nil, receives lifecycle events. The channel
	// must have capacity for at least two events (Running and
	// Terminated); an event that cannot be delivered without blocking is
	// dropped with a warning.
	StateEvents chan<- StateEvent
}

// subKey identifies one subscription: the notification method paired with the
// routing value the server echoes as the notification's first parameter.
type subKey struct {
	method string
	param  string
}

// subscription pairs a registry key with its handler.
type subscription struct {
	key     subKey
	handler NotificationHandler
	onReply ReplyHandler
}

// pendingCall tracks one outstanding request in the dispatch goroutine's
// table. It is created when the request is written and destroyed when the
// reply arrives, the deadline expires, or the connection terminates.
type pendingCall struct {
	id         uint64
	method     string
	resultChan chan Result
	onReply    ReplyHandler
	timer      *time.Timer
}

// jsonRequest is the unit handed from callers to the dispatch goroutine,
// which owns all writes to the socket.
type jsonRequest struct {
	id         uint64
	method     string
	frame      []byte
	resultChan chan Result
	sub        *subscription
}

// Client owns a single connection to a single server. One reader goroutine
// owns the socket for reads; one dispatch goroutine owns the pending-call
// table, the subscription registry and all writes. Callers never touch
// shared state directly; every operation is a message to the dispatcher.
type Client struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	nextID uint64 // To be used atomically.

	cfg *ConnConfig

	conn net.Conn

	stateMtx sync.RWMutex
	state    State

	requests     chan *jsonRequest
	unsubscribes chan subKey
	inbound      chan *message
	expired      chan uint64

	terminated sync.Once

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a Client for the given connection config. The Client does not
// touch the network until Start is called.
func New(cfg *ConnConfig) *Client {
	return &Client{
		cfg:          cfg,
		state:        StateNew,
		requests:     make(chan *jsonRequest),
		unsubscribes: make(chan subKey),
		inbound:      make(chan *message),
		expired:      make(chan uint64),
		quit:         make(chan struct{}),
	}
}

// Start dials the server and launches the worker goroutines. It is
// idempotent; only the first call has any effect. A dial failure leaves the
// Client terminated and is returned to the caller.
func (c *Client) Start() error {
	if atomic.LoadInt32(&c.stopped) != 0 {
		return ErrDisconnected
	}
	if atomic.AddInt32(&c.started, 1) != 1 {
		return nil
	}

	c.setState(StateStarting)

	conn, err := c.dial()
	if err != nil {
		log.Warnf("Unable to connect to %s: %v", c.cfg.Host, err)
		c.terminate()
		return err
	}
	c.conn = conn

	c.wg.Add(2)
	go c.readHandler()
	go c.dispatchHandler()

	// The socket may die before we get here, in which case the state has
	// already moved to Terminated and announcing Running would confuse
	// the owner.
	c.stateMtx.Lock()
	running := c.state == StateStarting
	if running {
		c.state = StateRunning
	}
	c.stateMtx.Unlock()

	if running {
		log.Infof("Connected to %s", c.cfg.Host)
		c.notifyState(StateEvent{
			State: StateRunning, Prev: StateStarting,
		})
	}

	return nil
}

// Stop begins an orderly shutdown: the socket is closed, every pending call
// fails with ErrDisconnected and the Terminated event fires. Stop is
// idempotent and returns without waiting; use WaitForShutdown to block until
// the worker goroutines have exited.
func (c *Client) Stop() {
	if atomic.AddInt32(&c.stopped, 1) != 1 {
		return
	}

	c.stateMtx.Lock()
	if c.state != StateTerminated {
		c.state = StateStopping
	}
	c.stateMtx.Unlock()

	c.terminate()
}

// WaitForShutdown blocks until the worker goroutines have exited. The
// pending-call table is guaranteed empty once this returns.
func (c *Client) WaitForShutdown() {
	c.wg.Wait()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.stateMtx.RLock()
	defer c.stateMtx.RUnlock()

	return c.state
}

// Call sends the request and returns a buffered channel that resolves with
// the reply, an *RPCError, ErrDisconnected or ErrCallTimeout. The caller is
// never blocked.
func (c *Client) Call(method string, params []interface{}) <-chan Result {
	return c.send(method, params, nil)
}

// CallSync sends the request and blocks for its resolution.
func (c *Client) CallSync(method string,
	params []interface{}) (json.RawMessage, error) {

	reply := <-c.Call(method, params)
	return reply.Result, reply.Err
}

// Subscribe installs handler for every future notification whose method
// matches and whose first parameter equals params[0], then sends the
// subscription request. The initial reply resolves the returned future; it
// is never delivered to handler. If onReply is non-nil it additionally
// receives the initial reply on the dispatch goroutine, before any
// notification that arrived after it.
//
// The first parameter must be a string; it is the registry key.
func (c *Client) Subscribe(method string, params []interface{},
	handler NotificationHandler, onReply ReplyHandler) <-chan Result {

	if len(params) == 0 {
		return failedResult(ErrEmptySubscription)
	}
	key, ok := params[0].(string)
	if !ok {
		return failedResult(ErrEmptySubscription)
	}

	return c.send(method, params, &subscription{
		key:     subKey{method: method, param: key},
		handler: handler,
		onReply: onReply,
	})
}

// Unsubscribe removes the subscription installed for (method, key), if any.
// Notifications for that key arriving afterwards are dropped with a warning.
func (c *Client) Unsubscribe(method, key string) {
	select {
	case c.unsubscribes <- subKey{method: method, param: key}:
	case <-c.quit:
	}
}

// send allocates the next id, frames the request and hands it to the
// dispatcher, which installs the pending call (and subscription, if any)
// before writing.
func (c *Client) send(method string, params []interface{},
	sub *subscription) <-chan Result {

	if c.State() != StateRunning {
		return failedResult(ErrDisconnected)
	}

	id := atomic.AddUint64(&c.nextID, 1)
	frame, err := (&request{ID: id, Method: method, Params: params}).marshal()
	if err != nil {
		return failedResult(err)
	}

	req := &jsonRequest{
		id:         id,
		method:     method,
		frame:      frame,
		resultChan: make(chan Result, 1),
		sub:        sub,
	}

	select {
	case c.requests <- req:
	case <-c.quit:
		req.resultChan <- Result{Err: ErrDisconnected}
	}

	return req.resultChan
}

// failedResult returns an already resolved future.
func failedResult(err error) <-chan Result {
	resultChan := make(chan Result, 1)
	resultChan <- Result{Err: err}
	return resultChan
}

// dial establishes the TCP connection, through the configured SOCKS5 proxy
// when one is set.
func (c *Client) dial() (net.Conn, error) {
	timeout := c.cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}

	if c.cfg.Dial != nil {
		return c.cfg.Dial("tcp", c.cfg.Host, timeout)
	}

	if c.cfg.Proxy != "" {
		dialer, err := proxy.SOCKS5(
			"tcp", c.cfg.Proxy, nil, proxy.Direct,
		)
		if err != nil {
			return nil, err
		}
		return dialer.Dial("tcp", c.cfg.Host)
	}

	return net.DialTimeout("tcp", c.cfg.Host, timeout)
}

// readHandler owns the socket for reads. It parses each delimited line and
// forwards well-formed messages to the dispatcher. Malformed frames are
// logged and skipped. Any read error terminates the connection.
func (c *Client) readHandler() {
	defer c.wg.Done()

	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes(delimiter)
		if err != nil {
			select {
			case <-c.quit:
			default:
				log.Infof("Read loop for %s ended: %v",
					c.cfg.Host, err)
			}
			c.terminate()
			return
		}

		msg, err := parseMessage(line)
		if err != nil {
			log.Warnf("Dropping frame from %s: %v", c.cfg.Host, err)
			continue
		}

		select {
		case c.inbound <- msg:
		case <-c.quit:
			return
		}
	}
}

// dispatchHandler is the connection's single worker for shared state: it
// owns the pending-call table and the subscription registry, and performs
// all socket writes. On exit it fails every remaining pending call with
// ErrDisconnected, so no call is ever orphaned.
func (c *Client) dispatchHandler() {
	defer c.wg.Done()

	pending := make(map[uint64]*pendingCall)
	subscriptions := make(map[subKey]*subscription)

out:
	for {
		select {
		case req := <-c.requests:
			if req.sub != nil {
				subscriptions[req.sub.key] = req.sub
			}

			call := &pendingCall{
				id:         req.id,
				method:     req.method,
				resultChan: req.resultChan,
			}
			if req.sub != nil {
				call.onReply = req.sub.onReply
			}
			pending[req.id] = call

			if _, err := c.conn.Write(req.frame); err != nil {
				log.Errorf("Unable to write request %d (%s) "+
					"to %s: %v", req.id, req.method,
					c.cfg.Host, err)
				c.terminate()
				continue
			}

			if c.cfg.RequestTimeout > 0 {
				call.timer = c.startCallTimer(req.id)
			}

		case key := <-c.unsubscribes:
			delete(subscriptions, key)

		case msg := <-c.inbound:
			if msg.isNotification() {
				c.dispatchNotification(subscriptions, msg)
				continue
			}

			call, ok := pending[*msg.ID]
			if !ok {
				log.Warnf("Dropping reply with unknown id %d "+
					"from %s", *msg.ID, c.cfg.Host)
				continue
			}
			delete(pending, *msg.ID)
			if call.timer != nil {
				call.timer.Stop()
			}

			reply := Result{Result: msg.Result}
			if msg.Error != nil {
				reply = Result{Err: newRPCError(msg.Error)}
			}
			call.resultChan <- reply
			if call.onReply != nil {
				call.onReply(reply)
			}

		case id := <-c.expired:
			call, ok := pending[id]
			if !ok {
				continue
			}
			delete(pending, id)

			log.Warnf("Request %d (%s) to %s timed out", id,
				call.method, c.cfg.Host)
			call.resultChan <- Result{Err: ErrCallTimeout}

		case <-c.quit:
			break out
		}
	}

	for _, call := range pending {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.resultChan <- Result{Err: ErrDisconnected}
	}
}

// startCallTimer arms the per-call deadline. The expiry is delivered as a
// message so the pending table stays owned by the dispatcher.
func (c *Client) startCallTimer(id uint64) *time.Timer {
	return time.AfterFunc(c.cfg.RequestTimeout, func() {
		select {
		case c.expired <- id:
		case <-c.quit:
		}
	})
}

// dispatchNotification routes a server notification to the handler
// registered for (method, params[0]). Unmatched notifications are dropped
// with a warning.
func (c *Client) dispatchNotification(subscriptions map[subKey]*subscription,
	msg *message) {

	var params []json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil ||
		len(params) == 0 {

		log.Warnf("Dropping %s notification with unusable params "+
			"from %s", msg.Method, c.cfg.Host)
		return
	}

	var key string
	if err := json.Unmarshal(params[0], &key); err != nil {
		log.Warnf("Dropping %s notification with non-string routing "+
			"param from %s", msg.Method, c.cfg.Host)
		return
	}

	sub, ok := subscriptions[subKey{method: msg.Method, param: key}]
	if !ok {
		log.Warnf("No subscription for %s notification with key %s, "+
			"dropping", msg.Method, key)
		return
	}

	sub.handler(msg.Params)
}

// terminate is the single exit path, reached from Stop, a read error or a
// write error. It closes the socket, wakes the workers and emits the
// Terminated event exactly once.
func (c *Client) terminate() {
	c.terminated.Do(func() {
		c.stateMtx.Lock()
		prev := c.state
		c.state = StateTerminated
		c.stateMtx.Unlock()

		close(c.quit)
		if c.conn != nil {
			c.conn.Close()
		}

		log.Debugf("Connection to %s terminated (was %v)", c.cfg.Host,
			prev)
		c.notifyState(StateEvent{State: StateTerminated, Prev: prev})
	})
}

// setState moves the lifecycle forward.
func (c *Client) setState(state State) {
	c.stateMtx.Lock()
	defer c.stateMtx.Unlock()

	c.state = state
}

// notifyState delivers a lifecycle event to the configured channel, if any.
func (c *Client) notifyState(event StateEvent) {
	if c.cfg.StateEvents == nil {
		return
	}

	select {
	case c.cfg.StateEvents <- event:
	default:
		log.Warnf("State event %v for %s dropped: channel full",
			event.State, c.cfg.Host)
	}
}
