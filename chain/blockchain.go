package chain

import (
	"encoding/hex"
	"encoding/json"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"
	"github.com/go-errors/errors"

	"github.com/taowallet/electrum/jsonrpc"
)

// RPC methods of the Electrum server protocol used by the facade.
const (
	methodServerVersion        = "server.version"
	methodAddressSubscribe     = "blockchain.address.subscribe"
	methodAddressListUnspent   = "blockchain.address.listunspent"
	methodAddressGetHistory    = "blockchain.address.get_history"
	methodAddressGetBalance    = "blockchain.address.get_balance"
	methodTransactionGet       = "blockchain.transaction.get"
	methodTransactionBroadcast = "blockchain.transaction.broadcast"
)

// SubscribeAddresses subscribes to status notifications for each of the
// given addresses. The server's reply for an address and every subsequent
// notification both surface through OnAddressStatusUpdate, so the listener
// must treat repeated statuses idempotently.
//
// Subscriptions are issued sequentially on a background goroutine, paced by
// the configured rate limit, so the list may be arbitrarily long. They live
// for the duration of the current connection only; on the next OnConnection
// the caller is expected to subscribe again.
func (m *Manager) SubscribeAddresses(addrs []Address,
	listener TransactionEventListener) error {

	conn, err := m.currentConn()
	if err != nil {
		return err
	}
	exec := m.txExecs.executorFor(listener)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		for _, addr := range addrs {
			// Bind the address by value into this iteration's
			// context before anything captures it.
			addr := addr

			if err := m.subLimiter.Wait(m.ctx); err != nil {
				return
			}

			onStatus := func(status AddressStatus) {
				exec.Submit(func() {
					listener.OnAddressStatusUpdate(status)
				})
			}

			conn.Subscribe(
				methodAddressSubscribe,
				[]interface{}{addr.String()},
				m.statusNotificationHandler(addr, onStatus),
				m.statusReplyHandler(addr, onStatus),
			)
		}
	}()

	return nil
}

// UnsubscribeAddress removes the single subscription installed for the given
// address on the current connection. Further notifications for it are
// dropped by the transport.
func (m *Manager) UnsubscribeAddress(addr Address) error {
	conn, err := m.currentConn()
	if err != nil {
		return err
	}

	conn.Unsubscribe(methodAddressSubscribe, addr.String())
	return nil
}

// statusReplyHandler adapts a subscription's initial reply, whose result is
// the bare status value, into a status callback. It runs on the transport
// worker and hands off immediately.
func (m *Manager) statusReplyHandler(addr Address,
	onStatus func(AddressStatus)) jsonrpc.ReplyHandler {

	return func(reply jsonrpc.Result) {
		if reply.Err != nil {
			log.Warnf("Subscription for %s failed: %v", addr,
				reply.Err)
			return
		}

		status, err := parseStatus(reply.Result)
		if err != nil {
			log.Errorf("Discarding subscription reply for %s: %v",
				addr, err)
			return
		}

		onStatus(AddressStatus{Address: addr, Status: status})
	}
}

// statusNotificationHandler adapts a status notification, whose params are
// the [address, status] pair, into a status callback. It runs on the
// transport worker and hands off immediately.
func (m *Manager) statusNotificationHandler(addr Address,
	onStatus func(AddressStatus)) jsonrpc.NotificationHandler {

	return func(params json.RawMessage) {
		var tuple []json.RawMessage
		if err := json.Unmarshal(params, &tuple); err != nil ||
			len(tuple) < 2 {

			log.Errorf("Discarding status notification with "+
				"unusable params for %s", addr)
			return
		}

		var notified string
		if err := json.Unmarshal(tuple[0], &notified); err != nil {
			log.Errorf("Discarding status notification with "+
				"non-string address for %s", addr)
			return
		}
		if _, err := NewAddress(notified, m.cfg.Coin); err != nil {
			log.Errorf("Discarding status notification: %v", err)
			return
		}

		status, err := parseStatus(tuple[1])
		if err != nil {
			log.Errorf("Discarding status notification for "+
				"%s: %v", addr, err)
			return
		}

		onStatus(AddressStatus{Address: addr, Status: status})
	}
}

// parseStatus decodes a status value: either a string fingerprint or null
// for an address without history.
func parseStatus(raw json.RawMessage) (*string, error) {
	var status *string
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, errors.WrapPrefix(err, "malformed status", 0)
	}

	return status, nil
}

// GetUnspent fetches the unspent outputs of the status's address and
// delivers them through OnUnspentTransactionUpdate together with the
// triggering status. Decode failures are logged and dropped without
// invoking the listener.
func (m *Manager) GetUnspent(status AddressStatus,
	listener TransactionEventListener) error {

	conn, err := m.currentConn()
	if err != nil {
		return err
	}
	exec := m.txExecs.executorFor(listener)

	resultChan := conn.Call(
		methodAddressListUnspent,
		[]interface{}{status.Address.String()},
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		reply, ok := m.awaitReply(methodAddressListUnspent, resultChan)
		if !ok {
			return
		}

		var utxos []UnspentTx
		if err := json.Unmarshal(reply, &utxos); err != nil {
			log.Errorf("Discarding %s reply for %s: %v",
				methodAddressListUnspent, status.Address,
				errors.Wrap(err, 0))
			return
		}

		exec.Submit(func() {
			listener.OnUnspentTransactionUpdate(status, utxos)
		})
	}()

	return nil
}

// GetHistory fetches the confirmed and unconfirmed history of the status's
// address and delivers it through OnTransactionHistory together with the
// triggering status.
func (m *Manager) GetHistory(status AddressStatus,
	listener TransactionEventListener) error {

	conn, err := m.currentConn()
	if err != nil {
		return err
	}
	exec := m.txExecs.executorFor(listener)

	resultChan := conn.Call(
		methodAddressGetHistory,
		[]interface{}{status.Address.String()},
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		reply, ok := m.awaitReply(methodAddressGetHistory, resultChan)
		if !ok {
			return
		}

		var history []HistoryTx
		if err := json.Unmarshal(reply, &history); err != nil {
			log.Errorf("Discarding %s reply for %s: %v",
				methodAddressGetHistory, status.Address,
				errors.Wrap(err, 0))
			return
		}

		exec.Submit(func() {
			listener.OnTransactionHistory(status, history)
		})
	}()

	return nil
}

// GetBalance fetches the confirmed and unconfirmed balance of the status's
// address and delivers it through OnAddressBalanceUpdate.
func (m *Manager) GetBalance(status AddressStatus,
	listener TransactionEventListener) error {

	conn, err := m.currentConn()
	if err != nil {
		return err
	}
	exec := m.txExecs.executorFor(listener)

	resultChan := conn.Call(
		methodAddressGetBalance,
		[]interface{}{status.Address.String()},
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		reply, ok := m.awaitReply(methodAddressGetBalance, resultChan)
		if !ok {
			return
		}

		var balance struct {
			Confirmed   int64 `json:"confirmed"`
			Unconfirmed int64 `json:"unconfirmed"`
		}
		if err := json.Unmarshal(reply, &balance); err != nil {
			log.Errorf("Discarding %s reply for %s: %v",
				methodAddressGetBalance, status.Address,
				errors.Wrap(err, 0))
			return
		}

		exec.Submit(func() {
			listener.OnAddressBalanceUpdate(
				status,
				btcutil.Amount(balance.Confirmed),
				btcutil.Amount(balance.Unconfirmed),
			)
		})
	}()

	return nil
}

// GetTransaction fetches the raw transaction with the given hash and
// delivers it through OnTransactionUpdate.
func (m *Manager) GetTransaction(txHash *chainhash.Hash,
	listener TransactionEventListener) error {

	conn, err := m.currentConn()
	if err != nil {
		return err
	}
	exec := m.txExecs.executorFor(listener)

	resultChan := conn.Call(
		methodTransactionGet,
		[]interface{}{txHash.String()},
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		reply, ok := m.awaitReply(methodTransactionGet, resultChan)
		if !ok {
			return
		}

		rawHex, err := firstString(reply)
		if err != nil {
			log.Errorf("Discarding %s reply for %v: %v",
				methodTransactionGet, txHash, err)
			return
		}

		raw, err := hex.DecodeString(rawHex)
		if err != nil {
			log.Errorf("Discarding %s reply for %v: %v",
				methodTransactionGet, txHash,
				errors.Wrap(err, 0))
			return
		}

		tx := &Transaction{Raw: raw}
		exec.Submit(func() {
			listener.OnTransactionUpdate(tx)
		})
	}()

	return nil
}

// Broadcast submits the raw transaction to the network and verifies that the
// server's acknowledgement carries the transaction's own hash. On success
// OnTransactionBroadcast fires; on a server error, an undecodable
// acknowledgement or a txid mismatch, OnTransactionBroadcastError is the
// only listener call made.
func (m *Manager) Broadcast(tx *Transaction,
	listener TransactionEventListener) error {

	conn, err := m.currentConn()
	if err != nil {
		return err
	}

	txHash, err := tx.Hash()
	if err != nil {
		return errors.WrapPrefix(err, "undecodable transaction", 0)
	}
	exec := m.txExecs.executorFor(listener)

	resultChan := conn.Call(
		methodTransactionBroadcast,
		[]interface{}{hex.EncodeToString(tx.Raw)},
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		var reply jsonrpc.Result
		select {
		case reply = <-resultChan:
		case <-m.quit:
			return
		}

		fail := func(err error) {
			exec.Submit(func() {
				listener.OnTransactionBroadcastError(tx, err)
			})
		}

		if reply.Err != nil {
			fail(reply.Err)
			return
		}

		ackHex, err := firstString(reply.Result)
		if err != nil {
			fail(err)
			return
		}
		ackHash, err := chainhash.NewHashFromStr(ackHex)
		if err != nil {
			fail(errors.WrapPrefix(err, "undecodable broadcast "+
				"acknowledgement", 0))
			return
		}

		if !ackHash.IsEqual(txHash) {
			fail(&BroadcastMismatchError{
				Expected: *txHash,
				Got:      *ackHash,
			})
			return
		}

		log.Infof("Broadcast %v acknowledged", txHash)
		exec.Submit(func() {
			listener.OnTransactionBroadcast(tx)
		})
	}()

	return nil
}

// Ping issues a liveness check against the current connection and logs the
// advertised server version. No listener is involved; without a connection
// no RPC is issued at all.
func (m *Manager) Ping() error {
	conn, err := m.currentConn()
	if err != nil {
		return err
	}

	result, err := conn.CallSync(methodServerVersion, nil)
	if err != nil {
		return err
	}

	version, err := firstString(result)
	if err != nil {
		log.Warnf("Unreadable %s reply: %v", methodServerVersion, err)
		return nil
	}

	log.Debugf("Server responded to ping: %s", version)
	return nil
}

// awaitReply resolves a call future, filtering out the failures the facade
// only logs: server errors and disconnections never propagate to the
// listener or the connection lifecycle.
func (m *Manager) awaitReply(method string,
	resultChan <-chan jsonrpc.Result) (json.RawMessage, bool) {

	var reply jsonrpc.Result
	select {
	case reply = <-resultChan:
	case <-m.quit:
		return nil, false
	}

	if reply.Err != nil {
		log.Warnf("%s failed: %v", method, reply.Err)
		return nil, false
	}

	return reply.Result, true
}

// firstString extracts element 0 of an array result, accepting the bare
// string form some server implementations answer with instead.
func firstString(raw json.RawMessage) (string, error) {
	var elems []string
	if err := json.Unmarshal(raw, &elems); err == nil {
		if len(elems) == 0 {
			return "", errors.New("empty result array")
		}
		return elems[0], nil
	}

	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", errors.WrapPrefix(err, "unexpected result shape", 0)
	}

	return value, nil
}
