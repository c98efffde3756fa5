// addrwatch keeps a connection to one of the configured Electrum servers and
// logs every status, history and unspent-output change of the watched
// addresses until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btcutil"

	"github.com/taowallet/electrum/chain"
	"github.com/taowallet/electrum/signal"
)

// watchListener logs every event the manager delivers. On each new
// connection it re-subscribes the watched addresses, and on each status
// change it pulls the address's unspent set and history.
type watchListener struct {
	manager *chain.Manager
	addrs   []chain.Address
}

// OnConnection re-issues the address subscriptions; they do not survive
// reconnects.
func (w *watchListener) OnConnection(m *chain.Manager) {
	awchLog.Infof("Connected, watching %d addresses", len(w.addrs))

	if err := m.SubscribeAddresses(w.addrs, w); err != nil {
		awchLog.Errorf("Unable to subscribe: %v", err)
	}
}

// OnDisconnect is purely informational; the manager reconnects on its own.
func (w *watchListener) OnDisconnect() {
	awchLog.Infof("Disconnected, waiting for reconnect")
}

func (w *watchListener) OnAddressStatusUpdate(status chain.AddressStatus) {
	if status.Status == nil {
		awchLog.Infof("%s: no history", status.Address)
		return
	}
	awchLog.Infof("%s: status %s", status.Address, *status.Status)

	if err := w.manager.GetUnspent(status, w); err != nil {
		awchLog.Errorf("Unable to fetch unspent outputs: %v", err)
	}
	if err := w.manager.GetHistory(status, w); err != nil {
		awchLog.Errorf("Unable to fetch history: %v", err)
	}
}

func (w *watchListener) OnUnspentTransactionUpdate(status chain.AddressStatus,
	utxos []chain.UnspentTx) {

	var total btcutil.Amount
	for _, utxo := range utxos {
		total += utxo.Value
	}
	awchLog.Infof("%s: %d unspent outputs worth %v", status.Address,
		len(utxos), total)
}

func (w *watchListener) OnTransactionHistory(status chain.AddressStatus,
	history []chain.HistoryTx) {

	awchLog.Infof("%s: %d history entries", status.Address, len(history))
	for _, entry := range history {
		awchLog.Debugf("%s: tx %v at height %d", status.Address,
			entry.TxHash, entry.Height)
	}
}

func (w *watchListener) OnAddressBalanceUpdate(status chain.AddressStatus,
	confirmed, unconfirmed btcutil.Amount) {

	awchLog.Infof("%s: balance %v confirmed, %v unconfirmed",
		status.Address, confirmed, unconfirmed)
}

func (w *watchListener) OnTransactionUpdate(tx *chain.Transaction) {
	hash, err := tx.Hash()
	if err != nil {
		awchLog.Errorf("Received undecodable transaction: %v", err)
		return
	}
	awchLog.Infof("Fetched transaction %v (%d bytes)", hash, len(tx.Raw))
}

func (w *watchListener) OnTransactionBroadcast(tx *chain.Transaction) {}

func (w *watchListener) OnTransactionBroadcastError(tx *chain.Transaction,
	err error) {
}

func watchMain() error {
	cfg, chainCfg, addrs, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogRotator(cfg.LogFile); err != nil {
		return err
	}
	defer logRotator.Close()
	setLogLevels(cfg.DebugLevel)

	signal.Intercept()

	manager, err := chain.NewManager(chainCfg)
	if err != nil {
		return err
	}

	listener := &watchListener{manager: manager, addrs: addrs}
	manager.AddConnectionListener(listener, nil)

	if err := manager.Start(); err != nil {
		return err
	}

	<-signal.ShutdownChannel()
	awchLog.Infof("Shutting down")
	manager.Stop()

	return nil
}

func main() {
	if err := watchMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
