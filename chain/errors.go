package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrNotConnected is returned by every facade operation issued while
	// no server connection is established.
	ErrNotConnected = errors.New("not connected to a server")

	// ErrManagerStarted is returned on a second Start of the same
	// Manager.
	ErrManagerStarted = errors.New("manager already started")

	// ErrManagerStopped is returned when Start is called on a Manager
	// that has been stopped. A stopped Manager never restarts.
	ErrManagerStopped = errors.New("manager stopped")

	// ErrNoServers is returned when a Manager is constructed without any
	// backend server to connect to.
	ErrNoServers = errors.New("no backend servers configured")
)

// AddressFormatError describes an address string that does not parse under
// the coin it was presented for. Notifications carrying such addresses are
// logged and dropped.
type AddressFormatError struct {
	Value string
	Coin  string
	Err   error
}

// Error satisfies the error interface.
func (e *AddressFormatError) Error() string {
	return fmt.Sprintf("invalid %s address %q: %v", e.Coin, e.Value, e.Err)
}

// BroadcastMismatchError is surfaced through OnTransactionBroadcastError when
// the server acknowledges a broadcast with a txid that differs from the hash
// of the submitted transaction. Hash equality is the acceptance criterion;
// anything else means the network may have accepted a malleated variant.
type BroadcastMismatchError struct {
	Expected chainhash.Hash
	Got      chainhash.Hash
}

// Error satisfies the error interface.
func (e *BroadcastMismatchError) Error() string {
	return fmt.Sprintf("broadcast acknowledged with txid %v, expected %v",
		e.Got, e.Expected)
}
