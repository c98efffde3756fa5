// Package chain maintains a durable connection to one of several
// interchangeable Electrum-style backend servers, multiplexes wallet queries
// and address subscriptions over it, and delivers blockchain events to
// registered listeners. The package is memory resident: subscriptions do not
// survive a reconnect and must be re-issued by the caller when a new
// connection is announced.
package chain

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// CoinType identifies the chain a Manager talks to. The name is used for
// logging; the params drive address validation.
type CoinType struct {
	// Name is a human readable chain identifier.
	Name string

	// Params are the chain parameters addresses are validated against.
	// A nil value disables validation, letting the address strings pass
	// through opaquely.
	Params *chaincfg.Params
}

// String returns the coin name.
func (c CoinType) String() string {
	return c.Name
}

// Built-in coin types. Callers targeting other chains construct their own.
var (
	BitcoinMainNet  = CoinType{Name: "bitcoin", Params: &chaincfg.MainNetParams}
	BitcoinTestNet3 = CoinType{Name: "bitcoin-testnet", Params: &chaincfg.TestNet3Params}
)

// ServerAddress is the host and port of one backend server. The set of
// servers is fixed at Manager construction; their order carries no meaning.
type ServerAddress struct {
	Host string
	Port uint16
}

// String returns the dialable host:port form.
func (s ServerAddress) String() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// ParseServerAddress parses a "host", "host:port" or "[host]:port" string,
// applying defaultPort when none is given.
func ParseServerAddress(addr string,
	defaultPort uint16) (ServerAddress, error) {

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Assume the port was simply missing.
		host, portStr = addr, strconv.Itoa(int(defaultPort))
	}
	if host == "" {
		return ServerAddress{}, &AddressFormatError{
			Value: addr, Coin: "server",
			Err: errors.New("empty host"),
		}
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return ServerAddress{}, &AddressFormatError{
			Value: addr, Coin: "server", Err: err,
		}
	}

	return ServerAddress{Host: host, Port: uint16(port)}, nil
}

// NormalizeServerAddresses returns a new slice with all the passed addresses
// parsed against the given default port and all duplicates removed.
func NormalizeServerAddresses(addrs []string,
	defaultPort uint16) ([]ServerAddress, error) {

	result := make([]ServerAddress, 0, len(addrs))
	seen := map[string]struct{}{}

	for _, addr := range addrs {
		parsed, err := ParseServerAddress(
			strings.TrimSpace(addr), defaultPort,
		)
		if err != nil {
			return nil, err
		}

		if _, ok := seen[parsed.String()]; !ok {
			result = append(result, parsed)
			seen[parsed.String()] = struct{}{}
		}
	}

	return result, nil
}

// Address is an opaque printable address together with the coin it was
// minted under. Two addresses are equal iff their string forms are equal
// under the same coin.
type Address struct {
	value string
	coin  CoinType
}

// NewAddress validates value against the coin's chain params and wraps it.
func NewAddress(value string, coin CoinType) (Address, error) {
	if value == "" {
		return Address{}, &AddressFormatError{
			Value: value, Coin: coin.Name,
			Err: errors.New("empty address"),
		}
	}

	if coin.Params != nil {
		if _, err := btcutil.DecodeAddress(value, coin.Params); err != nil {
			return Address{}, &AddressFormatError{
				Value: value, Coin: coin.Name, Err: err,
			}
		}
	}

	return Address{value: value, coin: coin}, nil
}

// String returns the address in its printable form.
func (a Address) String() string {
	return a.value
}

// Coin returns the coin the address belongs to.
func (a Address) Coin() CoinType {
	return a.coin
}

// Equal reports whether two addresses have the same string form under the
// same coin.
func (a Address) Equal(other Address) bool {
	return a.value == other.value && a.coin.Name == other.coin.Name
}

// AddressStatus pairs an address with the server-computed fingerprint of its
// transaction history. A nil status means the address has no history yet.
type AddressStatus struct {
	Address Address
	Status  *string
}

// Equal reports whether two statuses refer to the same address and carry the
// same fingerprint: both nil, or both the same string.
func (s AddressStatus) Equal(other AddressStatus) bool {
	if !s.Address.Equal(other.Address) {
		return false
	}
	if s.Status == nil || other.Status == nil {
		return s.Status == other.Status
	}
	return *s.Status == *other.Status
}

// HistoryTx is one entry of an address's transaction history. Height zero
// means the transaction sits in the mempool; a negative height means it is
// unconfirmed with unconfirmed parents, per the backend convention.
type HistoryTx struct {
	TxHash chainhash.Hash
	Height int32
}

// historyTxJSON is the wire shape of one get_history entry.
type historyTxJSON struct {
	TxHash string `json:"tx_hash"`
	Height int32  `json:"height"`
}

// MarshalJSON implements the json.Marshaler interface.
func (h HistoryTx) MarshalJSON() ([]byte, error) {
	return json.Marshal(&historyTxJSON{
		TxHash: h.TxHash.String(),
		Height: h.Height,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (h *HistoryTx) UnmarshalJSON(b []byte) error {
	var wireTx historyTxJSON
	if err := json.Unmarshal(b, &wireTx); err != nil {
		return err
	}

	hash, err := chainhash.NewHashFromStr(wireTx.TxHash)
	if err != nil {
		return err
	}

	h.TxHash = *hash
	h.Height = wireTx.Height
	return nil
}

// UnspentTx is one unspent output of an address. Equality is defined on
// (hash, output position, value).
type UnspentTx struct {
	HistoryTx
	TxPos uint32
	Value btcutil.Amount
}

// Equal reports whether two unspent outputs refer to the same output with
// the same value.
func (u UnspentTx) Equal(other UnspentTx) bool {
	return u.TxHash == other.TxHash && u.TxPos == other.TxPos &&
		u.Value == other.Value
}

// unspentTxJSON is the wire shape of one listunspent entry.
type unspentTxJSON struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Value  int64  `json:"value"`
	Height int32  `json:"height"`
}

// MarshalJSON implements the json.Marshaler interface.
func (u UnspentTx) MarshalJSON() ([]byte, error) {
	return json.Marshal(&unspentTxJSON{
		TxHash: u.TxHash.String(),
		TxPos:  u.TxPos,
		Value:  int64(u.Value),
		Height: u.Height,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (u *UnspentTx) UnmarshalJSON(b []byte) error {
	var wireTx unspentTxJSON
	if err := json.Unmarshal(b, &wireTx); err != nil {
		return err
	}

	hash, err := chainhash.NewHashFromStr(wireTx.TxHash)
	if err != nil {
		return err
	}

	u.TxHash = *hash
	u.TxPos = wireTx.TxPos
	u.Value = btcutil.Amount(wireTx.Value)
	u.Height = wireTx.Height
	return nil
}

// Transaction carries raw serialized transaction bytes. The package never
// inspects them beyond computing the hash used to verify a broadcast
// acknowledgement.
type Transaction struct {
	Raw []byte
}

// Hash deserializes the raw bytes far enough to compute the transaction
// hash.
func (t *Transaction) Hash() (*chainhash.Hash, error) {
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(t.Raw)); err != nil {
		return nil, err
	}

	hash := msgTx.TxHash()
	return &hash, nil
}

// ConnectionEventListener is notified of connection lifecycle changes. The
// Manager passed to OnConnection is ready for facade calls; after
// OnDisconnect every facade call fails with ErrNotConnected until the next
// OnConnection, and any subscriptions must be re-issued.
type ConnectionEventListener interface {
	OnConnection(m *Manager)
	OnDisconnect()
}

// TransactionEventListener receives the results of facade operations. A
// listener instance is passed per call; all of its callbacks run serialized
// on the executor associated with it, in reply arrival order.
type TransactionEventListener interface {
	// OnAddressStatusUpdate fires for the reply to an address
	// subscription and again for every subsequent status notification.
	// Status handling must therefore be idempotent.
	OnAddressStatusUpdate(status AddressStatus)

	// OnUnspentTransactionUpdate delivers the unspent outputs fetched
	// for the given status.
	OnUnspentTransactionUpdate(status AddressStatus, utxos []UnspentTx)

	// OnTransactionHistory delivers the history fetched for the given
	// status.
	OnTransactionHistory(status AddressStatus, history []HistoryTx)

	// OnAddressBalanceUpdate delivers the confirmed and unconfirmed
	// balance fetched for the given status.
	OnAddressBalanceUpdate(status AddressStatus, confirmed,
		unconfirmed btcutil.Amount)

	// OnTransactionUpdate delivers a fetched raw transaction.
	OnTransactionUpdate(tx *Transaction)

	// OnTransactionBroadcast fires when the server acknowledged the
	// broadcast with the transaction's own hash.
	OnTransactionBroadcast(tx *Transaction)

	// OnTransactionBroadcastError fires when the broadcast failed or was
	// acknowledged with a different txid (*BroadcastMismatchError).
	OnTransactionBroadcastError(tx *Transaction, err error)
}
