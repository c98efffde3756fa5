package chain

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"
	"github.com/davecgh/go-spew/spew"
)

// TestNewAddressValidation asserts that addresses are validated against the
// coin's chain parameters.
func TestNewAddressValidation(t *testing.T) {
	if _, err := NewAddress(testAddress, BitcoinMainNet); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}

	_, err := NewAddress("clearly-not-an-address", BitcoinMainNet)
	if _, ok := err.(*AddressFormatError); !ok {
		t.Fatalf("expected *AddressFormatError, got %v", err)
	}

	if _, err := NewAddress("", BitcoinMainNet); err == nil {
		t.Fatalf("empty address accepted")
	}

	// A mainnet address is invalid under testnet parameters.
	if _, err := NewAddress(testAddress, BitcoinTestNet3); err == nil {
		t.Fatalf("mainnet address accepted under testnet params")
	}

	// Without chain parameters the value passes through opaquely.
	opaque := CoinType{Name: "opaque"}
	if _, err := NewAddress("anything-goes", opaque); err != nil {
		t.Fatalf("opaque coin rejected address: %v", err)
	}
}

// TestAddressStatusEqual asserts the null-aware status comparison.
func TestAddressStatusEqual(t *testing.T) {
	addr, err := NewAddress(testAddress, BitcoinMainNet)
	if err != nil {
		t.Fatalf("unable to parse address: %v", err)
	}

	aa, bb := "aa", "bb"
	aa2 := "aa"

	tests := []struct {
		name  string
		a, b  AddressStatus
		equal bool
	}{
		{
			name:  "both null",
			a:     AddressStatus{Address: addr},
			b:     AddressStatus{Address: addr},
			equal: true,
		},
		{
			name:  "null vs value",
			a:     AddressStatus{Address: addr},
			b:     AddressStatus{Address: addr, Status: &aa},
			equal: false,
		},
		{
			name:  "equal values",
			a:     AddressStatus{Address: addr, Status: &aa},
			b:     AddressStatus{Address: addr, Status: &aa2},
			equal: true,
		},
		{
			name:  "different values",
			a:     AddressStatus{Address: addr, Status: &aa},
			b:     AddressStatus{Address: addr, Status: &bb},
			equal: false,
		},
	}

	for _, test := range tests {
		if test.a.Equal(test.b) != test.equal {
			t.Fatalf("%s: comparison mismatch", test.name)
		}
	}
}

// TestUnspentTxRoundTrip asserts that parsing and re-serializing an unspent
// output preserves equality, reversed-hex hash included.
func TestUnspentTxRoundTrip(t *testing.T) {
	encoded := `{"tx_hash":"ab00000000000000000000000000000000000000` +
		`000000000000000000000000","tx_pos":2,"value":12345,` +
		`"height":99}`

	var utxo UnspentTx
	if err := json.Unmarshal([]byte(encoded), &utxo); err != nil {
		t.Fatalf("unable to decode: %v", err)
	}

	reencoded, err := json.Marshal(utxo)
	if err != nil {
		t.Fatalf("unable to encode: %v", err)
	}

	var again UnspentTx
	if err := json.Unmarshal(reencoded, &again); err != nil {
		t.Fatalf("unable to re-decode: %v", err)
	}

	if !utxo.Equal(again) || utxo.Height != again.Height {
		t.Fatalf("round trip lost data: %v vs %v", spew.Sdump(utxo),
			spew.Sdump(again))
	}
	if utxo.Value != btcutil.Amount(12345) {
		t.Fatalf("unexpected value: %v", utxo.Value)
	}
}

// TestHistoryTxDecode asserts the documented get_history wire shape and the
// reversed-hex hash convention.
func TestHistoryTxDecode(t *testing.T) {
	hashHex := "cd00000000000000000000000000000000000000000000000000000000000000"

	var entry HistoryTx
	err := json.Unmarshal(
		[]byte(`{"tx_hash":"`+hashHex+`","height":-1}`), &entry,
	)
	if err != nil {
		t.Fatalf("unable to decode: %v", err)
	}

	expected, _ := chainhash.NewHashFromStr(hashHex)
	if entry.TxHash != *expected || entry.Height != -1 {
		t.Fatalf("unexpected entry: %v", spew.Sdump(entry))
	}

	if _, err := json.Marshal(entry); err != nil {
		t.Fatalf("unable to encode: %v", err)
	}
}

// TestParseServerAddress asserts parsing and normalization of server
// specifications.
func TestParseServerAddress(t *testing.T) {
	parsed, err := ParseServerAddress("electrum.example.com:50002", 50001)
	if err != nil {
		t.Fatalf("unable to parse: %v", err)
	}
	if parsed.Host != "electrum.example.com" || parsed.Port != 50002 {
		t.Fatalf("unexpected address: %v", parsed)
	}

	parsed, err = ParseServerAddress("electrum.example.com", 50001)
	if err != nil {
		t.Fatalf("unable to parse: %v", err)
	}
	if parsed.Port != 50001 {
		t.Fatalf("default port not applied: %v", parsed)
	}

	if _, err := ParseServerAddress("host:notaport", 50001); err == nil {
		t.Fatalf("bad port accepted")
	}

	normalized, err := NormalizeServerAddresses([]string{
		"a.example.com",
		"b.example.com:50001",
		"a.example.com:50001",
	}, 50001)
	if err != nil {
		t.Fatalf("unable to normalize: %v", err)
	}

	expected := []ServerAddress{
		{Host: "a.example.com", Port: 50001},
		{Host: "b.example.com", Port: 50001},
	}
	if !reflect.DeepEqual(normalized, expected) {
		t.Fatalf("unexpected normalization: %v", spew.Sdump(normalized))
	}
}

// TestPickServerSkipsBlacklist asserts that selection never returns a
// blacklisted server while a healthy one remains, and that exhaustion clears
// the blacklist instead of deadlocking.
func TestPickServerSkipsBlacklist(t *testing.T) {
	servers := []ServerAddress{
		{Host: "a", Port: 1},
		{Host: "b", Port: 1},
		{Host: "c", Port: 1},
	}

	failed := map[string]struct{}{
		servers[0].String(): {},
		servers[2].String(): {},
	}
	for i := 0; i < 100; i++ {
		if picked := pickServer(servers, failed); picked != servers[1] {
			t.Fatalf("picked blacklisted server %v", picked)
		}
	}

	// Blacklist everything: selection must clear and still return.
	failed[servers[1].String()] = struct{}{}
	pickServer(servers, failed)
	if len(failed) != 0 {
		t.Fatalf("exhausted blacklist not cleared")
	}
}

// TestTransactionHash asserts that the broadcast verification hash matches
// the wire encoding's own transaction hash.
func TestTransactionHash(t *testing.T) {
	tx, expected := testTx(t)

	hash, err := tx.Hash()
	if err != nil {
		t.Fatalf("unable to hash: %v", err)
	}
	if !hash.IsEqual(expected) {
		t.Fatalf("hash mismatch: got %v, want %v", hash, expected)
	}

	bad := &Transaction{Raw: []byte{0xde, 0xad}}
	if _, err := bad.Hash(); err == nil {
		t.Fatalf("undecodable transaction hashed")
	}
}
