// electrumcli is a one-shot query tool against a single Electrum server:
// connect, run one blockchain operation, print the result as JSON and exit.
package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"
	"github.com/urfave/cli"

	"github.com/taowallet/electrum/chain"
)

const defaultServerPort = 50001

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[electrumcli] %v\n", err)
	os.Exit(1)
}

func printRespJSON(resp interface{}) {
	out, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}

	fmt.Println(string(out))
}

func main() {
	app := cli.NewApp()
	app.Name = "electrumcli"
	app.Usage = "query an Electrum server from the command line"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "server",
			Usage: "backend server as host or host:port",
		},
		cli.BoolFlag{
			Name:  "testnet",
			Usage: "use the test network",
		},
		cli.StringFlag{
			Name:  "proxy",
			Usage: "SOCKS5 proxy to route the connection through",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "per-request deadline",
			Value: 30 * time.Second,
		},
	}
	app.Commands = []cli.Command{
		getUnspentCommand,
		getHistoryCommand,
		getBalanceCommand,
		getTransactionCommand,
		broadcastCommand,
		pingCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

var getUnspentCommand = cli.Command{
	Name:      "getunspent",
	Usage:     "list the unspent outputs of an address",
	ArgsUsage: "address",
	Action:    actionWithAddress(func(s *session, status chain.AddressStatus) error {
		return s.manager.GetUnspent(status, s)
	}),
}

var getHistoryCommand = cli.Command{
	Name:      "history",
	Usage:     "list the transaction history of an address",
	ArgsUsage: "address",
	Action:    actionWithAddress(func(s *session, status chain.AddressStatus) error {
		return s.manager.GetHistory(status, s)
	}),
}

var getBalanceCommand = cli.Command{
	Name:      "balance",
	Usage:     "show the confirmed and unconfirmed balance of an address",
	ArgsUsage: "address",
	Action:    actionWithAddress(func(s *session, status chain.AddressStatus) error {
		return s.manager.GetBalance(status, s)
	}),
}

var getTransactionCommand = cli.Command{
	Name:      "gettransaction",
	Usage:     "fetch a raw transaction by txid",
	ArgsUsage: "txid",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowCommandHelp(c, "gettransaction")
		}
		txHash, err := chainhash.NewHashFromStr(c.Args().First())
		if err != nil {
			return err
		}

		return runSession(c, func(s *session) error {
			return s.manager.GetTransaction(txHash, s)
		})
	},
}

var broadcastCommand = cli.Command{
	Name:      "broadcast",
	Usage:     "submit a hex-encoded raw transaction to the network",
	ArgsUsage: "rawtx-hex",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowCommandHelp(c, "broadcast")
		}
		raw, err := hex.DecodeString(c.Args().First())
		if err != nil {
			return err
		}
		tx := &chain.Transaction{Raw: raw}

		return runSession(c, func(s *session) error {
			return s.manager.Broadcast(tx, s)
		})
	},
}

var pingCommand = cli.Command{
	Name:  "ping",
	Usage: "check that the server is alive",
	Action: func(c *cli.Context) error {
		return runSession(c, func(s *session) error {
			if err := s.manager.Ping(); err != nil {
				return err
			}
			s.finish(nil)
			return nil
		})
	},
}

// session drives one connect-query-print-exit cycle. It doubles as both the
// connection listener that kicks the operation off and the transaction
// listener that prints its outcome.
type session struct {
	manager *chain.Manager
	run     func(*session) error
	once    sync.Once
	done    chan struct{}
	errChan chan error
}

func coinFromContext(c *cli.Context) chain.CoinType {
	if c.GlobalBool("testnet") {
		return chain.BitcoinTestNet3
	}
	return chain.BitcoinMainNet
}

// runSession connects to the configured server, executes run once connected
// and waits for the session to complete.
func runSession(c *cli.Context, run func(*session) error) error {
	serverFlag := c.GlobalString("server")
	if serverFlag == "" {
		return fmt.Errorf("--server is required")
	}
	server, err := chain.ParseServerAddress(serverFlag, defaultServerPort)
	if err != nil {
		return err
	}

	manager, err := chain.NewManager(&chain.Config{
		Coin:           coinFromContext(c),
		Servers:        []chain.ServerAddress{server},
		RequestTimeout: c.GlobalDuration("timeout"),
		Proxy:          c.GlobalString("proxy"),
		PingInterval:   -1,
	})
	if err != nil {
		return err
	}

	sess := &session{
		manager: manager,
		run:     run,
		done:    make(chan struct{}),
		errChan: make(chan error, 1),
	}
	manager.AddConnectionListener(sess, nil)

	if err := manager.Start(); err != nil {
		return err
	}
	defer manager.Stop()

	select {
	case err := <-sess.errChan:
		return err
	case <-sess.done:
		return nil
	case <-time.After(time.Minute):
		return fmt.Errorf("operation timed out")
	}
}

func (s *session) finish(err error) {
	s.once.Do(func() {
		if err != nil {
			s.errChan <- err
			return
		}
		close(s.done)
	})
}

// OnConnection kicks off the requested operation.
func (s *session) OnConnection(m *chain.Manager) {
	if err := s.run(s); err != nil {
		s.errChan <- err
	}
}

func (s *session) OnDisconnect() {}

func (s *session) OnAddressStatusUpdate(status chain.AddressStatus) {}

func (s *session) OnUnspentTransactionUpdate(status chain.AddressStatus,
	utxos []chain.UnspentTx) {

	printRespJSON(struct {
		Address string            `json:"address"`
		Unspent []chain.UnspentTx `json:"unspent"`
	}{status.Address.String(), utxos})
	s.finish(nil)
}

func (s *session) OnTransactionHistory(status chain.AddressStatus,
	history []chain.HistoryTx) {

	printRespJSON(struct {
		Address string            `json:"address"`
		History []chain.HistoryTx `json:"history"`
	}{status.Address.String(), history})
	s.finish(nil)
}

func (s *session) OnAddressBalanceUpdate(status chain.AddressStatus,
	confirmed, unconfirmed btcutil.Amount) {

	printRespJSON(struct {
		Address     string  `json:"address"`
		Confirmed   float64 `json:"confirmed"`
		Unconfirmed float64 `json:"unconfirmed"`
	}{
		status.Address.String(),
		confirmed.ToBTC(),
		unconfirmed.ToBTC(),
	})
	s.finish(nil)
}

func (s *session) OnTransactionUpdate(tx *chain.Transaction) {
	printRespJSON(struct {
		RawTx string `json:"rawtx"`
	}{hex.EncodeToString(tx.Raw)})
	s.finish(nil)
}

func (s *session) OnTransactionBroadcast(tx *chain.Transaction) {
	hash, err := tx.Hash()
	if err != nil {
		s.finish(err)
		return
	}
	printRespJSON(struct {
		TxID string `json:"txid"`
	}{hash.String()})
	s.finish(nil)
}

func (s *session) OnTransactionBroadcastError(tx *chain.Transaction,
	err error) {

	s.finish(err)
}

// actionWithAddress wraps commands whose single argument is an address. The
// address is handed to the operation as a status with no fingerprint.
func actionWithAddress(run func(*session,
	chain.AddressStatus) error) cli.ActionFunc {

	return func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowCommandHelp(c, c.Command.Name)
		}
		addr, err := chain.NewAddress(
			c.Args().First(), coinFromContext(c),
		)
		if err != nil {
			return err
		}

		return runSession(c, func(s *session) error {
			return run(s, chain.AddressStatus{Address: addr})
		})
	}
}
