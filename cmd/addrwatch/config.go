package main

import (
	"fmt"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/taowallet/electrum/chain"
)

const (
	defaultLogFilename    = "addrwatch.log"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultServerPort     = 50001
	defaultDebugLevel     = "info"
)

// config holds the command line options of the watcher daemon.
type config struct {
	Testnet bool `long:"testnet" description:"Watch the test network instead of the main network"`

	Servers []string `long:"server" description:"Backend server as host or host:port; may be given multiple times"`

	Addresses []string `long:"addr" description:"Address to watch; may be given multiple times"`

	Proxy string `long:"proxy" description:"SOCKS5 proxy to route connections through (host:port)"`

	ConnectTimeout time.Duration `long:"connecttimeout" description:"Per-server dial timeout"`

	RequestTimeout time.Duration `long:"requesttimeout" description:"Per-request deadline; 0 disables"`

	PingInterval time.Duration `long:"pinginterval" description:"Keepalive ping pacing; negative disables"`

	LogFile string `long:"logfile" description:"File to write rotated logs to"`

	DebugLevel string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
}

// loadConfig parses the command line, applies defaults and validates the
// result into the pieces the daemon needs.
func loadConfig() (*config, *chain.Config, []chain.Address, error) {
	cfg := &config{
		LogFile:    defaultLogFilename,
		DebugLevel: defaultDebugLevel,
	}
	if _, err := flags.Parse(cfg); err != nil {
		return nil, nil, nil, err
	}

	coin := chain.BitcoinMainNet
	if cfg.Testnet {
		coin = chain.BitcoinTestNet3
	}

	if len(cfg.Servers) == 0 {
		return nil, nil, nil, fmt.Errorf("at least one --server is " +
			"required")
	}
	servers, err := chain.NormalizeServerAddresses(
		cfg.Servers, defaultServerPort,
	)
	if err != nil {
		return nil, nil, nil, err
	}

	if len(cfg.Addresses) == 0 {
		return nil, nil, nil, fmt.Errorf("at least one --addr is " +
			"required")
	}
	addrs := make([]chain.Address, 0, len(cfg.Addresses))
	for _, addrStr := range cfg.Addresses {
		addr, err := chain.NewAddress(addrStr, coin)
		if err != nil {
			return nil, nil, nil, err
		}
		addrs = append(addrs, addr)
	}

	chainCfg := &chain.Config{
		Coin:           coin,
		Servers:        servers,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		PingInterval:   cfg.PingInterval,
		Proxy:          cfg.Proxy,
	}

	return cfg, chainCfg, addrs, nil
}
