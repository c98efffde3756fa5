package main

import (
	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/taowallet/electrum/build"
	"github.com/taowallet/electrum/chain"
	"github.com/taowallet/electrum/jsonrpc"
	"github.com/taowallet/electrum/signal"
)

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it will write to the backend.
var (
	logWriter = &build.LogWriter{}

	backendLog = btclog.NewBackend(logWriter)

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	awchLog = build.NewSubLogger("AWCH", backendLog.Logger)
	chanLog = build.NewSubLogger("CHAN", backendLog.Logger)
	jrpcLog = build.NewSubLogger("JRPC", backendLog.Logger)
	sgnlLog = build.NewSubLogger("SGNL", backendLog.Logger)
)

// Initialize package-global logger variables.
func init() {
	chain.UseLogger(chanLog)
	jsonrpc.UseLogger(jrpcLog)
	signal.UseLogger(sgnlLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"AWCH": awchLog,
	"CHAN": chanLog,
	"JRPC": jrpcLog,
	"SGNL": sgnlLog,
}

// initLogRotator sets up the log file rotation. Must be called before the
// rotator is relied on.
func initLogRotator(logFile string) error {
	r, err := build.InitLogRotator(
		logWriter, logFile, defaultMaxLogFileSize, defaultMaxLogFiles,
	)
	if err != nil {
		return err
	}

	logRotator = r
	return nil
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}
