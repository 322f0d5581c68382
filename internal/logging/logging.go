// Package logging builds the two-logger split the rest of the module
// assumes (hostabi.Proxy.Log / .ABI): an operational zap.Logger and a
// Debug-level ABI trace logger whose level is fixed, independent of the
// daemon's own operational log level.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Loggers bundles the operational and ABI-trace loggers threaded from main
// into every package that needs to log.
type Loggers struct {
	Log *zap.Logger
	ABI *zap.Logger
}

// New builds a Loggers pair at the given level. level is one of "debug",
// "info", "warn", "error"; unrecognized values fall back to "info".
func New(level string) (*Loggers, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	// The ABI trace logger is always built at Debug level, so its per-call
	// host-function trace is emitted whatever level the operational logger
	// uses; there is no separate switch that turns it off.
	abiCfg := cfg
	abiCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	abi, err := abiCfg.Build()
	if err != nil {
		return nil, err
	}

	return &Loggers{Log: log.Named("core"), ABI: abi.Named("abi")}, nil
}

// Noop returns a Loggers pair that discards everything, for use in tests.
func Noop() *Loggers {
	return &Loggers{Log: zap.NewNop(), ABI: zap.NewNop()}
}
