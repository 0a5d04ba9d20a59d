// Package logging builds the one process-wide piece of shared state this
// module has: the logger sink (spec §9, "Global state"). Every other
// component receives a *zap.SugaredLogger explicitly through its
// constructor rather than reaching for a package-level logger, so store,
// cache, scheduler, worker and executor instances stay independently
// testable and instance-owned.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger suitable for the given component name. debug
// switches between a human-readable development encoder and the compact
// production JSON encoder.
func New(component string, debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than panicking: logging must
		// never be the reason a worker or executor fails to start.
		logger = zap.NewNop()
	}
	return logger.Sugar().Named(component)
}

// NewNop returns a logger that discards everything, used by tests that do
// not want log noise.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
