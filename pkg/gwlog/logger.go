// Package gwlog is the gateway's ambient logging surface: a leveled
// logr.Logger backed by zap, without a controller-runtime manager to
// delegate to.
package gwlog

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels, following the logutil.V(...) convention: smaller
// numbers are more severe/always-on, larger numbers are chattier.
const (
	DEFAULT = 0
	VERBOSE = 1
	DEBUG   = 2
	TRACE   = 3
)

var atomicLevel = uberzap.NewAtomicLevelAt(zapcore.InfoLevel)

// Init builds the process-wide logger at the given verbosity (a
// non-negative -v value, higher is chattier) and returns it. Call once
// from main; pass the result down explicitly or via IntoContext.
func Init(verbosity int) logr.Logger {
	atomicLevel.SetLevel(zapcore.Level(-1 * verbosity))
	cfg := uberzap.NewProductionConfig()
	cfg.Level = atomicLevel
	cfg.EncoderConfig.TimeKey = "ts"
	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		// Fall back to zap's example logger; this path only fires on
		// malformed encoder config, which Init's own cfg never produces.
		zl = uberzap.NewExample()
	}
	return zapr.NewLogger(zl)
}

// SetVerbosity adjusts the shared atomic level after Init, so every
// logr.Logger derived from the Init'd root picks up the new verbosity.
func SetVerbosity(verbosity int) {
	atomicLevel.SetLevel(zapcore.Level(-1 * verbosity))
}

// NewTestLogger returns a development-mode logger for use in tests.
func NewTestLogger() logr.Logger {
	zl, err := uberzap.NewDevelopment()
	if err != nil {
		zl = uberzap.NewExample()
	}
	return zapr.NewLogger(zl)
}

type contextKey struct{}

// IntoContext attaches logger to ctx.
func IntoContext(ctx context.Context, logger logr.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger attached by IntoContext, or a discard
// logger if none was attached.
func FromContext(ctx context.Context) logr.Logger {
	if l, ok := ctx.Value(contextKey{}).(logr.Logger); ok {
		return l
	}
	return logr.Discard()
}
