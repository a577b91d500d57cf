package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/batchwatch/sym"
)

// Symbol-aware logging helpers.
// These attach the symbol as a structured field, not in the message.
//
// Usage:
//
//	log := logger.WithSymbol(base, sym.Pulse)
//	log.Infow("Iteration complete", "jobs", n)
//
// This makes logs queryable by symbol and keeps messages clean.

// WithSymbol returns a child logger with the symbol field pre-attached
func WithSymbol(base *zap.SugaredLogger, symbol string) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	return base.With(FieldSymbol, symbol)
}

// AddPulseSymbol returns a child logger tagged with the Pulse symbol (꩜)
func AddPulseSymbol(base *zap.SugaredLogger) *zap.SugaredLogger {
	return WithSymbol(base, sym.Pulse)
}

// PulseOpenInfow logs an info message with the PulseOpen symbol (✿)
// Used for engine startup
func PulseOpenInfow(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	WithSymbol(log, sym.PulseOpen).Infow(msg, keysAndValues...)
}

// PulseCloseInfow logs an info message with the PulseClose symbol (❀)
// Used for graceful shutdown
func PulseCloseInfow(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	WithSymbol(log, sym.PulseClose).Infow(msg, keysAndValues...)
}

// DBInfow logs an info message with the DB symbol (⊔)
func DBInfow(log *zap.SugaredLogger, msg string, keysAndValues ...interface{}) {
	WithSymbol(log, sym.DB).Infow(msg, keysAndValues...)
}
