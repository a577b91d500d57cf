package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityUser  = 0 // No flags: warnings and errors
	VerbosityInfo  = 1 // -v: + engine iterations, scheduling, trigger outcomes
	VerbosityDebug = 2 // -vv: + per-batch checks, retry attempts, sleep sizing
)

// VerbosityToLevel maps verbosity flags (-v, -vv) to zap log levels
//
// Mapping:
//
//	0 (none)  -> WarnLevel
//	1 (-v)    -> InfoLevel
//	2+ (-vv)  -> DebugLevel
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity >= VerbosityDebug:
		return zapcore.DebugLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.WarnLevel
	}
}

// LevelName returns a human-readable name for verbosity level
func LevelName(verbosity int) string {
	switch {
	case verbosity >= VerbosityDebug:
		return "Debug (-vv)"
	case verbosity == VerbosityInfo:
		return "Info (-v)"
	default:
		return "User"
	}
}
