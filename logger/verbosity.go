package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for the CLI -v flag count.
const (
	VerbosityUser  = 0 // No flags: warnings and errors only
	VerbosityInfo  = 1 // -v: + lifecycle (claims, completions, trigger runs)
	VerbosityDebug = 2 // -vv: + poll ticks, checkpoints, SQL retries
)

// VerbosityToLevel maps verbosity flags (-v, -vv, etc.) to zap log levels
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
