package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for the CLI -v flag count.
const (
	VerbosityQuiet = 0 // no flags: warnings and errors
	VerbosityInfo  = 1 // -v: lifecycle, dispatches, deliveries
	VerbosityDebug = 2 // -vv: claims, transitions, SQL-level detail
)

// VerbosityToLevel maps verbosity flags (-v, -vv) to zap log levels.
// The serve command passes at least VerbosityInfo so a daemon logs its lifecycle.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityQuiet:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
