package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/ingestd/version"
)

var (
	// Logger is the process logger. It discards everything until Initialize runs.
	Logger = zap.NewNop().Sugar()
	// JSONOutput reports whether Initialize selected the JSON encoder
	JSONOutput bool
)

// Initialize replaces Logger. JSON output is meant for log shippers and
// carries the build version on every entry; console output is colorized
// and timestamped to the millisecond.
func Initialize(jsonOutput bool, verbosity int) error {
	JSONOutput = jsonOutput
	level := zap.NewAtomicLevelAt(VerbosityToLevel(verbosity))

	var encoder zapcore.Encoder
	var opts []zap.Option
	if jsonOutput {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
		opts = append(opts,
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
			zap.Fields(zap.String("service", "ingestd"), zap.String("version", version.Get().Version)))
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoderConfig.CallerKey = ""
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	Logger = zap.New(core, opts...).Sugar()
	return nil
}

// Cleanup flushes buffered entries. Sync on a terminal stderr returns
// EINVAL or ENOTTY on some platforms, which is ignored.
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
