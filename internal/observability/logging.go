// Package observability constructs the process-wide zap loggers.
package observability

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger for command-level messages. It writes to stderr so
// command output on stdout stays machine-readable.
var CLILogger = mustBuild(zapcore.InfoLevel)

func mustBuild(level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		// Construction only fails on an invalid config, which is static here.
		panic(err)
	}
	return logger
}

// SetVerbose switches the CLI logger to debug level.
func SetVerbose(verbose bool) {
	if verbose {
		CLILogger = mustBuild(zapcore.DebugLevel)
	}
}

// Component returns a named child logger for a subsystem.
func Component(name string) *zap.Logger {
	return CLILogger.Named(name)
}

// Sync flushes buffered log entries. Called on process exit.
func Sync() {
	_ = CLILogger.Sync()
}
