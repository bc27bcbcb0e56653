// Package benchlogger is the logging package for the benchmark runner. It
// wraps a zap logger that always writes to the console and a local log file
// and, in deployed environments, also ships events to Sentry and logz.io. No
// other package in this module should import `fmt` or `log` for output; use
// this package (and utils.Sprintf / utils.MakeError) instead.
package benchlogger // import "github.com/am17an/vastai-llama-bench/benchlogger"

import (
	"context"
	"os"
	"runtime/debug"

	"github.com/am17an/vastai-llama-bench/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	// Build a console-only logger so that anything logging before
	// InitBenchLogging is called still ends up on the terminal.
	logger = zap.New(zapcore.NewTee(consoleCores()...))
}

// InitBenchLogging adds the log file core to the console logger, plus the
// Sentry and logz.io cores when production logging is enabled. It must be
// called at the very beginning of main, before the pipeline starts.
func InitBenchLogging() {
	cores := consoleCores()
	if fc := newFileCore(); fc != nil {
		cores = append(cores, fc)
	}

	if !usingProdLogging() {
		Info("Not setting up Sentry or logz.io integrations.")
		logger = zap.New(zapcore.NewTee(cores...))
		return
	}

	shippingEncoder := zapcore.NewJSONEncoder(newShippingEncoderConfig())

	// Sentry only receives errors, logz.io receives everything Info and
	// above.
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	infoAndAbove := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.InfoLevel
	})

	if sc := newSentryCore(shippingEncoder.Clone(), highPriority); sc != nil {
		cores = append(cores, sc)
	}
	if lc := newLogzioCore(shippingEncoder.Clone(), infoAndAbove); lc != nil {
		cores = append(cores, lc)
	}

	logger = zap.New(zapcore.NewTee(cores...))
}

// consoleCores returns the cores that print to the terminal. High-priority
// output goes to standard error, low-priority output goes to standard out.
func consoleCores() []zapcore.Core {
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel
	})

	consoleDebugging := zapcore.Lock(os.Stdout)
	consoleErrors := zapcore.Lock(os.Stderr)

	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()

	// Enable colored output on stdout
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)

	return []zapcore.Core{
		zapcore.NewCore(consoleEncoder, consoleErrors, highPriority),
		zapcore.NewCore(consoleEncoder, consoleDebugging, lowPriority),
	}
}

// logFileName is where a copy of the console output lands, in the directory
// the process was started from.
const logFileName = "vastai_benchmark.log"

// newFileCore returns a core that appends the console output, uncolored, to
// logFileName. Returns nil when the file can't be opened.
func newFileCore() zapcore.Core {
	file, err := os.OpenFile(logFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		Warningf("couldn't open %s for logging: %s", logFileName, err)
		return nil
	}

	fileEncoderConfig := zap.NewDevelopmentEncoderConfig()
	fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	return zapcore.NewCore(zapcore.NewConsoleEncoder(fileEncoderConfig), zapcore.Lock(file), zapcore.DebugLevel)
}

// newShippingEncoderConfig returns an encoder configuration that is
// appropriate for the Sentry and logz.io cores.
func newShippingEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "type",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.EpochTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// Close flushes all production logging (i.e. Sentry and logz.io).
func Close() {
	FlushLogzio()
	FlushSentry()
	logger.Sync()
}

// Info logs some info + timestamp, but does not send it to Sentry.
func Info(v ...interface{}) {
	logger.Sugar().Info(v...)
}

// Infof is identical to Info, but it respects printf syntax.
func Infof(format string, v ...interface{}) {
	logger.Sugar().Infof(format, v...)
}

// Infow logs a message with the given context fields attached.
func Infow(msg string, fields []interface{}) {
	logger.Sugar().Infow(msg, fields...)
}

// Warning logs an error like Error, but doesn't send it to Sentry.
func Warning(err error) {
	logger.Sugar().Warn(err)
}

// Warningf is like Warning, but it respects printf syntax, i.e. takes in a
// format string and arguments, for convenience.
func Warningf(format string, v ...interface{}) {
	logger.Sugar().Warnf(format, v...)
}

// Error logs an error and sends it to Sentry.
func Error(err error) {
	logger.Sugar().Error(err)
}

// Errorf is like Error, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Errorf(format string, v ...interface{}) {
	logger.Sugar().Errorf(format, v...)
}

// Panic sends an error to Sentry and "pretends" to panic on it by printing
// the stack trace and calling the provided global context-cancelling
// function. This function should not be used except to initiate termination
// of the entire program. Note that passing in a nil first argument causes
// this function to _actually_ panic, and if we're gonna panic we might as
// well do so in a useful way. Therefore, passing in a nil `globalCancel`
// parameter will just panic on `err` instead.
func Panic(globalCancel context.CancelFunc, err error) {
	PrintStackTrace()

	if globalCancel != nil {
		Error(err)
		globalCancel()
	} else {
		// If we're truly trying to panic, let's at least flush our logging
		// queues first so this error actually gets sent.
		FlushLogzio()
		FlushSentry()
		logger.Sugar().Panic(err)
	}
}

// Panicf is like Panic, but it respects printf syntax, i.e. takes in a format
// string and arguments, for convenience.
func Panicf(globalCancel context.CancelFunc, format string, v ...interface{}) {
	Panic(globalCancel, utils.MakeError(format, v...))
}

// PrintStackTrace prints the stack trace, for debugging purposes.
func PrintStackTrace() {
	Info("Printing stack trace: ")
	debug.PrintStack()
}
