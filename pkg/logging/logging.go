package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Debugf defines our printf for debug level.
func Debugf(format string, a ...interface{}) {
	zap.S().Debugf(format, a...)
}

// Verbosef defines our printf for verbose (warning) level.
func Verbosef(format string, a ...interface{}) {
	zap.S().Warnf(format, a...)
}

// Errorf logs at error level and returns the same message as an error,
// so call sites can `return logging.Errorf(...)` in one step.
func Errorf(format string, a ...interface{}) error {
	zap.S().Errorf(format, a...)
	return fmt.Errorf(format, a...)
}

// Panicf defines our printf for panic level.
func Panicf(format string, a ...interface{}) {
	zap.S().Panicf(format, a...)
	zap.S().Panicf("========= Stack trace output ========")
	zap.S().Panicf("%+v", errors.New("segmentd panic"))
	zap.S().Panicf("========= Stack trace output end ========")
}

var atomicLevel = zap.NewAtomicLevelAt(zap.DebugLevel)

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug", "":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warning", "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "panic":
		return zap.PanicLevel
	default:
		fmt.Fprintf(os.Stderr, "unknown log level %q, using debug\n", level)
		return zap.DebugLevel
	}
}

// SetLogLevel adjusts the level of the running logger.
func SetLogLevel(level string) {
	atomicLevel.SetLevel(parseLevel(level))
}

// ConfigureLogger installs the global zap logger. Stderr is always on;
// logFile, when non-empty, adds a size-rotated file sink.
func ConfigureLogger(logFile string, level string) {
	atomicLevel.SetLevel(parseLevel(level))
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), atomicLevel),
	}
	if logFile != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // mb
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(encoder, w, atomicLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	zap.S().Debugf("Started zap logger")
}
