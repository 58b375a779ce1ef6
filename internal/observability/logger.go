// Package observability owns the process logger and the outcome recorder
// that turns engine results into auditable pass, fail and warning events.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/stagehand/internal/config"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	globalLevel  = zap.NewAtomicLevelAt(zap.InfoLevel)
	once         sync.Once
)

// ansiColors are the colour names accepted in logger.colors.
var ansiColors = map[string]string{
	"red":    "\x1b[31m",
	"green":  "\x1b[32m",
	"yellow": "\x1b[33m",
	"cyan":   "\x1b[36m",
}

const colorReset = "\x1b[0m"

// Initialize builds the global logger once: a console core on consoleWriter,
// teed with a rotating JSON file core when cfg.LogFile is set.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	once.Do(func() {
		if err := globalLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
			globalLevel.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{zapcore.NewCore(newEncoder(cfg), consoleWriter, globalLevel)}
		if cfg.LogFile != "" {
			fileWriter := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			})
			cores = append(cores, zapcore.NewCore(newEncoder(config.LoggerConfig{Format: "json"}), fileWriter, globalLevel))
		}

		options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			options = append(options, zap.AddCaller())
		}

		logger := zap.New(zapcore.NewTee(cores...), options...)
		if cfg.ServiceName != "" {
			logger = logger.Named(cfg.ServiceName)
		}
		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
	})
}

// InitializeLogger initializes the global logger on a locked stdout.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// SetLevel changes the level of the running logger.
func SetLevel(level string) error {
	return globalLevel.UnmarshalText([]byte(level))
}

// ResetForTest clears the global logger. Only tests should call it.
func ResetForTest() {
	globalLogger.Store(nil)
	globalLevel.SetLevel(zap.InfoLevel)
	once = sync.Once{}
}

// levelEncoder writes the upper-case level in its configured colour. Levels
// above error take the error colour; an unknown colour name prints plain.
func levelEncoder(colors config.ColorConfig) zapcore.LevelEncoder {
	codes := map[zapcore.Level]string{
		zapcore.DebugLevel: ansiColors[colors.Debug],
		zapcore.InfoLevel:  ansiColors[colors.Info],
		zapcore.WarnLevel:  ansiColors[colors.Warn],
		zapcore.ErrorLevel: ansiColors[colors.Error],
	}
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := level.CapitalString()
		code := codes[min(level, zapcore.ErrorLevel)]
		if code == "" {
			enc.AppendString(name)
			return
		}
		enc.AppendString(code + name + colorReset)
	}
}

// newEncoder returns the single-line console encoder for "console" and a
// JSON encoder for anything else.
func newEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	if cfg.Format != "console" {
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = levelEncoder(cfg.Colors)
	// Component names read as "stagehand.strategy." ahead of the message.
	ec.EncodeName = func(loggerName string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(loggerName + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// GetLogger returns the global logger, or a development fallback when
// Initialize has not run.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	l.Warn("Global logger requested before initialization; using fallback.")
	return l.Named("fallback")
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil {
		msg := err.Error()
		if !strings.Contains(msg, "sync /dev/stdout") &&
			!strings.Contains(msg, "invalid argument") &&
			!strings.Contains(msg, "inappropriate ioctl") &&
			!strings.Contains(msg, "operation not supported") {
			fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
		}
	}
}
