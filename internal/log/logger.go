// Package log provides a global logger with configurable logging level and output format.

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelNone    Level = iota // Disables logging.
	LevelError                // Logs anamolies that are not expected to occur during normal use.
	LevelWarning              // Logs anamolies that are expected to occur occasionally during normal use.
	LevelInfo                 // Logs major events.
	LevelDebug                // Logs detailed IO
)

var zapLevels = map[Level]zapcore.Level{
	LevelDebug:   zapcore.DebugLevel,
	LevelInfo:    zapcore.InfoLevel,
	LevelWarning: zapcore.WarnLevel,
	LevelError:   zapcore.ErrorLevel,
}

var levelNames = map[string]Level{
	"none":    LevelNone,
	"silent":  LevelNone,
	"error":   LevelError,
	"fatal":   LevelError,
	"warn":    LevelWarning,
	"warning": LevelWarning,
	"info":    LevelInfo,
	"debug":   LevelDebug,
	"trace":   LevelDebug,
}

// ParseLevel converts a level name such as "debug" or "warn" into a Level.
func ParseLevel(name string) (Level, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return LevelInfo, fmt.Errorf("unknown log level '%s'", name)
	}
	return level, nil
}

func (l Level) String() string {
	for name, level := range levelNames {
		if level == l && name != "silent" && name != "warning" && name != "trace" && name != "fatal" {
			return name
		}
	}
	return "unknown"
}

var (
	logMutex       sync.Mutex
	globalLogLevel = LevelInfo
	atomicLevel    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	output         io.Writer = os.Stderr
	outputFormat   = "console"
	sugar          = newLogger(outputFormat, output)
)

func newLogger(format string, w io.Writer) *zap.SugaredLogger {
	encoderConfig := zapcore.EncoderConfig{
		MessageKey:    "message",
		LevelKey:      "level",
		TimeKey:       "timestamp",
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), atomicLevel)
	return zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))).Sugar()
}

// SetFormat switches the encoder between "console" and "json".
func SetFormat(format string) {
	logMutex.Lock()
	defer logMutex.Unlock()
	outputFormat = format
	sugar = newLogger(outputFormat, output)
}

// SetOutput redirects log entries to w. The default is os.Stderr.
func SetOutput(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	output = w
	sugar = newLogger(outputFormat, output)
}

func SetLevel(level Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	globalLogLevel = level
	if zl, ok := zapLevels[level]; ok {
		atomicLevel.SetLevel(zl)
	}
}

func logLevel() Level {
	logMutex.Lock()
	defer logMutex.Unlock()
	return globalLogLevel
}

func logger() *zap.SugaredLogger {
	logMutex.Lock()
	defer logMutex.Unlock()
	return sugar
}

// Sync flushes buffered log entries.
func Sync() {
	_ = logger().Sync()
}

func log(level Level, format string, a ...interface{}) {
	if level > logLevel() {
		return
	}
	l := logger()
	switch level {
	case LevelDebug:
		l.Debugf(format, a...)
	case LevelInfo:
		l.Infof(format, a...)
	case LevelWarning:
		l.Warnf(format, a...)
	case LevelError:
		l.Errorf(format, a...)
	}
}

func Debug(format string, a ...interface{}) {
	log(LevelDebug, format, a...)
}
func Info(format string, a ...interface{}) {
	log(LevelInfo, format, a...)
}
func Warning(format string, a ...interface{}) {
	log(LevelWarning, format, a...)
}
func Error(format string, a ...interface{}) {
	log(LevelError, format, a...)
}
