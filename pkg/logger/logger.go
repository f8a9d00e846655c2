package logger

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/virtual-kubelet/virtual-kubelet/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar = newSugar(os.Stdout)
)

func newSugar(w io.Writer) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core).Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// SetOutput redirects all subsequent log output to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	sugar = newSugar(w)
}

// Zap returns the underlying zap logger.
func Zap() *zap.Logger {
	return current().Desugar()
}

// Sync flushes buffered log entries.
func Sync() error {
	return current().Sync()
}

// SetLevel sets the minimum log level that will be printed
func SetLevel(l LogLevel) {
	switch l {
	case DebugLevel:
		level.SetLevel(zapcore.DebugLevel)
	case WarnLevel:
		level.SetLevel(zapcore.WarnLevel)
	case ErrorLevel:
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// SetLevelFromString sets the log level from a string (debug, info, warn, error)
func SetLevelFromString(l string) {
	switch strings.ToLower(l) {
	case "debug":
		SetLevel(DebugLevel)
	case "info", "":
		SetLevel(InfoLevel)
	case "warn", "warning":
		SetLevel(WarnLevel)
	case "error":
		SetLevel(ErrorLevel)
	default:
		Warn("Unknown log level %s, using info", l)
		SetLevel(InfoLevel)
	}
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	switch level.Level() {
	case zapcore.DebugLevel:
		return "debug"
	case zapcore.InfoLevel:
		return "info"
	case zapcore.WarnLevel:
		return "warn"
	case zapcore.ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// Debug logs a debug message
func Debug(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// Info logs an informational message
func Info(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Warn logs a warning message
func Warn(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// Fatal logs a fatal error and exits
func Fatal(format string, v ...interface{}) {
	current().Fatalf(format, v...)
}

// WithPrefix returns a logger that names all of its messages with prefix.
func WithPrefix(prefix string) *PrefixLogger {
	return &PrefixLogger{prefix: prefix}
}

// PrefixLogger adds a name to all log messages
type PrefixLogger struct {
	prefix string
}

func (l *PrefixLogger) named() *zap.SugaredLogger {
	return current().Named(l.prefix)
}

func (l *PrefixLogger) Debug(format string, v ...interface{}) {
	l.named().Debugf(format, v...)
}

func (l *PrefixLogger) Info(format string, v ...interface{}) {
	l.named().Infof(format, v...)
}

func (l *PrefixLogger) Warn(format string, v ...interface{}) {
	l.named().Warnf(format, v...)
}

func (l *PrefixLogger) Error(format string, v ...interface{}) {
	l.named().Errorf(format, v...)
}

// VK returns a Virtual Kubelet logger backed by the package logger.
// Install it with log.L = logger.VK() so that log.G(ctx) goes through zap.
func VK() log.Logger {
	return &vkLogger{}
}

// vkLogger keeps only its fields; the zap logger is looked up on every call
// so that SetOutput applies to loggers handed out earlier.
type vkLogger struct {
	args []interface{}
}

func (l *vkLogger) s() *zap.SugaredLogger {
	return current().With(l.args...)
}

func (l *vkLogger) with(args ...interface{}) *vkLogger {
	merged := make([]interface{}, 0, len(l.args)+len(args))
	merged = append(merged, l.args...)
	return &vkLogger{args: append(merged, args...)}
}

func (l *vkLogger) Debug(args ...interface{})                 { l.s().Debug(args...) }
func (l *vkLogger) Debugf(format string, args ...interface{}) { l.s().Debugf(format, args...) }
func (l *vkLogger) Info(args ...interface{})                  { l.s().Info(args...) }
func (l *vkLogger) Infof(format string, args ...interface{})  { l.s().Infof(format, args...) }
func (l *vkLogger) Warn(args ...interface{})                  { l.s().Warn(args...) }
func (l *vkLogger) Warnf(format string, args ...interface{})  { l.s().Warnf(format, args...) }
func (l *vkLogger) Error(args ...interface{})                 { l.s().Error(args...) }
func (l *vkLogger) Errorf(format string, args ...interface{}) { l.s().Errorf(format, args...) }
func (l *vkLogger) Fatal(args ...interface{})                 { l.s().Fatal(args...) }
func (l *vkLogger) Fatalf(format string, args ...interface{}) { l.s().Fatalf(format, args...) }

func (l *vkLogger) WithField(key string, val interface{}) log.Logger {
	return l.with(key, val)
}

func (l *vkLogger) WithFields(fields log.Fields) log.Logger {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, 2*len(fields))
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return l.with(args...)
}

func (l *vkLogger) WithError(err error) log.Logger {
	return l.with(zap.Error(err))
}
