package debug

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FallbackLogName is used under the home directory when the configured
// log file cannot be written.
const FallbackLogName = "trichogramma-service.log"

// Options describes where log output goes.
type Options struct {
	Level      string      // DEBUG, INFO, WARNING, ERROR, CRITICAL
	File       string      // rotating log file; empty disables the file sink
	MaxSizeMB  int         // rotation threshold
	MaxBackups int         // rotated files kept
	Console    io.Writer   // defaults to os.Stdout
	Extra      []io.Writer // additional sinks (e.g. the SSE broadcaster)
}

// Logger is the logging capability handed to each component.
// The zero value is not usable; build one with New or Nop.
type Logger struct {
	s       *zap.SugaredLogger
	closers []io.Closer
}

// ParseLevel maps a config level name to a zap level. Unknown names yield INFO.
// CRITICAL is treated as ERROR since zap has no level between error and panic.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARNING", "WARN":
		return zapcore.WarnLevel
	case "ERROR", "CRITICAL":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// New builds a Logger writing to the console, the rotating file and any extra sinks.
// A log file that cannot be written falls back to ~/trichogramma-service.log and,
// failing that, the file sink is dropped. The returned path is the file in use.
func New(opts Options) (*Logger, string) {
	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level))
	enc := zapcore.NewConsoleEncoder(encoderConfig())

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(console), level)}

	var closers []io.Closer
	path := ""
	if opts.File != "" {
		path = resolveLogFile(opts.File)
		if path != "" {
			rot := &lumberjack.Logger{
				Filename:   path,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
			}
			closers = append(closers, rot)
			cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rot), level))
		}
	}
	for _, w := range opts.Extra {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), level))
	}

	l := &Logger{
		s:       zap.New(zapcore.NewTee(cores...)).Named("TrichogrammaService").Sugar(),
		closers: closers,
	}
	if opts.File != "" && path != opts.File {
		if path == "" {
			l.Warn("cannot write log file %s, logging to console only", opts.File)
		} else {
			l.Warn("cannot write log file %s, using %s", opts.File, path)
		}
	}
	return l, path
}

// NewWithCore wraps an existing zap core. Tests use it with zaptest/observer.
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{s: zap.New(core).Sugar()}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

func resolveLogFile(path string) string {
	if writable(path) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	fallback := filepath.Join(home, FallbackLogName)
	if writable(fallback) {
		return fallback
	}
	return ""
}

func writable(path string) bool {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	return f.Close() == nil
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{s: l.s.Named(name)}
}

// Debug logs low-level detail (PWM writes, raw bytes).
func (l *Logger) Debug(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}

// Info logs normal operation.
func (l *Logger) Info(format string, args ...interface{}) {
	l.s.Infof(format, args...)
}

// Warn logs recoverable problems.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.s.Warnf(format, args...)
}

// Error logs failures of a single operation.
func (l *Logger) Error(format string, args ...interface{}) {
	l.s.Errorf(format, args...)
}

// Critical logs failures that change what the service can do.
func (l *Logger) Critical(format string, args ...interface{}) {
	l.s.With("severity", "critical").Errorf(format, args...)
}

// Section prints a section separator.
func (l *Logger) Section(title string) {
	l.s.Info(strings.Repeat("=", 60))
	l.s.Info(title)
	l.s.Info(strings.Repeat("=", 60))
}

// Value prints a named value.
func (l *Logger) Value(name string, value interface{}) {
	l.s.Infof("  %s = %v", name, value)
}

// PWM prints a PWM operation.
func (l *Logger) PWM(operation string, pin int, value interface{}) {
	l.s.Debugf("[PWM] %s pin=%d value=%v", operation, pin, value)
}

// Close flushes buffered entries and closes the rotating file.
func (l *Logger) Close() error {
	err := l.s.Sync()
	// Syncing a terminal returns EINVAL on Linux; it carries no information.
	if err != nil && isIgnorableSyncError(err) {
		err = nil
	}
	for _, c := range l.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}
