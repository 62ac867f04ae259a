package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var logrusLevels = map[LogLevel]logrus.Level{
	LevelDebug: logrus.DebugLevel,
	LevelInfo:  logrus.InfoLevel,
	LevelWarn:  logrus.WarnLevel,
	LevelError: logrus.ErrorLevel,
	LevelFatal: logrus.FatalLevel,
}

// Fields is re-exported so callers do not import logrus directly.
type Fields = logrus.Fields

// ParseLevel maps a LOG_LEVEL value to a LogLevel, falling back to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

type Logger struct {
	base *logrus.Logger
}

func NewLogger(level LogLevel) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(formatterForEnv(os.Getenv("ENVIRONMENT")))
	l := &Logger{base: base}
	l.SetLevel(level)
	return l
}

// formatterForEnv keeps local runs human readable and everything else JSON.
func formatterForEnv(env string) logrus.Formatter {
	if env == "" || env == "local" {
		return &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		}
	}
	return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
}

func (l *Logger) SetLevel(level LogLevel) {
	lv, ok := logrusLevels[level]
	if !ok {
		lv = logrus.InfoLevel
	}
	l.base.SetLevel(lv)
}

func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.base.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.base.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.base.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.base.Errorf(format, args...)
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.base.Fatalf(format, args...)
}

// WithFields returns a structured entry bound to this logger.
func (l *Logger) WithFields(fields Fields) *logrus.Entry {
	return l.base.WithFields(fields)
}

// FileLogger writes to a log file instead of stdout.
type FileLogger struct {
	*Logger
	file *os.File
}

func NewFileLogger(logFile string, level LogLevel) (*FileLogger, error) {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := NewLogger(level)
	logger.SetOutput(file)

	return &FileLogger{
		Logger: logger,
		file:   file,
	}, nil
}

func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

var globalLogger *Logger

func InitLogger(level LogLevel) {
	globalLogger = NewLogger(level)
}

// SetGlobal replaces the package-level logger.
func SetGlobal(l *Logger) {
	globalLogger = l
}

func GetLogger() *Logger {
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo)
	}
	return globalLogger
}

// Convenience functions
func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

func Fatal(format string, args ...interface{}) {
	GetLogger().Fatal(format, args...)
}

func WithFields(fields Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}
