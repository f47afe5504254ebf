// Package logging provides structured logging for appforge.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
	mu     sync.RWMutex
)

// Options configures the global logger.
type Options struct {
	// Level is debug, info, warn or error. Empty means info in production
	// and debug otherwise.
	Level string `yaml:"level"`
	// File, when set, also writes JSON logs to a rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	// Production selects the JSON console encoder. Defaults to
	// ENVIRONMENT=production.
	Production bool `yaml:"-"`
}

// DefaultOptions reads ENVIRONMENT and LOG_LEVEL.
func DefaultOptions() Options {
	return Options{
		Level:      os.Getenv("LOG_LEVEL"),
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Production: os.Getenv("ENVIRONMENT") == "production",
	}
}

// Init initializes the global logger from the environment. Safe to call
// multiple times.
func Init() {
	once.Do(func() {
		l, err := New(DefaultOptions())
		if err != nil {
			l = zap.NewNop()
		}
		set(l)
	})
}

// Configure replaces the global logger.
func Configure(opts Options) error {
	l, err := New(opts)
	if err != nil {
		return err
	}
	once.Do(func() {})
	old := L()
	set(l)
	_ = old.Sync()
	return nil
}

func set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
	sugar = l.Sugar()
}

// New builds a logger without touching the global one.
func New(opts Options) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	switch {
	case opts.Level != "":
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, err
		}
	case !opts.Production:
		level.SetLevel(zapcore.DebugLevel)
	}

	var consoleEncoder zapcore.Encoder
	if opts.Production {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		consoleEncoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder = zapcore.NewConsoleEncoder(cfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}
	if opts.File != "" {
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.TimeKey = "ts"
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		sink := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(sink), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// L returns the global structured logger
func L() *zap.Logger {
	Init()
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// S returns the global sugared logger (printf-style)
func S() *zap.SugaredLogger {
	Init()
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Sync flushes any buffered log entries. Call before app exit.
func Sync() {
	_ = L().Sync()
}

// WithContext returns a logger with additional structured fields
func WithContext(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}
