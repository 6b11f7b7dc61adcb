package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the process logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Rotation    RotationConfig
}

// RotationConfig applies to every file output.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
	once          sync.Once
	closers       []io.Closer
	initErr       error
)

// Init configures the process logger. Only the first call has an effect.
func Init(cfg Config) error {
	once.Do(func() {
		logger, cls, err := New(cfg)
		if err != nil {
			initErr = err
			return
		}
		mu.Lock()
		defaultLogger = logger
		closers = cls
		mu.Unlock()
		slog.SetDefault(logger)
	})
	return initErr
}

// New builds a standalone logger without touching the process default.
func New(cfg Config) (*slog.Logger, []io.Closer, error) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	handler, cls, err := buildHandler(cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(handler), cls, nil
}

func buildHandler(cfg Config, opts *slog.HandlerOptions) (slog.Handler, []io.Closer, error) {
	var cls []io.Closer
	writers := make([]io.Writer, 0, len(cfg.OutputPaths))
	if len(cfg.OutputPaths) == 0 {
		writers = append(writers, os.Stdout)
	}
	for _, out := range cfg.OutputPaths {
		writer, closer, err := openWriter(out, cfg.Rotation)
		if err != nil {
			for _, c := range cls {
				_ = c.Close()
			}
			return nil, nil, err
		}
		if closer != nil {
			cls = append(cls, closer)
		}
		writers = append(writers, writer)
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(writer, opts), cls, nil
	}
	return slog.NewJSONHandler(writer, opts), cls, nil
}

func openWriter(path string, rot RotationConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "discard":
		return io.Discard, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	if rot.MaxSizeMB <= 0 {
		rot.MaxSizeMB = 100
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	return w, w, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the process logger, falling back to slog's default before Init.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Named returns a child logger tagged with a component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes file outputs.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}
