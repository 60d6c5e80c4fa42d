package util

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerMu sync.Mutex
	logger   *slog.Logger
)

// InitLogger initializes the global slog logger. Logs go to stderr so the
// progress line on stdout stays readable.
func InitLogger(verbose bool) {
	InitLoggerTo(os.Stderr, verbose)
}

// InitLoggerTo is InitLogger with an explicit destination.
func InitLoggerTo(w io.Writer, verbose bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()
	if l == nil {
		// Fallback initialization with INFO level
		InitLogger(false)
		return GetLogger()
	}
	return l
}

// NewStdLogger returns a *log.Logger that forwards each line to slog at
// warn level, for libraries that only accept the standard logger.
func NewStdLogger(component string) *log.Logger {
	return log.New(&logWriter{component: component}, "", 0)
}

type logWriter struct {
	component string
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	GetLogger().Warn(strings.TrimSpace(string(p)), "component", w.component)
	return len(p), nil
}
