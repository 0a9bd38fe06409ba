// Package logging builds the typed *slog.Logger used across every worker,
// and carries one in a context.Context for internal/rpcframe and
// internal/appworker to read back via logging.FromContext.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type ctxKey struct{}

// NewLogger builds a level-parsed text-handler logger writing to stdout.
// Worker main()s that also want on-disk rotation should use NewRotatingLogger.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

// NewRotatingLogger builds a logger writing to logs/<workerName> under dir,
// daily-rotated with 7 backups kept, mirroring moggie's
// configure_logging(worker_name, logdir, ...) which wraps a
// TimedRotatingFileHandler(when='D', interval=1, backupCount=7).
func NewRotatingLogger(dir, workerName, level string) (*slog.Logger, error) {
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, err
	}
	w, err := newDailyRotatingWriter(filepath.Join(logDir, workerName), 7)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})), nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithLogger returns a context carrying logger, retrievable via FromContext.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger embedded in ctx, or slog.Default() if none.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// dailyRotatingWriter rotates basePath to basePath.YYYYMMDD at the first
// write after midnight, keeping at most keep old files.
type dailyRotatingWriter struct {
	basePath string
	keep     int
	day      string
	file     *os.File
}

func newDailyRotatingWriter(basePath string, keep int) (io.Writer, error) {
	w := &dailyRotatingWriter{basePath: basePath, keep: keep}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyRotatingWriter) Write(p []byte) (int, error) {
	if err := w.rotateIfNeeded(); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

func (w *dailyRotatingWriter) rotateIfNeeded() error {
	today := time.Now().UTC().Format("20060102")
	if w.file != nil && w.day == today {
		return nil
	}
	if w.file != nil {
		_ = w.file.Close()
		rotated := w.basePath + "." + w.day
		_ = os.Rename(w.basePath, rotated)
		w.pruneOld()
	}
	f, err := os.OpenFile(w.basePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	w.file = f
	w.day = today
	return nil
}

func (w *dailyRotatingWriter) pruneOld() {
	matches, err := filepath.Glob(w.basePath + ".*")
	if err != nil || len(matches) <= w.keep {
		return
	}
	// Oldest-first lexical sort works because the suffix is YYYYMMDD.
	for i := 0; i < len(matches)-w.keep; i++ {
		_ = os.Remove(matches[i])
	}
}
