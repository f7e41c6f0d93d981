package strata

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with helpers for the events the engine emits.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger from an existing slog.Logger.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}

	return &Logger{Logger: logger}
}

// NewTextLogger creates a Logger with a text handler.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}

	return NewLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// NewJSONLogger creates a Logger with a JSON handler.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}

	return NewLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// NoopLogger returns a Logger that discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)})))
}

// WithCollection returns a Logger scoped to a collection.
func (l *Logger) WithCollection(name string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("collection", name))}
}

// WithPartition returns a Logger scoped to a partition.
func (l *Logger) WithPartition(name string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("partition", name))}
}

// LogInsert logs a completed insert batch.
func (l *Logger) LogInsert(ctx context.Context, partition string, rows int, ts uint64, dur time.Duration) {
	l.LogAttrs(ctx, slog.LevelDebug, "insert",
		slog.String("partition", partition),
		slog.Int("rows", rows),
		slog.Uint64("ts", ts),
		slog.Duration("duration", dur),
	)
}

// LogDelete logs a completed delete batch.
func (l *Logger) LogDelete(ctx context.Context, keys int, ts uint64, dur time.Duration) {
	l.LogAttrs(ctx, slog.LevelDebug, "delete",
		slog.Int("keys", keys),
		slog.Uint64("ts", ts),
		slog.Duration("duration", dur),
	)
}

// LogSearch logs a completed search with its resolved serving timestamp.
func (l *Logger) LogSearch(ctx context.Context, nq, limit, segments int, servingTs uint64, dur time.Duration) {
	l.LogAttrs(ctx, slog.LevelDebug, "search",
		slog.Int("nq", nq),
		slog.Int("limit", limit),
		slog.Int("segments", segments),
		slog.Uint64("serving_ts", servingTs),
		slog.Duration("duration", dur),
	)
}

// LogFlush logs a completed flush.
func (l *Logger) LogFlush(ctx context.Context, partition string, segmentID uint64, rows int, dur time.Duration) {
	l.LogAttrs(ctx, slog.LevelInfo, "flush",
		slog.String("partition", partition),
		slog.Uint64("segment_id", segmentID),
		slog.Int("rows", rows),
		slog.Duration("duration", dur),
	)
}

// LogError logs an operation failure.
func (l *Logger) LogError(ctx context.Context, op string, err error) {
	l.LogAttrs(ctx, slog.LevelError, op, slog.Any("error", err))
}
