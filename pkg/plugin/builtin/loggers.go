package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/c-h-/orgloop-sub002/pkg/logging"
)

// StdoutLogger writes each record through slog's JSON handler on
// stderr, alongside the runtime's own process log.
type StdoutLogger struct {
	logger *slog.Logger
}

// Init implements logging.Sink.
func (l *StdoutLogger) Init(map[string]any) error {
	l.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	return nil
}

// Log implements logging.Sink.
func (l *StdoutLogger) Log(_ context.Context, rec logging.Record) error {
	attrs := []any{
		"phase", string(rec.Phase),
		"result", string(rec.Result),
	}
	if rec.Module != "" {
		attrs = append(attrs, "module", rec.Module)
	}
	if rec.Source != "" {
		attrs = append(attrs, "source", rec.Source)
	}
	if rec.Route != "" {
		attrs = append(attrs, "route", rec.Route)
	}
	if rec.Transform != "" {
		attrs = append(attrs, "transform", rec.Transform)
	}
	if rec.Actor != "" {
		attrs = append(attrs, "actor", rec.Actor)
	}
	if rec.EventID != "" {
		attrs = append(attrs, "event_id", rec.EventID)
	}
	if rec.TraceID != "" {
		attrs = append(attrs, "trace_id", rec.TraceID)
	}
	for k, v := range rec.Fields {
		attrs = append(attrs, k, v)
	}

	msg := rec.Message
	if msg == "" {
		msg = string(rec.Phase)
	}
	switch rec.Level {
	case logging.LevelDebug:
		l.logger.Debug(msg, attrs...)
	case logging.LevelWarn:
		l.logger.Warn(msg, attrs...)
	case logging.LevelError:
		l.logger.Error(msg, attrs...)
	default:
		l.logger.Info(msg, attrs...)
	}
	return nil
}

// Shutdown implements logging.Sink.
func (l *StdoutLogger) Shutdown(context.Context) error { return nil }

// FileLogger appends records as JSON lines to a single file.
type FileLogger struct {
	file *os.File
	enc  *json.Encoder
}

// Init implements logging.Sink. Config key: "path" (required; parent
// directories are created).
func (l *FileLogger) Init(config map[string]any) error {
	path := configString(config, "path", "")
	if path == "" {
		return fmt.Errorf("file logger requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	l.file = f
	l.enc = json.NewEncoder(f)
	return nil
}

// Log implements logging.Sink.
func (l *FileLogger) Log(_ context.Context, rec logging.Record) error {
	return l.enc.Encode(rec)
}

// Shutdown implements logging.Sink.
func (l *FileLogger) Shutdown(context.Context) error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
