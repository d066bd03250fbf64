package logging

import (
	"io"
	"log/slog"
	"time"
)

// Shared attribute keys so log fields stay consistent across packages.
const (
	FieldComponent = "component"
	FieldDevice    = "device"
	FieldBatch     = "batch"
	FieldArtifact  = "artifact"
	FieldAttempt   = "attempt"
	FieldErrorKind = "error_kind"
)

func String(key, value string) slog.Attr { return slog.String(key, value) }

func Int(key string, value int) slog.Attr { return slog.Int(key, value) }

func Int64(key string, value int64) slog.Attr { return slog.Int64(key, value) }

func Bool(key string, value bool) slog.Attr { return slog.Bool(key, value) }

func Duration(key string, value time.Duration) slog.Attr {
	return slog.Duration(key, value)
}

// Error returns a standard "error" attribute, tolerating nil.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Args flattens attrs into the ...any form expected by slog methods.
func Args(attrs ...slog.Attr) []any {
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	return args
}

// NewNop returns a logger that discards everything. Intended for tests and
// optional collaborators.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// NewComponentLogger tags every record produced through the returned logger
// with a component field. A nil base yields a nop logger.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		return NewNop()
	}
	return base.With(String(FieldComponent, component))
}
