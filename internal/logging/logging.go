// Package logging provides the shared structured-logging conventions.
//
// Loggers are dependency-injected, never global: each component receives a
// *slog.Logger at construction, scopes it once with With("component", ...),
// and keeps it for its lifetime. Output format, level and destination are
// configured only in main(). Components must never call slog.SetDefault.
//
// Logging is sparse by convention. Lifecycle boundaries (start, stop,
// reconfiguration, claim wins, tick failures) are the intended log points;
// nothing logs inside transformation or serialization inner loops.
package logging

import (
	"context"
	"log/slog"
)

// discardHandler drops every record.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. It is the
// standard guard for optional logger parameters:
//
//	func New(cfg Config) *Thing {
//	    logger := logging.Default(cfg.Logger).With("component", "thing")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
