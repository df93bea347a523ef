// Package logging provides the structured logging conventions shared by the
// batch store components.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component (orchestrator, strategy, backend, worker) owns one scoped logger
//   - Scoping happens once at construction time via slog.With("component", ...)
//   - If no logger is provided, a discard logger is used
//
// The output format, level and destination are chosen by the command in main().
// Library code never calls slog.SetDefault.
//
// Logging is intentionally sparse: unit lifecycle events (open, rotate, lock,
// unlock, purge, migrate) and failures are logged; the per-record write path
// only logs when a record is dropped.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger:
//
//	func NewStrategy(cfg Config) *Strategy {
//	    logger := logging.Default(cfg.Logger).With("component", "persistence")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
