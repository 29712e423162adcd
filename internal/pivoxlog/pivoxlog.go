// Package pivoxlog threads a single log/slog.Logger through every
// component instead of relying on a package-level logger, grounded on
// thushan-olla/internal/logger's direct use of log/slog.
package pivoxlog

import (
	"io"
	"log/slog"
)

// Nop returns a logger that discards everything, used as the default when
// a component is constructed without an explicit logger.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New returns a text handler logger writing to w at the given level,
// suitable for the CLI shim's default output.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// OrNop returns logger if non-nil, otherwise a no-op logger. Every
// constructor in this module calls this on its logger parameter so a nil
// *slog.Logger is always safe to pass.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}
