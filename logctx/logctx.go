// Package logctx wires ambient logging: a single level-mapping function and
// constructor, with every component holding an injected *slog.Logger rather
// than calling the package-level default.
package logctx

import (
	"io"
	"log/slog"
)

// Level maps the CLI's --log_level 0..5 flag onto a slog.Level.
// 0 is the quietest (errors only); 5 is the most verbose. Values outside
// [0,5] clamp to the nearest end.
func Level(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelError
	case verbosity == 1:
		return slog.LevelWarn
	case verbosity == 2:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// New builds a text-handler logger writing to w at the given level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
