// Package logging builds the process-wide structured logger used by the
// envmesh services. Services receive a *slog.Logger by injection; this
// package only decides what that logger looks like.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a colored, human-readable slog logger writing to w.
func New(w io.Writer, level slog.Level) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  true,
	})
	return slog.New(handler)
}

// Default returns the standard stderr logger at Info level.
func Default() *slog.Logger {
	return New(os.Stderr, slog.LevelInfo)
}
