package log

import (
	"io"
	"log/slog"
	"time"

	charmlog "github.com/charmbracelet/log"
)

// NewConsoleHandler returns a human-oriented handler writing to 'w' at the
// named level ("debug", "info", "warn", "error"). Unknown levels fall back
// to info.
func NewConsoleHandler(w io.Writer, level string) slog.Handler {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		lvl = charmlog.InfoLevel
	}
	return charmlog.NewWithOptions(w, charmlog.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		ReportCaller:    lvl == charmlog.DebugLevel,
	})
}
