package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// WithRunFile tees the context's logger into a JSON log file under 'dir'
// named after the command and run ID. When 'dir' is empty the context is
// returned unchanged.
func WithRunFile(ctx context.Context, dir, command, runID string) (context.Context, func()) {
	if dir == "" {
		return ctx, func() {}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create log directory", "path", dir, "error", err.Error())
		return ctx, func() {}
	}

	name := fmt.Sprintf("%s-%s-%s.log",
		time.Now().UTC().Format("20060102T150405"),
		slug.Make(command),
		runID,
	)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		clog.WarnContext(ctx, "failed to create run log file", "path", path, "error", err.Error())
		return ctx, func() {}
	}

	// Every record in the file carries the invocation it came from.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		slog.String(AttrRunID, runID),
		slog.String(AttrCommand, command),
	})

	handler := slogmulti.Fanout(clog.FromContext(ctx).Handler(), fileHandler)

	clog.InfoContext(ctx, "logging run output to file", "path", path)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		if err := f.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close log file", "path", path, "error", err.Error())
		}
	}
}
