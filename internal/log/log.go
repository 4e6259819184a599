// Package log wires harness logging: a structured logger on stderr,
// optionally fanned out to the per-test-class log file so subprocess
// output and harness events end up interleaved in one place.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// Setup installs a text handler on stderr as the context logger. Verbose
// lowers the level to debug.
func Setup(ctx context.Context, verbose bool) context.Context {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return clog.WithLogger(ctx, clog.New(handler))
}

// ForClass tees the context logger into log/<class>.log alongside the
// subprocess output the executor writes there. The returned func closes
// the file.
func ForClass(ctx context.Context, logDir, class string) (context.Context, func(), error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return ctx, nil, fmt.Errorf("creating log directory: %w", err)
	}
	path := filepath.Join(logDir, slug.Make(class)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return ctx, nil, fmt.Errorf("opening class log file: %w", err)
	}

	parent := clog.FromContext(ctx)
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := slogmulti.Fanout(parent.Handler(), fileHandler)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	cleanup := func() {
		if err := file.Close(); err != nil {
			// Through the parent logger: the fan-out branch is the file
			// that just failed to close.
			parent.Warn("failed to close class log file", "path", path, "error", err)
		}
	}
	return ctx, cleanup, nil
}
