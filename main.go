package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"

	"github.com/musicapp/musicdeploy/internal/cli"
	"github.com/musicapp/musicdeploy/internal/o11y"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := o11y.SetupTracing(ctx); err != nil {
		clog.WarnContext(ctx, "failed to set up tracing", "error", err)
	}

	if err := cli.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
