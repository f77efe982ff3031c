package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/docent-net/cluster-rolling-upgrader/pkg/cli"
	"github.com/docent-net/cluster-rolling-upgrader/pkg/tracing"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand(version).ExecuteContext(ctx)
	stop()

	if shutdownErr := tracing.Shutdown(context.Background()); shutdownErr != nil {
		slog.Warn("failed to flush traces", "err", shutdownErr)
	}
	if err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}
