package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomhq/loom/common/bootstrap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Registration is done; replay determinism depends on the manifest
	// not changing while runs are in flight.
	components.Manifest.Freeze()

	components.Logger.Info("worker starting",
		"workflows", components.Manifest.Workflows(),
		"steps", components.Manifest.Steps(),
	)

	if err := components.Scheduler.Start(ctx); err != nil {
		components.Logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	components.Logger.Info("received signal, shutting down", "signal", sig.String())
	cancel()
}
