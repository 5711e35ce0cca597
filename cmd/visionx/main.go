package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dunamismax/visionx/internal/cli"
	"github.com/dunamismax/visionx/internal/config"
	"github.com/dunamismax/visionx/internal/logging"
)

func main() {
	cfg := config.Load()
	// Command output owns stdout; logs go to stderr.
	logger := logging.Component(logging.New(cfg.Logging.Level, "console", os.Stderr), "cli")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(cfg, logger, os.Stdout)
	if err := root.Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, root.RenderError(err))
		stop()
		os.Exit(1)
	}
}
