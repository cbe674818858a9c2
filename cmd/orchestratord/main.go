// Command orchestratord runs the approval-gated workflow orchestration
// service: it loads configuration from the environment, connects to
// Postgres, and serves the REST API and timeout manager until it
// receives SIGINT or SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/evalgo/approvalflow/internal/app"
	"github.com/evalgo/approvalflow/internal/config"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("orchestratord: startup failed: %v", err)
	}

	a.Logger.WithField("port", cfg.HTTPPort).Info("orchestratord starting")
	if err := a.Run(ctx); err != nil {
		a.Logger.WithError(err).Fatal("orchestratord: server exited with error")
	}
	a.Logger.Info("orchestratord stopped")
}
