package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/iliyamo/transit-seat-reservation/cmd/fleetctl/app"
	"github.com/iliyamo/transit-seat-reservation/internal/config"
)

func main() {
	config.LoadDotEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := app.NewRootCommand(ctx).Execute(); err != nil {
		stop()
		os.Exit(1)
	}
}
