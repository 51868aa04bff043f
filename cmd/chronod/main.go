package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"chrono/internal/daemon"
	"chrono/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./chronod.json", "path to config file (json or yaml)")
	flag.Parse()

	// Bootstrap logger for failures before the configured sinks exist.
	boot := logx.NewConsole("info")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}

	if err := d.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-d.Done():
		// A fatal error in a background loop ends the daemon on its own.
	}

	_ = d.Stop(context.Background())

	if err := d.Err(); err != nil && ctx.Err() == nil {
		boot.Error("daemon failed", logx.Err(err))
		os.Exit(1)
	}
}
