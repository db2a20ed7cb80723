package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bridgefall/stun/client"
	"github.com/bridgefall/stun/commons/logger"
	"github.com/bridgefall/stun/config"
	"github.com/bridgefall/stun/event"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file (required)")
	flag.Parse()

	if *configPath == "" {
		fatalf("config error: --config is required")
	}

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fatalf("config error: %v", err)
	}

	logger.Setup(cfg.LogLevel)

	cl, err := client.NewClient(cfg)
	if err != nil {
		fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cl.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		var fatal event.FatalError
		if errors.As(err, &fatal) {
			slog.Error("stun: fatal protocol error", "reason", fatal.Reason)
		} else {
			slog.Error("stun: client stopped", "err", err)
		}
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
