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

	"github.com/bridgefall/stun/commons/logger"
	"github.com/bridgefall/stun/config"
	"github.com/bridgefall/stun/event"
	"github.com/bridgefall/stun/server"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file (required)")
	flag.Parse()

	if *configPath == "" {
		fatalf("config error: --config is required")
	}

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fatalf("config error: %v", err)
	}

	logger.Setup(cfg.LogLevel)

	srv, err := server.NewServer(cfg)
	if err != nil {
		fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-srv.Ready()
		slog.Info("stund listening", "addr", srv.Addr())
	}()

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		var fatal event.FatalError
		if errors.As(err, &fatal) {
			slog.Error("stund: fatal protocol error", "reason", fatal.Reason)
		} else {
			slog.Error("stund: server stopped", "err", err)
		}
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
