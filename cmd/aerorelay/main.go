// aerorelay is the relayer daemon: it polls source chains for IBC packets,
// proves them, hands the proofs to peer relayers and tracks every packet to
// a terminal state.
// Usage: aerorelay -config aerorelay.yml
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

	"github.com/SWAI-Ltd/aerorelay/internal/config"
)

func main() {
	path := flag.String("config", "aerorelay.yml", "config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Log))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		slog.Error("failed to start relayer", "err", err)
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("relayer stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("relayer stopped")
}

func newLogger(c config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
