// Package main provides the kaijs listener daemon.
//
// The listener consumes CI messages from an AMQP 1.0 broker and pushes them
// into the durable file queue; the loader daemon drains the queue into the
// document store.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fedora-ci/kaijs/internal/config"
	"github.com/fedora-ci/kaijs/internal/fqueue"
	"github.com/fedora-ci/kaijs/internal/listener"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "kaijs-listener"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("KAIJS_LOG_LEVEL", slog.LevelInfo),
	}))

	listenerConfig := listener.LoadConfig()
	if err := listenerConfig.Validate(); err != nil {
		logger.Error("Invalid listener configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting listener",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("broker", listenerConfig.MaskURL()),
		slog.Int("topics", len(listenerConfig.Topics)),
		slog.String("queue_dir", listenerConfig.QueueDir))

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	defer stop()

	queue, err := fqueue.New(listenerConfig.QueueDir, fqueue.Config{}, logger)
	if err != nil {
		logger.Error("Failed to open file queue", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer queue.Stop()

	if err := listener.New(listenerConfig, queue, logger).Run(ctx); err != nil {
		logger.Error("Listener failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Listener stopped")
}
