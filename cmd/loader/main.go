// Package main provides the kaijs loader daemon.
//
// The loader pops CI broker envelopes from the durable file queue, routes
// them by topic, folds them into artifact documents, and persists them to
// the document store, either through per-envelope compare-and-swap updates
// (MongoDB) or accumulated bulk upserts (OpenSearch).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fedora-ci/kaijs/internal/config"
	"github.com/fedora-ci/kaijs/internal/fqueue"
	"github.com/fedora-ci/kaijs/internal/koji"
	"github.com/fedora-ci/kaijs/internal/loader"
	"github.com/fedora-ci/kaijs/internal/metrics"
	"github.com/fedora-ci/kaijs/internal/schemas"
	"github.com/fedora-ci/kaijs/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "kaijs-loader"
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

	loaderConfig := loader.LoadConfig()
	if err := loaderConfig.Validate(); err != nil {
		logger.Error("Invalid loader configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting loader",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("queue_dir", loaderConfig.QueueDir),
		slog.String("schema_refresh_cron", loaderConfig.SchemaRefreshCron))

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	defer stop()

	queue, err := fqueue.New(loaderConfig.QueueDir, fqueue.Config{Poll: loaderConfig.QueuePoll}, logger)
	if err != nil {
		logger.Error("Failed to open file queue", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer queue.Stop()

	validator := schemas.NewStore(&schemas.HTTPFetcher{URL: loaderConfig.SchemasURL}, logger)
	if err := validator.Refresh(ctx); err != nil {
		logger.Error("Initial schema fetch failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := validator.StartRefresh(loaderConfig.SchemaRefreshCron); err != nil {
		logger.Error("Failed to schedule schema refresh", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer validator.Stop()

	loaderMetrics, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("Failed to register metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hubs, err := koji.NewHubSet(koji.LoadHubConfig(), logger)
	if err != nil {
		logger.Error("Failed to create hub clients", slog.String("error", err.Error()))
		os.Exit(1)
	}

	storeKind := config.GetEnvStr("KAIJS_STORE", "mongo")

	switch storeKind {
	case "mongo":
		err = runMongo(ctx, queue, validator, hubs, loaderMetrics, logger)
	case "opensearch":
		err = runOpenSearch(ctx, queue, validator, hubs, loaderMetrics, logger)
	default:
		logger.Error("Unknown store kind", slog.String("store", storeKind))
		os.Exit(1)
	}

	if err != nil {
		logger.Error("Loader failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Loader stopped")
}

func runMongo(
	ctx context.Context,
	queue *fqueue.Queue,
	validator *schemas.Store,
	hubs koji.HubSet,
	loaderMetrics *metrics.Metrics,
	logger *slog.Logger,
) error {
	storageConfig := storage.LoadConfig()

	indexes, err := storage.LoadIndexConfig(storageConfig.IndexConfigPath, storageConfig, logger)
	if err != nil {
		return err
	}

	store, err := storage.NewMongoStore(ctx, storageConfig, indexes, logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = store.Close(context.Background())
	}()

	logger.Info("Document store initialized",
		slog.String("url", storageConfig.MaskMongoURL()),
		slog.String("database", storageConfig.Database),
		slog.String("artifacts_collection", storageConfig.ArtifactsCollection))

	registry, err := loader.NewHandlerRegistry(store, hubs)
	if err != nil {
		return err
	}

	updater := loader.NewUpdater(store, validator, registry, logger, loaderMetrics)
	consumer := loader.NewConsumer(queue, updater, store, logger, loaderMetrics)

	return consumer.Run(ctx)
}

func runOpenSearch(
	ctx context.Context,
	queue *fqueue.Queue,
	validator *schemas.Store,
	hubs koji.HubSet,
	loaderMetrics *metrics.Metrics,
	logger *slog.Logger,
) error {
	storageConfig := storage.LoadOpenSearchConfig()

	store, err := storage.NewOpenSearchStore(storageConfig, logger)
	if err != nil {
		return err
	}

	logger.Info("Indexed store initialized",
		slog.Int("addresses", len(storageConfig.Addresses)),
		slog.String("artifacts_index", storageConfig.ArtifactsIndex))

	bulkConfig := loader.LoadBulkConfig()
	bulkConfig.ArtifactsIndex = storageConfig.ArtifactsIndex
	bulkConfig.StatesIndex = storageConfig.StatesIndex

	consumer, err := loader.NewBulkConsumer(
		queue, store, store, validator, hubs, store, logger, loaderMetrics, bulkConfig)
	if err != nil {
		return err
	}

	return consumer.Run(ctx)
}
