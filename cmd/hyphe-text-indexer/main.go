package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hyphetext/internal/config"
	"hyphetext/internal/extract"
	"hyphetext/internal/indexer"
	"hyphetext/internal/logging"
	"hyphetext/internal/ops"
	"hyphetext/internal/search"
	"hyphetext/internal/store"
	"hyphetext/internal/transform"
)

// workerStopTimeout bounds the wait for in-flight batches at shutdown.
const workerStopTimeout = 3000 * time.Second

func main() {
	configPath := flag.String("config", "config.yml", "path to the configuration file")
	batchSize := flag.Int("batch-size", 0, "override indexer.batchSize")
	nbWorkers := flag.Int("nb-indexation-workers", 0, "override indexer.nbIndexationWorkers")
	flag.Parse()

	cfg := config.Load(*configPath)
	if *batchSize > 0 {
		cfg.Indexer.BatchSize = *batchSize
	}
	if *nbWorkers > 0 {
		cfg.Indexer.NbIndexationWorkers = *nbWorkers
	}

	logger, fanin, err := logging.New(cfg.Log.Dir)
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer fanin.Stop()

	logger.Info("starting text indexation",
		"batch_size", cfg.Indexer.BatchSize,
		"workers", cfg.Indexer.NbIndexationWorkers,
		"mongo", fmt.Sprintf("%s:%d", cfg.Mongo.Host, cfg.Mongo.Port),
		"elasticsearch", fmt.Sprintf("%s:%d", cfg.Elasticsearch.Host, cfg.Elasticsearch.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.Mongo.Host, cfg.Mongo.Port)
	if err != nil {
		logger.Error("failed to connect to mongodb", "error", err)
		fanin.Stop()
		os.Exit(1)
	}
	defer st.Close(context.Background())

	es, err := search.Connect(ctx, cfg.Elasticsearch.Host, cfg.Elasticsearch.Port, cfg.Elasticsearch.TimeoutSec, logger)
	if err != nil {
		logger.Error("failed to connect to elasticsearch", "error", err)
		fanin.Stop()
		os.Exit(1)
	}
	logger.Info("elasticsearch started")

	registry := extract.NewRegistry(logger)
	transformer := transform.New(registry, logger)

	logger.Info("starting workers", "count", cfg.Indexer.NbIndexationWorkers)
	pool := indexer.NewPool(cfg.Indexer.NbIndexationWorkers, st, es, transformer, logger)
	coord := indexer.NewCoordinator(cfg, st, es, pool.Tasks(), logger)

	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.NewServer(cfg, logger)
		go func() {
			if err := opsServer.Listen(); err != nil {
				logger.Error("ops server stopped", "error", err)
			}
		}()
	}

	coord.Run(ctx)

	// Shutdown: drop queued batches, let in-flight ones finish, then
	// return every remaining lease to TO_INDEX so a restart retries them.
	logger.Info("waiting for indexation workers to stop")
	pool.Drain()
	if !pool.Stop(workerStopTimeout) {
		logger.Error("workers did not stop in time")
	}
	coord.ResetLeases(context.Background())

	if opsServer != nil {
		if err := opsServer.Shutdown(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}
	logger.Info("text indexation stopped")
}
