// telm-indexer consumes published telemetry batches and bulk indexes them
// into monthly search indices.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"telmlog/internal/api"
	"telmlog/internal/config"
	"telmlog/internal/indexer"
	"telmlog/internal/logging"
	"telmlog/internal/metrics"
	"telmlog/internal/pubsub"
	"telmlog/internal/storage"
)

const service = "telm-indexer"

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var replayPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet(service, pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML or JSON config file (default: TELM_* environment only)")
	flagSet.StringVar(&replayPath, "replay", "", "index queue message bodies from this file, one per line, then exit")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(service, version)
		return nil
	}

	mgr, err := config.Open(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(service, cfg.LogLevel)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
	}

	writer := indexer.NewBulkWriter(cfg.Search, store, logger)
	consumer := indexer.NewConsumer(writer, logger)
	if replayPath != "" {
		_, err := indexer.ReplayFile(ctx, replayPath, consumer, cfg.Consumer.BatchSize, logger)
		return err
	}

	subscriber := pubsub.NewSubscriber(cfg.Consumer, consumer, logger)
	api.Start(ctx, api.NewServer(mgr, nil, nil, logger, service, version), ":8082")

	logger.Info("started", "version", version, "search", cfg.Search.URL, "index_prefix", cfg.Search.IndexPrefix)
	err = subscriber.Run(ctx)
	logger.Info("shutting down")
	return err
}
