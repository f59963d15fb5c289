// telm-ingest accepts amateur balloon telemetry uploads over HTTP, validates
// and normalizes each record and publishes accepted batches to kafka.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/pflag"

	"telmlog/internal/api"
	"telmlog/internal/config"
	"telmlog/internal/ingest"
	"telmlog/internal/logging"
	"telmlog/internal/metrics"
	"telmlog/internal/normalize"
	"telmlog/internal/pubsub"
	"telmlog/internal/rejects"
	"telmlog/internal/storage"
)

const service = "telm-ingest"

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var dryRun bool
	var showVersion bool

	flagSet := pflag.NewFlagSet(service, pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML or JSON config file (default: TELM_* environment only)")
	flagSet.BoolVar(&dryRun, "dry-run", false, "log accepted batches instead of publishing them")
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
	recent := rejects.NewStore(cfg.Rejects.StoreLimit)

	var normalizer atomic.Pointer[normalize.Normalizer]
	normalizer.Store(normalize.NewNormalizer(cfg.Ingest.HiddenCallsigns))
	applyConfig := func(next *config.Config) {
		normalizer.Store(normalize.NewNormalizer(next.Ingest.HiddenCallsigns))
		logger.Info("config applied", "hidden_callsigns", len(next.Ingest.HiddenCallsigns))
	}

	var publisher pubsub.Publisher
	if dryRun {
		publisher = pubsub.LogPublisher{Logger: logger}
	} else {
		kafkaPublisher := pubsub.NewKafkaPublisher(cfg.Publisher, logger)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	sink := &ingest.AuditSink{Recent: recent, Store: store, Logger: logger}
	pipeline := ingest.NewPipeline(publisher, normalizer.Load, sink, logger)
	ingest.StartREST(ctx, mgr, pipeline, logger)
	api.Start(ctx, api.NewServer(mgr, recent, applyConfig, logger, service, version), ":8081")

	if mgr.Path() != "" {
		go mgr.Watch(0, applyConfig, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	logger.Info("started", "version", version, "dry_run", dryRun)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
