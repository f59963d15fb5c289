// recovery-sync copies sonde recovery reports from the radiosondy feed into
// the SondeHub recovery API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"telmlog/internal/api"
	"telmlog/internal/config"
	"telmlog/internal/logging"
	"telmlog/internal/metrics"
	"telmlog/internal/recovery"
)

const service = "recovery-sync"

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
	var interval time.Duration
	var showVersion bool

	flagSet := pflag.NewFlagSet(service, pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML or JSON config file (default: TELM_* environment only)")
	flagSet.BoolVar(&dryRun, "dry-run", false, "log recoveries instead of uploading them")
	flagSet.DurationVar(&interval, "interval", 0, "repeat every interval instead of running once (overrides recovery.interval)")
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

	if !flagSet.Changed("interval") {
		interval = cfg.Recovery.Interval
	}
	dryRun = dryRun || cfg.Recovery.DryRun

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconciler := recovery.NewReconciler(recovery.NewClient(cfg.Recovery, logger), cfg.Recovery.Attribution, dryRun, logger)
	if interval <= 0 {
		_, err := reconciler.Run(ctx)
		return err
	}

	api.Start(ctx, api.NewServer(mgr, nil, nil, logger, service, version), ":8083")
	logger.Info("started", "version", version, "interval", interval.String(), "dry_run", dryRun)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("recovery sync failed", "err", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}
