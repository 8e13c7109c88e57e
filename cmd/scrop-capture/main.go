// Package main — cmd/scrop-capture/main.go
//
// scrop-capture agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/scrop/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Probe CAP_BPF/CAP_NET_ADMIN capabilities.
//  4. Load BPF programs (kernel version check, CO-RE load, kfree_skb attach).
//  5. Load the drop-reason resolver from kernel BTF.
//  6. Start Prometheus metrics server (127.0.0.1:9091 by default).
//  7. Start the capture controller (reader, correlator, batcher).
//  8. Register SIGHUP handler for config hot-reload.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Stop the controller (detaches every interface, drains the wheel).
//  2. Close BPF objects.
//  3. Flush logger.
//  4. Exit 0.
//
// On BPF load failure or config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	bpfpkg "github.com/scrop/scrop-capture/internal/bpf"
	"github.com/scrop/scrop-capture/internal/batch"
	"github.com/scrop/scrop-capture/internal/capture"
	"github.com/scrop/scrop-capture/internal/config"
	"github.com/scrop/scrop-capture/internal/dropreason"
	"github.com/scrop/scrop-capture/internal/observability"
)

func main() {
	configPath := flag.String("config", "/etc/scrop/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("scrop-capture %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("scrop-capture starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bpfpkg.CheckCapabilities(); err != nil {
		log.Fatal("capability check failed", zap.Error(err))
	}

	log.Info("loading BPF programs...")
	bpfObjs, err := bpfpkg.Load(log)
	if err != nil {
		log.Fatal("BPF load failed — aborting (no partial state)", zap.Error(err))
	}
	defer bpfObjs.Close() //nolint:errcheck
	log.Info("BPF programs loaded, kfree_skb tracepoint attached")

	resolver, err := dropreason.NewResolver()
	if err != nil {
		log.Fatal("drop-reason resolver init failed", zap.Error(err))
	}
	log.Info("drop-reason resolver built from kernel BTF")

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	bus := batch.NewBus(cfg.Batch.SubscriberBufferSize, metrics)
	controller := capture.NewController(bpfObjs, resolver, cfg, metrics, bus, log)

	if err := controller.Start(ctx); err != nil {
		log.Fatal("controller start failed", zap.Error(err))
	}
	log.Info("capture controller running",
		zap.Strings("monitored_interfaces", cfg.Capture.MonitoredInterfaces))

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// The reloaded config is only validated and logged: the
			// logger and controller keep the config they were built
			// with, so new values take effect on a process restart.
			log.Info("config hot-reload successful",
				zap.Strings("monitored_interfaces", newCfg.Capture.MonitoredInterfaces))
			cfg = newCfg
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	if err := controller.Stop(); err != nil {
		log.Warn("controller stop reported an error", zap.Error(err))
	}

	log.Info("scrop-capture shutdown complete")
}
